package main

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/cache"
	"github.com/fyrsmithlabs/corpusd/internal/chunking"
	"github.com/fyrsmithlabs/corpusd/internal/config"
	"github.com/fyrsmithlabs/corpusd/internal/docstore"
	"github.com/fyrsmithlabs/corpusd/internal/embeddings"
	"github.com/fyrsmithlabs/corpusd/internal/events"
	"github.com/fyrsmithlabs/corpusd/internal/graph"
	"github.com/fyrsmithlabs/corpusd/internal/ingest"
	"github.com/fyrsmithlabs/corpusd/internal/logging"
	"github.com/fyrsmithlabs/corpusd/internal/ranking"
	"github.com/fyrsmithlabs/corpusd/internal/reranker"
	"github.com/fyrsmithlabs/corpusd/internal/retrieval"
	"github.com/fyrsmithlabs/corpusd/internal/search"
	"github.com/fyrsmithlabs/corpusd/internal/secrets"
	"github.com/fyrsmithlabs/corpusd/internal/statestore"
	"github.com/fyrsmithlabs/corpusd/internal/synthesis"
	"github.com/fyrsmithlabs/corpusd/internal/telemetry"
	"github.com/fyrsmithlabs/corpusd/internal/vectorindex"
)

// memoryStateEntries bounds the in-process state store.
const memoryStateEntries = 10000

// app holds every long-lived dependency. Components are closed in reverse
// construction order.
type app struct {
	cfg        *config.Config
	configPath string
	live       atomic.Pointer[config.Config]
	reloadMu   sync.Mutex
	logger     *logging.Logger
	telemetry  *telemetry.Telemetry

	docs       *docstore.Store
	index      vectorindex.Index
	gateways   *cache.Factory[*embeddings.Gateway]
	embedder   *embeddings.Reloadable
	expanders  *cache.Factory[*retrieval.Expander]
	graph      *graph.Store
	scrubber   *secrets.Scrubber
	progress   *statestore.ProgressTracker
	handshakes *statestore.Handshakes
	bus        events.Bus
	nc         *nats.Conn

	ingest   *ingest.Service
	searches *cache.Factory[*search.Service]
	search   *search.Reloadable

	closers []func() error
}

// appOptions varies process-level wiring between commands.
type appOptions struct {
	// logToStderr keeps stdout free for the MCP stdio transport.
	logToStderr bool
	// configPath is the file cfg was loaded from; reloadConfig re-reads it.
	configPath string
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg, configPath: opts.configPath}
	a.live.Store(cfg)
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.telemetry, err = telemetry.New(ctx, telemetry.FromSettings(cfg.Observability, version))
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	a.closers = append(a.closers, func() error { return a.telemetry.Shutdown(context.Background()) })

	lcfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, err
	}
	lcfg.Output.Stderr = opts.logToStderr
	a.logger, err = logging.NewLogger(lcfg, a.telemetry.LoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	a.closers = append(a.closers, func() error {
		_ = a.logger.Sync() // stdout/stderr sync fails on some platforms
		return nil
	})
	zl := a.logger.Underlying()
	if degraded, derr := a.telemetry.Degraded(); degraded {
		zl.Warn("telemetry degraded, using no-op providers", zap.Error(derr))
	}

	a.scrubber, err = secrets.New(cfg.Secrets, zl)
	if err != nil {
		return nil, fmt.Errorf("initializing secret scrubber: %w", err)
	}

	a.docs, err = docstore.Open(cfg.Storage.Path, zl)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.docs.Close)

	a.gateways = embeddings.NewGatewayFactory(a.embeddingSettings, zl,
		embeddings.WithLogger(zl),
		embeddings.WithScrubber(a.scrubber),
		embeddings.WithMetrics(embeddings.NewMetrics(zl)))
	a.closers = append(a.closers, a.gateways.Close)
	gw, err := a.gateways.Current(ctx)
	if err != nil {
		return nil, err
	}
	a.embedder = embeddings.NewReloadable(a.gateways)

	a.index, err = vectorindex.New(ctx, cfg.VectorIndex, gw.Dimension(), zl)
	if err != nil {
		return nil, fmt.Errorf("creating vector index: %w", err)
	}
	a.closers = append(a.closers, a.index.Close)

	if err := a.initState(ctx, zl); err != nil {
		return nil, err
	}

	a.graph = graph.New(a.docs.DB(), graph.Config{
		WorkingSet: cfg.Cache.TenantWorkingSet,
		EntityCap:  cfg.Cache.EntityCap,
	}, zl)

	chunker, err := chunking.New(cfg.Chunking.Size, cfg.Chunking.Overlap)
	if err != nil {
		return nil, err
	}
	a.ingest, err = ingest.New(a.docs, a.index, a.embedder, chunker, ingest.ConfigFrom(cfg.Ingest),
		ingest.WithLogger(zl),
		ingest.WithProgress(a.progress),
		ingest.WithBus(a.bus))
	if err != nil {
		return nil, err
	}

	if path := cfg.Retrieval.SynonymsFile; path != "" {
		a.expanders = retrieval.NewExpanderFactory(path, zl)
		a.closers = append(a.closers, a.expanders.Close)
	}
	a.searches = cache.NewFactory("search", func(_ context.Context, version uint64) (*search.Service, error) {
		return a.newSearch(zl, version)
	}, zl)
	a.closers = append(a.closers, a.searches.Close)
	if _, err := a.searches.Current(ctx); err != nil {
		return nil, err
	}
	a.search = search.NewReloadable(a.searches)
	return a, nil
}

func (a *app) embeddingSettings() embeddings.Settings {
	cfg := a.live.Load()
	return embeddings.Settings{Embeddings: cfg.Embeddings, Cache: cfg.Cache}
}

// initState connects the shared state store and event bus. Both run on
// NATS when state.provider is nats, otherwise in process.
func (a *app) initState(ctx context.Context, zl *zap.Logger) error {
	cfg := a.cfg.State
	stateTTL := cfg.TTL.Duration()
	handshakeTTL := a.cfg.OAuth.HandshakeTTL.Duration()
	if handshakeTTL <= 0 {
		handshakeTTL = stateTTL
	}

	if cfg.Provider != "nats" {
		a.progress = statestore.NewProgressTracker(statestore.NewMemoryStore(memoryStateEntries, stateTTL))
		a.handshakes = statestore.NewHandshakes(statestore.NewMemoryStore(memoryStateEntries, handshakeTTL))
		a.bus = events.NewMemoryBus()
		a.closers = append(a.closers, a.bus.Close)
		return nil
	}

	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("corpusd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return fmt.Errorf("connecting to NATS at %s: %w", cfg.NATSURL, err)
	}
	a.nc = nc
	a.closers = append(a.closers, func() error { return nc.Drain() })
	zl.Info("connected to NATS", zap.String("url", cfg.NATSURL))

	progress, err := statestore.NewNATSStore(ctx, nc, statestore.NATSConfig{Bucket: cfg.Bucket, TTL: stateTTL}, zl)
	if err != nil {
		return err
	}
	handshakes, err := statestore.NewNATSStore(ctx, nc, statestore.NATSConfig{Bucket: cfg.Bucket + "_handshakes", TTL: handshakeTTL}, zl)
	if err != nil {
		return err
	}
	a.progress = statestore.NewProgressTracker(progress)
	a.handshakes = statestore.NewHandshakes(handshakes)
	a.bus = events.NewNATSBus(nc, zl)
	a.closers = append(a.closers, a.bus.Close)
	return nil
}

// newSearch builds a search service from the live configuration. The
// retriever embeds through the reloadable gateway, so an embeddings change
// alone does not rebuild it.
func (a *app) newSearch(zl *zap.Logger, version uint64) (*search.Service, error) {
	cfg := a.live.Load()
	opts := []retrieval.Option{
		retrieval.WithLogger(zl),
		retrieval.WithTermResolver(a.graph),
	}
	if a.expanders != nil {
		opts = append(opts, retrieval.WithExpanders(a.expanders))
	}
	retriever, err := retrieval.New(a.embedder, a.index, a.docs, retrieval.ConfigFrom(cfg.Retrieval), opts...)
	if err != nil {
		return nil, err
	}

	var rr reranker.Reranker = reranker.NewOverlapReranker()
	if url := cfg.Ranking.RerankerURL; url != "" {
		rr, err = reranker.NewHTTPReranker(reranker.HTTPConfig{
			BaseURL: url,
			Timeout: cfg.Ranking.RerankerTimeout.Duration(),
		})
		if err != nil {
			return nil, err
		}
	}

	synth, err := synthesis.NewFromConfig(cfg.Synthesis, zl)
	if err != nil {
		rr.Close()
		return nil, err
	}
	svc, err := search.New(retriever, ranking.NewPipeline(ranking.ConfigFrom(cfg.Ranking), rr, zl), synth,
		search.WithLogger(zl),
		search.WithCloser(rr.Close))
	if err != nil {
		rr.Close()
		return nil, err
	}
	zl.Info("search service built", zap.Uint64("version", version))
	return svc, nil
}

// reloadConfig re-reads the config file and rebuilds the embedding gateway
// and search service when their sections changed. Settings read only at
// startup are logged and left alone. A configuration that fails to build
// is rolled back and reported.
func (a *app) reloadConfig(ctx context.Context) error {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()
	zl := a.logger.Underlying()

	next, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("reloading config: %w", err)
	}
	prev := a.live.Load()

	gatewayChanged := !reflect.DeepEqual(prev.Embeddings, next.Embeddings) || !reflect.DeepEqual(prev.Cache, next.Cache)
	searchChanged := !reflect.DeepEqual(prev.Retrieval, next.Retrieval) ||
		!reflect.DeepEqual(prev.Ranking, next.Ranking) ||
		!reflect.DeepEqual(prev.Synthesis, next.Synthesis)
	if prev.Retrieval.SynonymsFile != next.Retrieval.SynonymsFile ||
		!reflect.DeepEqual(prev.Storage, next.Storage) ||
		!reflect.DeepEqual(prev.VectorIndex, next.VectorIndex) ||
		!reflect.DeepEqual(prev.State, next.State) ||
		!reflect.DeepEqual(prev.Server, next.Server) {
		zl.Warn("config changes to server, storage, vector index, state or synonyms file need a restart")
	}
	if !gatewayChanged && !searchChanged {
		return nil
	}

	a.live.Store(next)
	if err := a.rebuild(ctx, gatewayChanged, searchChanged); err != nil {
		a.live.Store(prev)
		if rerr := a.rebuild(ctx, gatewayChanged, searchChanged); rerr != nil {
			zl.Error("restoring previous config failed", zap.Error(rerr))
		}
		return fmt.Errorf("applying reloaded config: %w", err)
	}
	zl.Info("config reloaded",
		zap.Bool("embeddings", gatewayChanged),
		zap.Bool("search", searchChanged),
		zap.Uint64("gateway_version", a.gateways.Version()),
		zap.Uint64("search_version", a.searches.Version()))
	return nil
}

func (a *app) rebuild(ctx context.Context, gw, svc bool) error {
	if gw {
		a.gateways.Bump()
		if _, err := a.gateways.Current(ctx); err != nil {
			return err
		}
	}
	if svc {
		a.searches.Bump()
		if _, err := a.searches.Current(ctx); err != nil {
			return err
		}
	}
	return nil
}

// watchConfig applies config file changes until ctx is done.
func (a *app) watchConfig(ctx context.Context) error {
	if a.configPath == "" {
		return nil
	}
	zl := a.logger.Underlying()
	return cache.WatchFile(ctx, a.configPath, zl, func() {
		if err := a.reloadConfig(ctx); err != nil {
			zl.Warn("config reload rejected, keeping previous settings", zap.Error(err))
		}
	})
}

// watchSynonyms reloads the query expander when the synonyms file changes,
// until ctx is done.
func (a *app) watchSynonyms(ctx context.Context) error {
	if a.expanders == nil {
		return nil
	}
	return retrieval.WatchSynonyms(ctx, a.cfg.Retrieval.SynonymsFile, a.expanders, a.logger.Underlying())
}

// ready reports whether the document store answers.
func (a *app) ready(ctx context.Context) error {
	return a.docs.Ping(ctx)
}

// Close releases every dependency in reverse order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
