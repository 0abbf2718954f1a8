package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fyrsmithlabs/corpusd/internal/cache"
	"github.com/fyrsmithlabs/corpusd/internal/config"
	"github.com/fyrsmithlabs/corpusd/internal/secrets"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// GatewayConfig tunes the Gateway.
type GatewayConfig struct {
	Model        string
	MaxRetries   int
	RetryBackoff time.Duration
	RateLimit    float64 // requests per second; 0 disables
	Timeout      time.Duration
	CacheSize    int
	CacheTTL     time.Duration
	Concurrency  int // EmbedBatch parallelism
}

// GatewayConfigFrom maps loaded configuration onto a GatewayConfig.
func GatewayConfigFrom(e config.EmbeddingsConfig, c config.CacheConfig) GatewayConfig {
	return GatewayConfig{
		Model:        e.Model,
		MaxRetries:   e.MaxRetries,
		RetryBackoff: e.RetryBackoff.Duration(),
		RateLimit:    e.RateLimit,
		Timeout:      e.Timeout.Duration(),
		CacheSize:    c.EmbeddingMaxEntries,
		CacheTTL:     c.EmbeddingTTL.Duration(),
		Concurrency:  e.BatchSize,
	}
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithScrubber redacts secrets from text before it is sent upstream.
func WithScrubber(s *secrets.Scrubber) Option {
	return func(g *Gateway) { g.scrubber = s }
}

// WithMetrics overrides the OpenTelemetry instruments.
func WithMetrics(m *Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

type kind string

const (
	kindPassage kind = "passage"
	kindQuery   kind = "query"
)

// Gateway is the single entry point for embeddings.
//
// Lookups go cache, then single-flight, then provider. A cache hit returns
// without touching the network or waiting on any in-flight computation.
// Returned vectors are shared with the cache and must not be modified.
type Gateway struct {
	provider Provider
	cfg      GatewayConfig
	cache    *cache.LRU[string, []float32]
	flight   *cache.Flight[[]float32]
	limiter  *rate.Limiter
	scrubber *secrets.Scrubber
	metrics  *Metrics
	tracer   trace.Tracer
	logger   *zap.Logger
	closed   atomic.Bool
}

// NewGateway wraps provider.
func NewGateway(provider Provider, cfg GatewayConfig, opts ...Option) (*Gateway, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: provider is required", ErrInvalidConfig)
	}
	if cfg.CacheSize <= 0 {
		return nil, fmt.Errorf("%w: cache size must be positive", ErrInvalidConfig)
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := int(cfg.RateLimit)
	if burst < 1 {
		burst = 1
	}

	// Each shared call may spend every retry plus backoff.
	flightTimeout := time.Duration(cfg.MaxRetries+1) * (cfg.Timeout + 4*cfg.RetryBackoff)

	g := &Gateway{
		provider: provider,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, burst),
		scrubber: secrets.Disabled(),
		tracer:   otel.Tracer(instrumentationName),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	if g.metrics == nil {
		g.metrics = NewMetrics(g.logger)
	}
	g.cache = cache.NewLRU[string, []float32]("embeddings", cfg.CacheSize, cfg.CacheTTL, cache.WithLogger(g.logger))
	g.flight = cache.NewFlight[[]float32]("embeddings", flightTimeout, cache.WithLogger(g.logger))
	return g, nil
}

// CacheKey is the cache key for text under the gateway's model. It depends
// only on model and text, never on tenant.
func (g *Gateway) CacheKey(text string) string {
	return cacheKey(g.cfg.Model, kindPassage, text)
}

func cacheKey(model string, k kind, text string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(k))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// Embed returns the passage embedding for text.
func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	return g.embed(ctx, kindPassage, text)
}

// EmbedQuery returns the query embedding for text.
func (g *Gateway) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return g.embed(ctx, kindQuery, text)
}

func (g *Gateway) embed(ctx context.Context, k kind, text string) ([]float32, error) {
	if g.closed.Load() {
		return nil, ErrClosed
	}
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	key := cacheKey(g.cfg.Model, k, text)
	if v, ok := g.cache.GetChecked(key, g.checkVector); ok {
		return v, nil
	}

	ctx, span := g.tracer.Start(ctx, "embeddings.Gateway.embed",
		trace.WithAttributes(
			attribute.String("embedding.model", g.cfg.Model),
			attribute.String("embedding.kind", string(k)),
		))
	defer span.End()

	v, shared, err := g.flight.Do(ctx, key, func(ctx context.Context) ([]float32, error) {
		// A previous flight may have filled the cache since our miss.
		if v, ok := g.cache.Peek(key); ok && g.checkVector(v) == nil {
			return v, nil
		}
		v, err := g.compute(ctx, k, text)
		if err != nil {
			return nil, err
		}
		g.cache.Add(key, v)
		return v, nil
	})
	span.SetAttributes(attribute.Bool("singleflight.shared", shared))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return v, nil
}

func (g *Gateway) compute(ctx context.Context, k kind, text string) ([]float32, error) {
	op := "embed_" + string(k)

	clean, err := g.scrubber.ScrubString(text)
	if err != nil {
		return nil, &ProviderError{Op: op, Model: g.cfg.Model, Err: fmt.Errorf("scrubbing secrets: %w", err)}
	}

	attempts := 0
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.RetryBackoff
	b.MaxInterval = 8 * g.cfg.RetryBackoff

	v, err := backoff.Retry(ctx, func() ([]float32, error) {
		attempts++
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}

		start := time.Now()
		var v []float32
		var err error
		if k == kindQuery {
			v, err = g.provider.EmbedQuery(ctx, clean)
		} else {
			var vs [][]float32
			vs, err = g.provider.EmbedDocuments(ctx, []string{clean})
			if err == nil && len(vs) > 0 {
				v = vs[0]
			}
		}
		if err == nil {
			err = g.checkVector(v)
		}
		g.metrics.RecordGeneration(ctx, g.cfg.Model, op, time.Since(start), 1, err)

		if err == nil {
			return v, nil
		}
		if !transient(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(g.cfg.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			retries.WithLabelValues(g.cfg.Model).Inc()
			g.logger.Debug("retrying embedding call",
				zap.String("model", g.cfg.Model),
				zap.Int("attempt", attempts),
				zap.Duration("backoff", next),
				zap.Error(err))
		}),
	)
	if err != nil {
		g.logger.Warn("embedding provider failed",
			zap.String("model", g.cfg.Model),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return nil, &ProviderError{Op: op, Model: g.cfg.Model, Attempts: attempts, Err: err}
	}
	return v, nil
}

// checkVector rejects empty, all-zero and wrongly sized vectors.
func (g *Gateway) checkVector(v []float32) error {
	if len(v) == 0 {
		return fmt.Errorf("%w: empty vector", ErrEmbeddingFailed)
	}
	if dim := g.provider.Dimension(); dim > 0 && len(v) != dim {
		return fmt.Errorf("%w: got dimension %d, want %d", ErrEmbeddingFailed, len(v), dim)
	}
	for _, x := range v {
		if x != 0 {
			return nil
		}
	}
	return fmt.Errorf("%w: zero vector", ErrEmbeddingFailed)
}

// EmbedBatch embeds texts, returning vectors in input order. Identical texts
// are computed once. The first failure cancels the rest and is returned.
func (g *Gateway) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if g.closed.Load() {
		return nil, ErrClosed
	}
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}

	index := make(map[string]int, len(texts))
	unique := make([]string, 0, len(texts))
	for _, t := range texts {
		if _, ok := index[t]; !ok {
			index[t] = len(unique)
			unique = append(unique, t)
		}
	}

	vectors := make([][]float32, len(unique))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.cfg.Concurrency)
	for i, t := range unique {
		eg.Go(func() error {
			v, err := g.Embed(egCtx, t)
			if err != nil {
				return err
			}
			vectors[i] = v
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = vectors[index[t]]
	}
	return out, nil
}

// Dimension is the provider's vector length.
func (g *Gateway) Dimension() int { return g.provider.Dimension() }

// Model is the configured model name.
func (g *Gateway) Model() string { return g.cfg.Model }

// CacheStats returns embedding cache counters.
func (g *Gateway) CacheStats() cache.Stats { return g.cache.Stats() }

// Closed reports whether Close was called.
func (g *Gateway) Closed() bool {
	return g.closed.Load()
}

// Close purges the cache and closes the provider. Later calls fail with
// ErrClosed; closing twice is a no-op.
func (g *Gateway) Close() error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}
	g.cache.Purge()
	return g.provider.Close()
}

// IsProviderError reports whether err came from the embedding provider.
func IsProviderError(err error) bool {
	return errors.Is(err, ErrProvider)
}
