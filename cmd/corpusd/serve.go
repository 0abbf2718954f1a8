package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/corpusd/internal/config"
	corpushttp "github.com/fyrsmithlabs/corpusd/internal/http"
)

const defaultShutdownTimeout = 10 * time.Second

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and background ingestion",
		Long: `Start the corpusd HTTP API.

The server also subscribes to sync completion events so newly synced
documents are embedded without a manual call. It reloads the synonyms
file when it changes, and rebuilds the embedding gateway and search
pipeline when their sections of the config file change.

Examples:
  # Start with defaults (chromem index, in-process state)
  corpusd serve

  # Share state and events through NATS
  CORPUSD_STATE_PROVIDER=nats CORPUSD_STATE_NATS_URL=nats://localhost:4222 corpusd serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, *configPath)
		},
	}
}

// runServe blocks until ctx is cancelled or the server fails, then shuts
// down gracefully.
func runServe(ctx context.Context, cfg *config.Config, configPath string) error {
	a, err := newApp(ctx, cfg, appOptions{configPath: configPath})
	if err != nil {
		return err
	}
	defer a.Close()
	zl := a.logger.Underlying()

	zl.Info("starting corpusd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("vectorindex", cfg.VectorIndex.Provider),
		zap.String("embeddings", cfg.Embeddings.Provider),
		zap.String("state", cfg.State.Provider))

	srv, err := corpushttp.NewServer(corpushttp.Services{
		Ingest:     a.ingest,
		Search:     a.search,
		Backlog:    a.docs,
		Graph:      a.graph,
		Progress:   a.progress,
		Handshakes: a.handshakes,
		Bus:        a.bus,
		OAuth:      cfg.OAuth.Connectors,
		Ready:      a.ready,
	}, a.logger, corpushttp.ConfigFrom(cfg.Server))
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	unsubscribe, err := a.ingest.SubscribeSyncCompleted(ctx, a.bus)
	if err != nil {
		return fmt.Errorf("subscribing to sync events: %w", err)
	}
	defer unsubscribe()

	if err := a.watchSynonyms(ctx); err != nil {
		zl.Warn("synonyms hot reload disabled", zap.Error(err))
	}
	if err := a.watchConfig(ctx); err != nil {
		zl.Warn("config hot reload disabled", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		timeout := cfg.Server.ShutdownTimeout.Duration()
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	zl.Info("corpusd shutdown complete")
	return nil
}
