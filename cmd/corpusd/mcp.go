package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/config"
	"github.com/fyrsmithlabs/corpusd/internal/mcp"
)

func newMCPCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve corpusd tools over MCP on stdio",
		Long: `Run corpusd as a Model Context Protocol server on stdin/stdout.

Tools: search_knowledge, embed_documents, delete_embeddings, answer_gap,
backlog_status and tool_search. Logs are written to stderr.

Examples:
  corpusd mcp --config ~/.config/corpusd/config.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return runMCP(cmd.Context(), cfg, *configPath)
		},
	}
}

func runMCP(ctx context.Context, cfg *config.Config, configPath string) error {
	a, err := newApp(ctx, cfg, appOptions{logToStderr: true, configPath: configPath})
	if err != nil {
		return err
	}
	defer a.Close()
	zl := a.logger.Underlying()

	if err := a.watchSynonyms(ctx); err != nil {
		zl.Warn("synonyms hot reload disabled", zap.Error(err))
	}
	if err := a.watchConfig(ctx); err != nil {
		zl.Warn("config hot reload disabled", zap.Error(err))
	}

	srv, err := mcp.NewServer(&mcp.Config{
		Name:    "corpusd",
		Version: version,
		Logger:  zl,
	}, mcp.Services{
		Ingest:   a.ingest,
		Search:   a.search,
		Backlog:  a.docs,
		Scrubber: a.scrubber,
	})
	if err != nil {
		return fmt.Errorf("creating MCP server: %w", err)
	}
	return srv.Run(ctx)
}
