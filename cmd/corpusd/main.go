// Corpusd serves tenant-scoped retrieval-augmented search.
//
// The serve command starts the HTTP API, the ingest subscriber and the
// synonym watcher. The mcp command exposes the same services over the Model
// Context Protocol on stdio.
//
// Usage:
//
//	# Start the HTTP server with defaults
//	corpusd serve
//
//	# Use a config file and override the port
//	CORPUSD_SERVER_PORT=8480 corpusd serve --config /etc/corpusd/config.yaml
//
//	# Run as an MCP server for a local client
//	corpusd mcp --config ~/.config/corpusd/config.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "corpusd",
		Short: "Tenant-scoped retrieval-augmented search service",
		Long: `corpusd embeds tenant documents into a vector index and answers questions
from them with hybrid retrieval, reranking and verified, cited answers.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, gitCommit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CORPUSD_CONFIG"), "path to YAML config file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newMCPCmd(&configPath))
	return root
}
