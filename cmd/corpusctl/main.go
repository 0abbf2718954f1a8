// Package main implements corpusctl, a CLI for the corpusd HTTP API.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// version is set via ldflags during build.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// options are the persistent flags shared by every command.
type options struct {
	server  string
	tenant  string
	timeout time.Duration
	json    bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "corpusctl",
		Short: "CLI for corpusd HTTP server operations",
		Long: `corpusctl talks to a running corpusd server. It embeds a tenant's pending
documents, deletes embeddings, runs searches and inspects job progress.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serverDefault := os.Getenv("CORPUSD_URL")
	if serverDefault == "" {
		serverDefault = "http://localhost:9090"
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.server, "server", serverDefault, "corpusd server URL")
	flags.StringVarP(&opts.tenant, "tenant", "t", os.Getenv("CORPUSD_TENANT"), "tenant ID")
	flags.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "request timeout")
	flags.BoolVar(&opts.json, "json", false, "print raw JSON responses")

	root.AddCommand(
		newHealthCmd(opts),
		newEmbedCmd(opts),
		newDeleteCmd(opts),
		newSearchCmd(opts),
		newBacklogCmd(opts),
		newJobCmd(opts),
	)
	return root
}
