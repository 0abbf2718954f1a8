package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	corpushttp "github.com/fyrsmithlabs/corpusd/internal/http"
	"github.com/fyrsmithlabs/corpusd/internal/ingest"
	"github.com/fyrsmithlabs/corpusd/internal/search"
	"github.com/fyrsmithlabs/corpusd/internal/statestore"
)

// printJSON re-indents a raw response body.
func printJSON(w io.Writer, data []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check corpusd server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient(opts, false)
			if err != nil {
				return err
			}
			var health corpushttp.HealthResponse
			data, err := c.call(cmd.Context(), http.MethodGet, "/health", nil, &health)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), data)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Server Status: %s\nServer URL: %s\n", health.Status, c.base)
			return nil
		},
	}
}

func newEmbedCmd(opts *options) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "embed",
		Short: "Embed the tenant's pending documents",
		Long: `Embed every document of the tenant that is new or changed since its last
embedding. With --force every live document is embedded again.

Examples:
  corpusctl embed --tenant acme
  corpusctl embed --tenant acme --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient(opts, true)
			if err != nil {
				return err
			}
			var report ingest.Report
			data, err := c.call(cmd.Context(), http.MethodPost, c.tenantPath("embed"),
				corpushttp.EmbedRequest{ForceReembed: force}, &report)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), data)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "job %s: embedded=%d skipped=%d failed=%d\n",
				report.JobID, report.Embedded, report.Skipped, report.Failed)
			for _, f := range report.Failures {
				fmt.Fprintf(out, "  %s: %s\n", f.DocumentID, f.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "re-embed every live document")
	return cmd
}

func newDeleteCmd(opts *options) *cobra.Command {
	var fromStdin bool
	cmd := &cobra.Command{
		Use:   "delete [document-id...]",
		Short: "Delete documents and their embeddings",
		Long: `Delete documents from the tenant's corpus and remove their embeddings.

Examples:
  corpusctl delete --tenant acme doc-1 doc-2
  cut -f1 stale.tsv | corpusctl delete --tenant acme --stdin`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(opts, true)
			if err != nil {
				return err
			}
			ids := args
			if fromStdin {
				more, err := readLines(cmd.InOrStdin())
				if err != nil {
					return err
				}
				ids = append(ids, more...)
			}
			if len(ids) == 0 {
				return fmt.Errorf("no document IDs given")
			}

			var report ingest.DeleteReport
			data, err := c.call(cmd.Context(), http.MethodPost, c.tenantPath("embeddings", "delete"),
				corpushttp.DeleteRequest{DocumentIDs: ids}, &report)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), data)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d document(s)\n", report.DeletedCount)
			return nil
		},
	}
	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "read document IDs from stdin, one per line")
	return cmd
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read from stdin: %w", err)
	}
	return lines, nil
}

func newSearchCmd(opts *options) *cobra.Command {
	var (
		topK       int
		noValidate bool
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Ask a question against the tenant's corpus",
		Long: `Search the tenant's corpus and print the cited answer, its confidence and
the ranked sources.

Examples:
  corpusctl search --tenant acme "how often do signing keys rotate?"
  corpusctl search --tenant acme --top-k 10 --no-validate "holiday calendar"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(opts, true)
			if err != nil {
				return err
			}
			validate := !noValidate
			var resp search.Response
			data, err := c.call(cmd.Context(), http.MethodPost, c.tenantPath("search"), corpushttp.SearchRequest{
				Query:    strings.Join(args, " "),
				TopK:     topK,
				Validate: &validate,
			}, &resp)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), data)
			}
			printAnswer(cmd.OutOrStdout(), resp)
			return nil
		},
	}
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "number of sources (server default when 0)")
	cmd.Flags().BoolVar(&noValidate, "no-validate", false, "skip claim verification")
	return cmd
}

func printAnswer(w io.Writer, resp search.Response) {
	if resp.NoMatches {
		fmt.Fprintln(w, "No matching documents.")
		return
	}
	fmt.Fprintln(w, resp.Answer)
	fmt.Fprintf(w, "\nconfidence: %.2f (%s)", resp.Confidence, resp.Status)
	if len(resp.Degraded) > 0 {
		fmt.Fprintf(w, "  degraded: %s", strings.Join(resp.Degraded, ", "))
	}
	fmt.Fprintf(w, "  total: %.0fms\n\n", resp.Latency.Total)
	for _, src := range resp.Sources {
		marker := "   "
		if src.Citation > 0 {
			marker = fmt.Sprintf("[%d]", src.Citation)
		}
		fmt.Fprintf(w, "%s %s (%s) score=%.3f\n", marker, src.Title, src.ChunkID, src.RerankScore)
	}
}

func newBacklogCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "backlog",
		Short: "Count documents waiting to be embedded",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient(opts, true)
			if err != nil {
				return err
			}
			var backlog corpushttp.BacklogResponse
			data, err := c.call(cmd.Context(), http.MethodGet, c.tenantPath("backlog"), nil, &backlog)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), data)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d document(s) pending\n", backlog.TenantID, backlog.Backlog)
			return nil
		},
	}
}

func newJobCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "job <job-id>",
		Short: "Show progress of an embedding job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(opts, true)
			if err != nil {
				return err
			}
			var p statestore.Progress
			data, err := c.call(cmd.Context(), http.MethodGet, c.tenantPath("jobs", args[0]), nil, &p)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), data)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s (%s): %s %d/%d embedded, %d skipped, %d failed\n",
				p.JobID, p.Kind, p.Status, p.Embedded, p.Total, p.Skipped, p.Failed)
			if p.Error != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "error: %s\n", p.Error)
			}
			return nil
		},
	}
}
