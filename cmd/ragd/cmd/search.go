package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/velumlabs/ragd/internal/search"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	limit      int
	threshold  float64
	documentID string
	format     string // "text", "json", "context"
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search indexed documents",
		Long: `Search indexed documents by semantic similarity.

Examples:
  ragd search "how do I configure backups"
  ragd search "error handling" --limit 3 --format json
  ragd search "deployment steps" --format context`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd.Context(), cmd, strings.Join(args, " "), opts)
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 0, "Maximum number of results")
	cmd.Flags().Float64Var(&opts.threshold, "threshold", 0, "Minimum similarity score")
	cmd.Flags().StringVar(&opts.documentID, "document", "", "Restrict to one document ID")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json, context")
	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, query string, opts searchOptions) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	sopts := search.Options{
		Limit:      opts.limit,
		Threshold:  opts.threshold,
		DocumentID: opts.documentID,
	}
	if sopts.Limit == 0 {
		sopts.Limit = a.cfg.Search.Limit
	}
	if sopts.Threshold == 0 {
		sopts.Threshold = a.cfg.Search.Threshold
	}

	out := cmd.OutOrStdout()

	if opts.format == "context" {
		block, err := a.service.SearchContext(ctx, query, sopts)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, block)
		return nil
	}

	results, err := a.service.Search(ctx, query, sopts)
	if err != nil {
		return err
	}

	if opts.format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	if len(results) == 0 {
		fmt.Fprintln(out, "no results")
		return nil
	}
	for i, r := range results {
		fmt.Fprintf(out, "%d. %s (score %.3f, chunk %d)\n", i+1, r.DocumentTitle, r.Score, r.ChunkIndex)
		fmt.Fprintf(out, "   %s\n\n", strings.TrimSpace(r.Text))
	}
	return nil
}
