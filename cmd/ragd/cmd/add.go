package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/velumlabs/ragd/internal/store"
)

func newAddCmd() *cobra.Command {
	var title string
	var wait bool

	cmd := &cobra.Command{
		Use:   "add [file...]",
		Short: "Add documents to the index",
		Long: `Add one or more text files as documents. With no arguments,
content is read from stdin.

Examples:
  ragd add notes.md runbook.txt
  cat report.txt | ragd add --title "Q3 Report"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdd(cmd.Context(), cmd, args, title, wait)
		},
	}

	cmd.Flags().StringVarP(&title, "title", "t", "", "Document title (stdin only)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Index synchronously before returning")
	return cmd
}

func runAdd(ctx context.Context, cmd *cobra.Command, paths []string, title string, wait bool) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if len(paths) == 0 {
		return addFromStdin(ctx, cmd, a, title, wait)
	}

	type added struct {
		path string
		id   string
	}
	results := make([]added, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, path := range paths {
		g.Go(func() error {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			base := filepath.Base(path)
			doc, err := a.service.AddDocument(gctx, &store.Document{
				Title:    strings.TrimSuffix(base, filepath.Ext(base)),
				Content:  string(data),
				Metadata: map[string]string{"source": "cli", "filename": base},
			})
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			results[i] = added{path: path, id: doc.ID}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, r := range results {
		if wait {
			if err := a.service.IndexDocument(ctx, r.id); err != nil {
				return fmt.Errorf("index %s: %w", r.path, err)
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s)\n", r.path, r.id)
	}
	if !wait {
		fmt.Fprintln(cmd.OutOrStdout(), "documents queued; run 'ragd serve' or add --wait to index now")
	}
	return nil
}

func addFromStdin(ctx context.Context, cmd *cobra.Command, a *app, title string, wait bool) error {
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return err
	}

	doc, err := a.service.AddDocument(ctx, &store.Document{
		Title:    title,
		Content:  string(data),
		Metadata: map[string]string{"source": "stdin"},
	})
	if err != nil {
		return err
	}
	if wait {
		if err := a.service.IndexDocument(ctx, doc.ID); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", doc.ID)
	return nil
}
