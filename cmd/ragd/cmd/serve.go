package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/velumlabs/ragd/internal/watcher"
)

func newServeCmd() *cobra.Command {
	var noWatch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the indexing daemon",
		Long: `Run ragd in the foreground: background indexing sweeps the
document store, and files dropped into the inbox directory are
ingested automatically. Stop with Ctrl-C.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), noWatch)
		},
	}

	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Disable inbox directory ingestion")
	return cmd
}

func runServe(ctx context.Context, noWatch bool) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.service.Start(ctx); err != nil {
		return err
	}

	if !noWatch && (a.cfg.Watcher.Enabled || a.cfg.Watcher.Dir != "") {
		w := watcher.NewInboxWatcher(watcher.Options{
			Dir:      a.cfg.InboxDir(),
			Debounce: a.cfg.Watcher.Debounce,
			Logger:   a.log,
		}, a.service)
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = w.Stop() }()
	}

	a.log.Info("ragd serving", "data_dir", a.cfg.DataDir)
	<-ctx.Done()
	a.log.Info("shutting down")
	return nil
}
