package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/config"
	agenterrors "github.com/RosMarinas/OpenWRT-AutoConfigure/internal/errors"
	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/metrics"
	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/output"
	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/watcher"
)

type watchOptions struct {
	metricsAddr string
	poll        bool
}

func newWatchCmd(a *app) *cobra.Command {
	var opts watchOptions

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Resync packages whenever their export file changes",
		Long: `Watch the export directory (source.dir) and resync each package whose
exported file is created, rewritten or removed. Packages that fail to sync
stay stale and are retried with the next change.

With --metrics-addr, Prometheus metrics are served on /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.watch(ctx, cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (default metrics.addr)")
	cmd.Flags().BoolVar(&opts.poll, "poll", false, "Poll the directory instead of using file system notifications")

	return cmd
}

func (a *app) watch(ctx context.Context, cmd *cobra.Command, opts watchOptions) error {
	dir := a.cfg.Source.Dir
	if dir == "" {
		return agenterrors.ConfigError("watch needs source.dir to be set", nil)
	}
	if a.cfg.Source.Kind != "dir" {
		slog.Warn("watching a directory while exports come from another source",
			slog.String("source", a.cfg.Source.Kind),
			slog.String("dir", dir))
	}

	r, err := a.runner(ctx)
	if err != nil {
		return err
	}
	defer r.Close()

	out := output.NewAuto(cmd.OutOrStdout())
	if _, err := r.Coordinator.EnsureSynced(ctx); err != nil {
		return err
	}
	if report, err := r.Coordinator.SyncStale(ctx); err != nil {
		out.Warningf("Stale packages could not be synced: %v", err)
	} else if len(report.Modules) > 0 {
		printSyncReport(out, report)
	}

	w, err := watcher.NewHybridWatcher(watcher.Options{
		DebounceWindow: config.Duration(a.cfg.Watch.Debounce, 500*time.Millisecond),
		ForcePolling:   opts.poll,
	})
	if err != nil {
		return err
	}
	defer w.Stop()

	metricsAddr := opts.metricsAddr
	if metricsAddr == "" {
		metricsAddr = a.cfg.Metrics.Addr
	}

	g, ctx := errgroup.WithContext(ctx)
	if metricsAddr != "" {
		g.Go(func() error { return metrics.Serve(ctx, metricsAddr) })
		out.Statusf("📈", "Metrics on http://%s/metrics", metricsAddr)
	}
	g.Go(func() error { return w.Start(ctx, dir) })
	g.Go(func() error { return watcher.Run(ctx, w, r.Coordinator) })

	out.Statusf("👀", "Watching %s (%s)", dir, w.WatcherType())
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	out.Success("Watcher stopped")
	return nil
}
