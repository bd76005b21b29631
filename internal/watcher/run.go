package watcher

import (
	"context"
	"log/slog"

	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/index"
)

// Target is what Run keeps in step with the export directory.
type Target interface {
	MarkStale(ctx context.Context, modules ...string) error
	SyncStale(ctx context.Context) (*index.SyncReport, error)
}

// Source yields batches of changes.
type Source interface {
	Events() <-chan []Change
	Errors() <-chan error
}

// Run marks the modules of every batch stale and resyncs them, until ctx is
// done or the source closes. Sync failures are logged and left stale for
// the next batch to retry.
func Run(ctx context.Context, src Source, t Target) error {
	events := src.Events()
	errs := src.Errors()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			slog.Warn("watcher error", slog.String("error", err.Error()))
		case batch, ok := <-events:
			if !ok {
				return nil
			}
			handleBatch(ctx, batch, t)
		}
	}
}

func handleBatch(ctx context.Context, batch []Change, t Target) {
	modules := make([]string, 0, len(batch))
	seen := make(map[string]bool, len(batch))
	for _, c := range batch {
		if c.Module == "" || seen[c.Module] {
			continue
		}
		seen[c.Module] = true
		modules = append(modules, c.Module)
	}
	if len(modules) == 0 {
		return
	}

	slog.Info("export changed", slog.Any("modules", modules))
	if err := t.MarkStale(ctx, modules...); err != nil {
		slog.Error("failed to mark modules stale",
			slog.Any("modules", modules),
			slog.String("error", err.Error()))
		return
	}
	report, err := t.SyncStale(ctx)
	if err != nil {
		slog.Error("resync after change failed", slog.String("error", err.Error()))
		return
	}
	slog.Info("resync after change complete",
		slog.Int("added", report.Added),
		slog.Int("removed", report.Removed),
		slog.Duration("duration", report.Duration))
}
