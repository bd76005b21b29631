package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// PollingWatcher finds changed export files by rescanning the directory.
// It is the fallback when fsnotify is unavailable.
type PollingWatcher struct {
	interval time.Duration
	files    map[string]fileSnapshot
	events   chan Change
	errors   chan error
	stopCh   chan struct{}
	mu       sync.Mutex
	stopped  bool
	dir      string
}

type fileSnapshot struct {
	modTime time.Time
	size    int64
}

// NewPollingWatcher creates a polling watcher with the given interval.
func NewPollingWatcher(interval time.Duration) *PollingWatcher {
	return &PollingWatcher{
		interval: interval,
		files:    make(map[string]fileSnapshot),
		events:   make(chan Change, 100),
		errors:   make(chan error, 10),
		stopCh:   make(chan struct{}),
	}
}

// Start scans dir every interval until ctx is done or Stop is called.
func (p *PollingWatcher) Start(ctx context.Context, dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve absolute path: %w", err)
	}

	p.mu.Lock()
	p.dir = abs
	current, err := p.snapshot()
	if err == nil {
		p.files = current
	}
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("perform initial scan: %w", err)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = p.Stop()
			return ctx.Err()
		case <-p.stopCh:
			return nil
		case <-ticker.C:
			if err := p.detectChanges(); err != nil {
				p.mu.Lock()
				if !p.stopped {
					select {
					case p.errors <- err:
					default:
					}
				}
				p.mu.Unlock()
			}
		}
	}
}

// Stop stops the polling watcher. Safe to call multiple times.
func (p *PollingWatcher) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil
	}
	p.stopped = true
	close(p.stopCh)
	close(p.events)
	close(p.errors)
	return nil
}

// Events returns the channel of changes.
func (p *PollingWatcher) Events() <-chan Change {
	return p.events
}

// Errors returns the channel of scan errors.
func (p *PollingWatcher) Errors() <-chan error {
	return p.errors
}

// snapshot records the export files of the directory. Must be called with
// the lock held.
func (p *PollingWatcher) snapshot() (map[string]fileSnapshot, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]fileSnapshot, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := ModuleForFile(e.Name()); !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out[e.Name()] = fileSnapshot{modTime: info.ModTime(), size: info.Size()}
	}
	return out, nil
}

// detectChanges diffs the directory against the previous scan.
func (p *PollingWatcher) detectChanges() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil
	}
	current, err := p.snapshot()
	if err != nil {
		return fmt.Errorf("scan export directory: %w", err)
	}

	now := time.Now()
	for name, snap := range current {
		prev, existed := p.files[name]
		switch {
		case !existed:
			p.emit(Change{Path: name, Operation: OpCreate, Timestamp: now})
		case !prev.modTime.Equal(snap.modTime) || prev.size != snap.size:
			p.emit(Change{Path: name, Operation: OpModify, Timestamp: now})
		}
	}
	for name := range p.files {
		if _, ok := current[name]; !ok {
			p.emit(Change{Path: name, Operation: OpDelete, Timestamp: now})
		}
	}

	p.files = current
	return nil
}

// emit sends a change. Must be called with the lock held.
func (p *PollingWatcher) emit(c Change) {
	c.Module, _ = ModuleForFile(c.Path)
	select {
	case p.events <- c:
	default:
		slog.Warn("polling watcher buffer full, dropping change",
			slog.String("module", c.Module),
			slog.String("op", c.Operation.String()))
	}
}
