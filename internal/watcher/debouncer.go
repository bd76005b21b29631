package watcher

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// Debouncer coalesces changes per module until the window passes without
// new ones. For one module:
//   - CREATE + MODIFY = CREATE
//   - CREATE + DELETE = nothing (the export never really existed)
//   - DELETE + CREATE = MODIFY (the export was replaced)
//   - anything else keeps the latest operation
type Debouncer struct {
	window  time.Duration
	pending map[string]*pendingChange
	mu      sync.Mutex
	output  chan []Change
	timer   *time.Timer
	stopped bool
}

type pendingChange struct {
	change  Change
	firstOp Operation
}

// NewDebouncer creates a debouncer with the given window.
func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{
		window:  window,
		pending: make(map[string]*pendingChange),
		output:  make(chan []Change, 10),
	}
}

// Add records a change and restarts the window.
func (d *Debouncer) Add(c Change) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	if existing, ok := d.pending[c.Module]; ok {
		merged, keep := coalesce(existing, c)
		if !keep {
			delete(d.pending, c.Module)
		} else {
			existing.change = merged
		}
	} else {
		d.pending[c.Module] = &pendingChange{change: c, firstOp: c.Operation}
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

func coalesce(existing *pendingChange, c Change) (Change, bool) {
	switch {
	case existing.firstOp == OpCreate && c.Operation == OpModify:
		return existing.change, true
	case existing.firstOp == OpCreate && c.Operation == OpDelete:
		return Change{}, false
	case existing.firstOp == OpDelete && c.Operation == OpCreate:
		c.Operation = OpModify
		return c, true
	default:
		return c, true
	}
}

// flush emits the pending changes ordered by module.
func (d *Debouncer) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || len(d.pending) == 0 {
		return
	}

	batch := make([]Change, 0, len(d.pending))
	for _, p := range d.pending {
		batch = append(batch, p.change)
	}
	slices.SortFunc(batch, func(a, b Change) int { return strings.Compare(a.Module, b.Module) })
	d.pending = make(map[string]*pendingChange)

	select {
	case d.output <- batch:
	default:
		slog.Warn("debouncer output full, dropping batch", slog.Int("batch_size", len(batch)))
	}
}

// Output returns the channel of debounced batches.
func (d *Debouncer) Output() <-chan []Change {
	return d.output
}

// Stop discards pending changes and closes the output channel.
// Safe to call multiple times.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	close(d.output)
}
