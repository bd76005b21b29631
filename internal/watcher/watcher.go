package watcher

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/source"
)

// Operation represents a file system operation type.
type Operation int

const (
	// OpCreate indicates a new export file appeared.
	OpCreate Operation = iota
	// OpModify indicates an export file was rewritten.
	OpModify
	// OpDelete indicates an export file was removed or renamed away.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op Operation) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpModify:
		return "MODIFY"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Change is a change to the export of one module.
type Change struct {
	Module    string
	Path      string
	Operation Operation
	Timestamp time.Time
}

// Options configures the watcher behavior.
type Options struct {
	// DebounceWindow is the quiet time before a batch is emitted.
	// Default: 500ms
	DebounceWindow time.Duration

	// PollInterval is the scan interval in polling mode.
	// Default: 2s
	PollInterval time.Duration

	// EventBufferSize is the number of batches buffered for the consumer.
	// Default: 100
	EventBufferSize int

	// ForcePolling skips fsnotify.
	ForcePolling bool
}

// DefaultOptions returns the default watcher options.
func DefaultOptions() Options {
	return Options{
		DebounceWindow:  500 * time.Millisecond,
		PollInterval:    2 * time.Second,
		EventBufferSize: 100,
	}
}

// WithDefaults returns options with defaults applied for zero values.
func (o Options) WithDefaults() Options {
	defaults := DefaultOptions()
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = defaults.DebounceWindow
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaults.PollInterval
	}
	if o.EventBufferSize <= 0 {
		o.EventBufferSize = defaults.EventBufferSize
	}
	return o
}

// ModuleForFile maps an export file to its module. Hidden, backup and
// temporary files, and names that are not valid package names, are ignored.
func ModuleForFile(path string) (string, bool) {
	name := filepath.Base(path)
	switch {
	case name == "" || name == "." || strings.HasPrefix(name, "."):
		return "", false
	case strings.HasSuffix(name, "~"),
		strings.HasSuffix(name, ".swp"),
		strings.HasSuffix(name, ".bak"),
		strings.HasSuffix(name, ".tmp"):
		return "", false
	case name == source.All:
		return "", false
	}
	if err := source.ValidateModule(name); err != nil {
		return "", false
	}
	return name, true
}
