package logging

import (
	"os"
	"path/filepath"
)

// DefaultLogDir returns ~/.uciagent/logs, or a temp-dir equivalent when the
// home directory is unavailable.
func DefaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".uciagent", "logs")
	}
	return filepath.Join(home, ".uciagent", "logs")
}

// DefaultLogPath returns the default log file path.
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), "uciagent.log")
}
