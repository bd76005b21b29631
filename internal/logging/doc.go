// Package logging configures the process-wide slog logger.
//
// Logs are JSON lines written to a size-rotated file under ~/.uciagent/logs/,
// optionally tee'd to stderr when running interactively with --debug.
package logging
