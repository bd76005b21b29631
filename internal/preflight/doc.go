// Package preflight checks that uciagent can run before a sync starts.
//
// The checks cover:
//   - Write permissions in the data directory
//   - Disk space there (minimum 100MB)
//   - File descriptor limits (minimum 256)
//   - The embedding endpoint answering
//   - The configuration source answering an export
//
// Use the Checker type to run all validations:
//
//	checker := preflight.New(preflight.WithEmbedder(e), preflight.WithExporter(x))
//	results := checker.RunAll(ctx, dataDir)
//	if checker.HasCriticalFailures(results) {
//	    // Handle failures
//	}
package preflight
