package preflight

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/embed"
	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/output"
	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/source"
)

type fakeExporter struct {
	text string
	err  error
}

func (f fakeExporter) Export(context.Context, string) (string, error) { return f.text, f.err }

type downEmbedder struct {
	embed.Embedder
}

func (downEmbedder) Available(context.Context) bool { return false }

func TestCheckStatus_String(t *testing.T) {
	assert.Equal(t, "PASS", StatusPass.String())
	assert.Equal(t, "WARN", StatusWarn.String())
	assert.Equal(t, "FAIL", StatusFail.String())
	assert.Equal(t, "UNKNOWN", CheckStatus(9).String())
}

func TestCheckResult_IsCritical(t *testing.T) {
	assert.False(t, CheckResult{Status: StatusPass, Required: true}.IsCritical())
	assert.True(t, CheckResult{Status: StatusFail, Required: true}.IsCritical())
	assert.False(t, CheckResult{Status: StatusFail}.IsCritical())
	assert.False(t, CheckResult{Status: StatusWarn, Required: true}.IsCritical())
}

func TestRunAll_HealthyOfflineSetup(t *testing.T) {
	// Given: a writable data directory, a static embedder and an export directory
	ctx := context.Background()
	dataDir := filepath.Join(t.TempDir(), "data")
	exports := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(exports, "system"), []byte("package system\n\nconfig system\n"), 0o644))
	c := New(
		WithEmbedder(embed.NewStaticEmbedder(32)),
		WithExporter(source.NewDirExporter(exports)),
	)

	// When: running every check
	results := c.RunAll(ctx, dataDir)

	// Then: all five pass and the data directory now exists
	require.Len(t, results, 5)
	for _, r := range results {
		assert.Equal(t, StatusPass, r.Status, "%s: %s", r.Name, r.Message)
	}
	assert.False(t, c.HasCriticalFailures(results))
	assert.Equal(t, "ready", c.SummaryStatus(results))
	assert.DirExists(t, dataDir)
}

func TestCheckSource_States(t *testing.T) {
	ctx := context.Background()

	// Given/When/Then: a failing source is critical
	r := New(WithExporter(fakeExporter{err: errors.New("connection refused")})).CheckSource(ctx)
	assert.True(t, r.IsCritical())
	assert.Contains(t, r.Message, "connection refused")

	// Given/When/Then: an empty export is a warning
	r = New(WithExporter(fakeExporter{})).CheckSource(ctx)
	assert.Equal(t, StatusWarn, r.Status)
	assert.False(t, r.IsCritical())
}

func TestCheckEmbedder_Unreachable(t *testing.T) {
	// Given: an embedder that does not answer
	c := New(WithEmbedder(downEmbedder{embed.NewStaticEmbedder(16)}))

	// When: checking it
	r := c.CheckEmbedder(context.Background())

	// Then: the check is critical
	assert.True(t, r.IsCritical())
	assert.Equal(t, "failed", c.SummaryStatus([]CheckResult{r}))
}

func TestCheckWritePermissions_ReadOnlyParent(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	// Given: a data directory under a read-only parent
	parent := t.TempDir()
	require.NoError(t, os.Chmod(parent, 0o500))
	t.Cleanup(func() { _ = os.Chmod(parent, 0o755) })

	// When: checking write permissions
	r := New().CheckWritePermissions(filepath.Join(parent, "data"))

	// Then: it fails
	assert.Equal(t, StatusFail, r.Status)
}

func TestPrintResults_ShowsSummary(t *testing.T) {
	// Given: one passing and one warning result
	var buf bytes.Buffer
	results := []CheckResult{
		{Name: "disk_space", Status: StatusPass, Message: "1.0 GB free"},
		{Name: "source", Status: StatusWarn, Message: "export of system is empty", Details: "dir exports"},
	}

	// When: printing verbosely
	New(WithVerbose(true)).PrintResults(output.New(&buf), results)

	// Then: each result and the summary appear
	out := buf.String()
	assert.Contains(t, out, "disk_space: 1.0 GB free")
	assert.Contains(t, out, "source: export of system is empty")
	assert.Contains(t, out, "dir exports")
	assert.Contains(t, out, "Status: READY_WITH_WARNINGS")
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KB", formatBytes(1536))
	assert.Equal(t, "100.0 MB", formatBytes(MinDiskSpaceBytes))
}
