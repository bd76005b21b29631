package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitChange(t *testing.T, ch <-chan Change, timeout time.Duration) Change {
	t.Helper()
	select {
	case c, ok := <-ch:
		require.True(t, ok, "events channel closed")
		return c
	case <-time.After(timeout):
		t.Fatal("timeout waiting for change")
		return Change{}
	}
}

func startPolling(t *testing.T, dir string) *PollingWatcher {
	t.Helper()
	p := NewPollingWatcher(20 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = p.Start(ctx, dir) }()
	// Let the initial scan run.
	time.Sleep(60 * time.Millisecond)
	return p
}

func TestPollingWatcher_DetectsCreateModifyDelete(t *testing.T) {
	// Given: a polling watcher on an export directory holding network
	dir := t.TempDir()
	path := filepath.Join(dir, "network")
	require.NoError(t, os.WriteFile(path, []byte("package network\n"), 0o644))
	p := startPolling(t, dir)

	// When: wireless appears
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wireless"), []byte("package wireless\n"), 0o644))

	// Then: a create for wireless is seen
	c := waitChange(t, p.Events(), time.Second)
	assert.Equal(t, "wireless", c.Module)
	assert.Equal(t, OpCreate, c.Operation)

	// When: network is rewritten with a different size
	require.NoError(t, os.WriteFile(path, []byte("package network\n\nconfig interface 'lan'\n"), 0o644))

	// Then: a modify for network is seen
	c = waitChange(t, p.Events(), time.Second)
	assert.Equal(t, "network", c.Module)
	assert.Equal(t, OpModify, c.Operation)

	// When: network is removed
	require.NoError(t, os.Remove(path))

	// Then: a delete for network is seen
	c = waitChange(t, p.Events(), time.Second)
	assert.Equal(t, "network", c.Module)
	assert.Equal(t, OpDelete, c.Operation)
}

func TestPollingWatcher_IgnoresNonExportFiles(t *testing.T) {
	// Given: a polling watcher
	dir := t.TempDir()
	p := startPolling(t, dir)

	// When: only editor and hidden files appear
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".network.swp"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "network~"), []byte("x"), 0o644))

	// Then: nothing is reported
	select {
	case c := <-p.Events():
		t.Fatalf("unexpected change: %+v", c)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestPollingWatcher_StartOnMissingDir_Fails(t *testing.T) {
	p := NewPollingWatcher(10 * time.Millisecond)
	err := p.Start(context.Background(), filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestPollingWatcher_Stop_Idempotent(t *testing.T) {
	// Given: a running polling watcher
	p := startPolling(t, t.TempDir())

	// When: it is stopped twice
	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())

	// Then: its channels are closed
	_, ok := <-p.Events()
	assert.False(t, ok)
}
