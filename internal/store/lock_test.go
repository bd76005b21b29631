package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncLock_ExclusiveBlocksSecondHolder(t *testing.T) {
	// Given: one holder of the exclusive lock
	dir := t.TempDir()
	first := NewSyncLock(dir)
	require.NoError(t, first.Lock(context.Background()))

	// When: a second lock object tries with a short deadline
	second := NewSyncLock(dir)
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	err := second.Lock(ctx)

	// Then: it fails until the first releases
	require.Error(t, err)
	require.NoError(t, first.Unlock())
	require.NoError(t, second.Lock(context.Background()))
	require.NoError(t, second.Unlock())
	require.NoError(t, second.Unlock())
}

func TestSyncLock_SharedReaders(t *testing.T) {
	dir := t.TempDir()
	a := NewSyncLock(dir)
	b := NewSyncLock(dir)

	require.NoError(t, a.RLock(context.Background()))
	require.NoError(t, b.RLock(context.Background()))
	assert.Contains(t, a.Path(), LockFileName)

	require.NoError(t, a.Unlock())
	require.NoError(t, b.Unlock())
}
