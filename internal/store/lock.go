package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// SyncLock serializes syncs across processes sharing a data directory.
// Readers take it shared; a sync takes it exclusive.
type SyncLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// NewSyncLock returns a lock on <dir>/.sync.lock.
func NewSyncLock(dir string) *SyncLock {
	path := filepath.Join(dir, LockFileName)
	return &SyncLock{
		path:  path,
		flock: flock.New(path),
	}
}

const lockRetryDelay = 50 * time.Millisecond

// Lock acquires the exclusive lock, waiting until ctx is done.
func (l *SyncLock) Lock(ctx context.Context) error {
	return l.acquire(ctx, l.flock.TryLockContext)
}

// RLock acquires the shared lock, waiting until ctx is done.
func (l *SyncLock) RLock(ctx context.Context) error {
	return l.acquire(ctx, l.flock.TryRLockContext)
}

func (l *SyncLock) acquire(ctx context.Context, try func(context.Context, time.Duration) (bool, error)) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	ok, err := try(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("sync lock %s is held by another process", l.path)
	}
	l.locked = true
	return nil
}

// Unlock releases the lock. Safe to call when not held.
func (l *SyncLock) Unlock() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release sync lock: %w", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *SyncLock) Path() string { return l.path }
