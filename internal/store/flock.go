package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// FileLock is a cross-process advisory lock backed by a lock file, for the
// rare case where two separate orchestrator processes share a data root
// (e.g. a CLI command run alongside a live `serve`). Within a single
// process, the per-path mutex in WithLock is sufficient and cheaper.
// Backed by gofrs/flock so the same code locks correctly on both the
// syscall.Flock platforms and Windows' LockFileEx.
type FileLock struct {
	inner *flock.Flock
}

// NewFileLock returns a FileLock for a ".lock" file under dir.
func NewFileLock(dir string) *FileLock {
	return &FileLock{inner: flock.New(filepath.Join(dir, ".swarmops.lock"))}
}

// Lock blocks until the lock is acquired.
func (l *FileLock) Lock() error {
	if err := os.MkdirAll(filepath.Dir(l.inner.Path()), 0o755); err != nil {
		return fmt.Errorf("mkdir for lock: %w", err)
	}
	if err := l.inner.Lock(); err != nil {
		return fmt.Errorf("flock: %w", err)
	}
	return nil
}

// TryLock attempts to acquire the lock without blocking. Returns false,
// nil if another process holds it.
func (l *FileLock) TryLock() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.inner.Path()), 0o755); err != nil {
		return false, fmt.Errorf("mkdir for lock: %w", err)
	}
	ok, err := l.inner.TryLock()
	if err != nil {
		return false, fmt.Errorf("flock: %w", err)
	}
	return ok, nil
}

// Unlock releases the lock and closes the underlying file descriptor.
func (l *FileLock) Unlock() error {
	if err := l.inner.Unlock(); err != nil {
		return fmt.Errorf("unflock: %w", err)
	}
	return nil
}
