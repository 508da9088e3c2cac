package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileLockExcludesConcurrentHolder(t *testing.T) {
	dir := t.TempDir()

	l1 := NewFileLock(dir)
	require.NoError(t, l1.Lock())

	l2 := NewFileLock(dir)
	ok, err := l2.TryLock()
	require.NoError(t, err)
	require.False(t, ok, "a second process must not acquire a held lock")

	require.NoError(t, l1.Unlock())

	ok, err = l2.TryLock()
	require.NoError(t, err)
	require.True(t, ok, "lock must be acquirable once released")
	require.NoError(t, l2.Unlock())
}

func TestFileLockCreatesLockFileUnderDir(t *testing.T) {
	dir := t.TempDir()
	l := NewFileLock(dir)
	require.NoError(t, l.Lock())
	defer l.Unlock()

	_, err := os.Stat(filepath.Join(dir, ".swarmops.lock"))
	require.NoError(t, err)
}

func TestFileLockUnlockIsIdempotentWithoutLock(t *testing.T) {
	l := NewFileLock(t.TempDir())
	require.NoError(t, l.Unlock())
}
