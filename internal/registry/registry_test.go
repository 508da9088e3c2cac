package registry

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCheckAndRegisterDedupUnderRace(t *testing.T) {
	dir := t.TempDir()
	r := New(filepath.Join(dir, "task-registry.json"))
	r.ttl = 0

	const workers = 20
	var wg sync.WaitGroup
	successes := make([]bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.CheckAndRegister(Entry{Project: "p", TaskID: "t1", WorkerID: "w"})
			require.NoError(t, err)
			successes[i] = res.CanSpawn
		}(i)
	}
	wg.Wait()

	count := 0
	for _, s := range successes {
		if s {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestCanSpawnFalseForRunningOrCompleted(t *testing.T) {
	dir := t.TempDir()
	r := New(filepath.Join(dir, "task-registry.json"))
	r.ttl = 0

	require.NoError(t, r.Register(Entry{Project: "p", TaskID: "t1"}))
	res, err := r.CanSpawn("p", "t1")
	require.NoError(t, err)
	require.False(t, res.CanSpawn)

	require.NoError(t, r.UpdateStatus("p", "t1", StatusCompleted, ""))
	res, err = r.CanSpawn("p", "t1")
	require.NoError(t, err)
	require.False(t, res.CanSpawn)
}

func TestCanSpawnTrueForFailedOrAbsent(t *testing.T) {
	dir := t.TempDir()
	r := New(filepath.Join(dir, "task-registry.json"))
	r.ttl = 0

	res, err := r.CanSpawn("p", "nope")
	require.NoError(t, err)
	require.True(t, res.CanSpawn)

	require.NoError(t, r.Register(Entry{Project: "p", TaskID: "t1"}))
	require.NoError(t, r.UpdateStatus("p", "t1", StatusFailed, "boom"))
	res, err = r.CanSpawn("p", "t1")
	require.NoError(t, err)
	require.True(t, res.CanSpawn)
}

func TestClearStaleMarksOldRunningAsFailed(t *testing.T) {
	dir := t.TempDir()
	r := New(filepath.Join(dir, "task-registry.json"))
	r.ttl = 0

	require.NoError(t, r.Register(Entry{Project: "p", TaskID: "t1", StartedAt: time.Now().Add(-time.Hour)}))
	cleared, err := r.ClearStale(time.Minute)
	require.NoError(t, err)
	require.Len(t, cleared, 1)

	e, ok, err := r.Get("p", "t1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusFailed, e.Status)
}

func TestFilterSpawnablePartitions(t *testing.T) {
	dir := t.TempDir()
	r := New(filepath.Join(dir, "task-registry.json"))
	r.ttl = 0
	require.NoError(t, r.Register(Entry{Project: "p", TaskID: "running"}))

	spawnable, skipped, err := r.FilterSpawnable([]Candidate{
		{Project: "p", TaskID: "running"},
		{Project: "p", TaskID: "fresh"},
	})
	require.NoError(t, err)
	require.Len(t, spawnable, 1)
	require.Equal(t, "fresh", spawnable[0].TaskID)
	require.Len(t, skipped, 1)
	require.Equal(t, "running", skipped[0].TaskID)
}
