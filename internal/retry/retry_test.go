package retry

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordAttemptExhaustsAfterMaxAttempts(t *testing.T) {
	dir := t.TempDir()
	c := New(filepath.Join(dir, "retry-state.json"))
	policy := Policy{MaxAttempts: 3, BaseDelayMs: 1000, MaxDelayMs: 60000, BackoffMultiplier: 2}

	_, err := c.InitState("run1", 100001, policy)
	require.NoError(t, err)

	s, err := c.RecordAttempt("run1", 100001, false, "boom", 10)
	require.NoError(t, err)
	require.Equal(t, StatusRetrying, s.Status)
	require.NotNil(t, s.NextRetryAt)

	s, err = c.RecordAttempt("run1", 100001, false, "boom again", 10)
	require.NoError(t, err)
	require.Equal(t, StatusRetrying, s.Status)
	require.NotNil(t, s.NextRetryAt)

	s, err = c.RecordAttempt("run1", 100001, false, "final boom", 10)
	require.NoError(t, err)
	require.Equal(t, StatusExhausted, s.Status)
	require.Nil(t, s.NextRetryAt)
	require.Len(t, s.Attempts, 3)
}

func TestRecordAttemptSuccessClearsNextRetry(t *testing.T) {
	dir := t.TempDir()
	c := New(filepath.Join(dir, "retry-state.json"))
	policy := DefaultPolicy()

	_, err := c.InitState("run1", 1, policy)
	require.NoError(t, err)
	_, err = c.RecordAttempt("run1", 1, false, "boom", 5)
	require.NoError(t, err)

	s, err := c.RecordAttempt("run1", 1, true, "", 5)
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, s.Status)
	require.Nil(t, s.NextRetryAt)
}

func TestComputeDelayStaysWithinJitterBounds(t *testing.T) {
	dir := t.TempDir()
	c := New(filepath.Join(dir, "retry-state.json"))
	policy := Policy{MaxAttempts: 5, BaseDelayMs: 5000, MaxDelayMs: 60000, BackoffMultiplier: 2}

	for attempt := 1; attempt < policy.MaxAttempts; attempt++ {
		exp := float64(policy.BaseDelayMs) * math.Pow(float64(policy.BackoffMultiplier), float64(attempt-1))
		lower := 0.9 * exp
		upper := math.Min(float64(policy.MaxDelayMs), 1.1*exp)

		for i := 0; i < 20; i++ {
			d := c.computeDelay(policy, attempt)
			ms := float64(d.Milliseconds())
			require.GreaterOrEqualf(t, ms, lower*0.999, "attempt=%d delay=%v below lower bound", attempt, d)
			require.LessOrEqualf(t, ms, upper*1.001, "attempt=%d delay=%v above upper bound", attempt, d)
		}
	}
}

func TestComputeDelayCapsAtMaxDelay(t *testing.T) {
	dir := t.TempDir()
	c := New(filepath.Join(dir, "retry-state.json"))
	policy := Policy{MaxAttempts: 10, BaseDelayMs: 5000, MaxDelayMs: 20000, BackoffMultiplier: 2}

	d := c.computeDelay(policy, 6)
	require.LessOrEqual(t, d.Milliseconds(), int64(20000))
}

func TestStepOrderIsDeterministicAndPartitionsByPhase(t *testing.T) {
	a := StepOrder(1, "task-a")
	b := StepOrder(1, "task-a")
	require.Equal(t, a, b)

	c := StepOrder(2, "task-a")
	require.NotEqual(t, a, c)
	require.GreaterOrEqual(t, a, 100000)
	require.Less(t, a, 200000)
	require.GreaterOrEqual(t, c, 200000)
}

func TestStatePersistsAcrossControllerInstances(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "retry-state.json")
	c1 := New(path)
	_, err := c1.InitState("run1", 1, DefaultPolicy())
	require.NoError(t, err)
	_, err = c1.RecordAttempt("run1", 1, false, "boom", 1)
	require.NoError(t, err)

	c2 := New(path)
	s, ok, err := c2.GetState("run1", 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, s.Attempts, 1)
	require.Equal(t, StatusRetrying, s.Status)
}

func TestClearStateRemovesEntry(t *testing.T) {
	dir := t.TempDir()
	c := New(filepath.Join(dir, "retry-state.json"))
	_, err := c.InitState("run1", 1, DefaultPolicy())
	require.NoError(t, err)
	require.NoError(t, c.ClearState("run1", 1))

	_, ok, err := c.GetState("run1", 1)
	require.NoError(t, err)
	require.False(t, ok)
}
