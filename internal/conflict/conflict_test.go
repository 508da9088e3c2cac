package conflict

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeOperator struct {
	aborted      bool
	checkedOutTo string
	abortErr     error
	checkoutErr  error
}

func (f *fakeOperator) CheckoutBranch(ctx context.Context, branch string) error {
	f.checkedOutTo = branch
	return f.checkoutErr
}

func (f *fakeOperator) AbortMerge(ctx context.Context) error {
	f.aborted = true
	return f.abortErr
}

func TestOpenPersistsContext(t *testing.T) {
	dir := t.TempDir()
	d := New(dir)

	ctx, err := d.Open("run1", 2, "swarmops/run1/phase-2", "swarmops/run1/w3",
		[]string{"a.go", "b.go"}, []string{"swarmops/run1/w4"}, "/repo")
	require.NoError(t, err)
	require.Equal(t, StatusActive, ctx.Status)
	require.FileExists(t, filepath.Join(dir, "run1.json"))

	got, ok, err := d.Get("run1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ctx.ID, got.ID)
	require.Equal(t, []string{"a.go", "b.go"}, got.ConflictFiles)
}

func TestCompleteTransitionsToDone(t *testing.T) {
	dir := t.TempDir()
	d := New(dir)
	_, err := d.Open("run1", 1, "phase-branch", "src-branch", nil, nil, "/repo")
	require.NoError(t, err)

	require.NoError(t, d.Complete("run1"))
	got, ok, err := d.Get("run1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusDone, got.Status)
}

func TestFailTransitionsToFailed(t *testing.T) {
	dir := t.TempDir()
	d := New(dir)
	_, err := d.Open("run1", 1, "phase-branch", "src-branch", nil, nil, "/repo")
	require.NoError(t, err)

	require.NoError(t, d.Fail("run1"))
	got, ok, err := d.Get("run1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusFailed, got.Status)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	d := New(dir)
	_, ok, err := d.Get("nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHandleConflictAbortsAndRestoresThenPersists(t *testing.T) {
	dir := t.TempDir()
	d := New(dir)
	op := &fakeOperator{}

	ctx, err := d.HandleConflict(context.Background(), op, "swarmops/run1/phase-2", "run1", 2,
		"swarmops/run1/phase-2", "swarmops/run1/w3", []string{"a.go"}, []string{"swarmops/run1/w4"}, "/repo")
	require.NoError(t, err)
	require.True(t, op.aborted)
	require.Equal(t, "swarmops/run1/phase-2", op.checkedOutTo)
	require.Equal(t, StatusActive, ctx.Status)
}
