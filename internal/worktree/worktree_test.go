package worktree

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/swarmops/orchestrator/internal/testutil"
)

func TestCreateWorktreeIsIdempotent(t *testing.T) {
	testutil.SkipIfNoGit(t)
	repo := testutil.SetupTestRepo(t)
	root := t.TempDir()
	ctx := context.Background()

	m, err := New(repo, root)
	require.NoError(t, err)

	created, err := m.CreateWorktree(ctx, "run1", "w1", "main")
	require.NoError(t, err)
	require.Equal(t, "swarmops/run1/w1", created.Branch)
	require.DirExists(t, created.Path)

	again, err := m.CreateWorktree(ctx, "run1", "w1", "main")
	require.NoError(t, err)
	require.Equal(t, created, again)
}

func TestRemoveWorktreeDeletesBranch(t *testing.T) {
	testutil.SkipIfNoGit(t)
	repo := testutil.SetupTestRepo(t)
	root := t.TempDir()
	ctx := context.Background()

	m, err := New(repo, root)
	require.NoError(t, err)

	created, err := m.CreateWorktree(ctx, "run1", "w1", "main")
	require.NoError(t, err)

	require.NoError(t, m.RemoveWorktree(ctx, created.Path, created.Branch))

	exists, err := m.BranchExists(ctx, created.Branch)
	require.NoError(t, err)
	require.False(t, exists)
	require.NoDirExists(t, created.Path)
}

func TestMergeBranchCleanMerge(t *testing.T) {
	testutil.SkipIfNoGit(t)
	repo := testutil.SetupTestRepo(t)
	root := t.TempDir()
	ctx := context.Background()

	m, err := New(repo, root)
	require.NoError(t, err)

	created, err := m.CreateWorktree(ctx, "run1", "w1", "main")
	require.NoError(t, err)

	testutil.CommitFile(t, created.Path, "feature.txt", "hello", "add feature")

	require.NoError(t, m.CheckoutBranch(ctx, "main"))
	result, err := m.MergeBranch(ctx, created.Branch, "merge worker branch")
	require.NoError(t, err)
	require.True(t, result.Success)
	require.False(t, result.Conflicted)
	require.FileExists(t, filepath.Join(repo, "feature.txt"))
}

func TestMergeBranchReportsConflict(t *testing.T) {
	testutil.SkipIfNoGit(t)
	repo := testutil.SetupTestRepo(t)
	root := t.TempDir()
	ctx := context.Background()

	m, err := New(repo, root)
	require.NoError(t, err)

	testutil.CommitFile(t, repo, "shared.txt", "main version", "main edits shared.txt")

	created, err := m.CreateWorktree(ctx, "run1", "w1", "main~1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(created.Path, "shared.txt"), []byte("worker version"), 0o644))
	testutil.CommitFile(t, created.Path, "shared.txt", "worker version", "worker edits shared.txt")

	require.NoError(t, m.CheckoutBranch(ctx, "main"))
	result, err := m.MergeBranch(ctx, created.Branch, "merge worker branch")
	require.NoError(t, err)
	require.False(t, result.Success)
	require.True(t, result.Conflicted)
	require.Contains(t, result.ConflictFiles, "shared.txt")

	require.NoError(t, m.AbortMerge(ctx))
}

func TestHasCommitsBeyondDetectsNewCommits(t *testing.T) {
	testutil.SkipIfNoGit(t)
	repo := testutil.SetupTestRepo(t)
	root := t.TempDir()
	ctx := context.Background()

	m, err := New(repo, root)
	require.NoError(t, err)

	created, err := m.CreateWorktree(ctx, "run1", "w1", "main")
	require.NoError(t, err)

	has, err := m.HasCommitsBeyond(ctx, created.Branch, "main")
	require.NoError(t, err)
	require.False(t, has)

	testutil.CommitFile(t, created.Path, "feature.txt", "hello", "add feature")

	has, err = m.HasCommitsBeyond(ctx, created.Branch, "main")
	require.NoError(t, err)
	require.True(t, has)
}

func TestListRunWorktreesScopesToRun(t *testing.T) {
	testutil.SkipIfNoGit(t)
	repo := testutil.SetupTestRepo(t)
	root := t.TempDir()
	ctx := context.Background()

	m, err := New(repo, root)
	require.NoError(t, err)

	c1, err := m.CreateWorktree(ctx, "run1", "w1", "main")
	require.NoError(t, err)
	c2, err := m.CreateWorktree(ctx, "run1", "w2", "main")
	require.NoError(t, err)
	_, err = m.CreateWorktree(ctx, "run2", "w1", "main")
	require.NoError(t, err)

	paths, err := m.ListRunWorktrees(ctx, "run1")
	require.NoError(t, err)
	require.Len(t, paths, 2)
	require.Contains(t, paths, c1.Path)
	require.Contains(t, paths, c2.Path)
}

func TestWorkerBranchAndPhaseBranchNaming(t *testing.T) {
	require.Equal(t, "swarmops/run1/w1", WorkerBranch("run1", "w1"))
	require.Equal(t, "swarmops/run1/phase-2", PhaseBranch("run1", 2))
}

func TestCleanupRunWorktreesRemovesOnlyThatRun(t *testing.T) {
	testutil.SkipIfNoGit(t)
	repo := testutil.SetupTestRepo(t)
	root := t.TempDir()
	ctx := context.Background()

	m, err := New(repo, root)
	require.NoError(t, err)

	c1, err := m.CreateWorktree(ctx, "run1", "w1", "main")
	require.NoError(t, err)
	c2, err := m.CreateWorktree(ctx, "run1", "w2", "main")
	require.NoError(t, err)
	other, err := m.CreateWorktree(ctx, "run2", "w1", "main")
	require.NoError(t, err)

	require.NoError(t, m.CleanupRunWorktrees(ctx, "run1"))

	require.NoDirExists(t, c1.Path)
	require.NoDirExists(t, c2.Path)
	exists1, err := m.BranchExists(ctx, c1.Branch)
	require.NoError(t, err)
	require.False(t, exists1)
	exists2, err := m.BranchExists(ctx, c2.Branch)
	require.NoError(t, err)
	require.False(t, exists2)

	require.DirExists(t, other.Path)
	existsOther, err := m.BranchExists(ctx, other.Branch)
	require.NoError(t, err)
	require.True(t, existsOther)
}
