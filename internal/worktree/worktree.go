// Package worktree implements the Worktree Manager (spec §4.G): isolating
// each worker's changes on a dedicated git branch and worktree so concurrent
// workers cannot collide, with thin merge helpers for the Phase Merger.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// DefaultRoot is the process-level temp directory worktrees are created
// under when the caller does not supply one.
const DefaultRoot = "/tmp/swarmops-worktrees"

// Manager creates and tears down worktrees rooted at a single git repo.
type Manager struct {
	repoDir string
	root    string
}

// FindGitRoot walks up from startDir until it finds a `.git` entry.
func FindGitRoot(startDir string) (string, error) {
	dir := startDir
	for {
		gitPath := filepath.Join(dir, ".git")
		if info, err := os.Stat(gitPath); err == nil {
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not a git repository (or any parent up to mount point): %s", startDir)
		}
		dir = parent
	}
}

// New creates a Manager rooted at repoDir's git root, creating worktrees
// under root (DefaultRoot if empty).
func New(repoDir, root string) (*Manager, error) {
	gitRoot, err := FindGitRoot(repoDir)
	if err != nil {
		return nil, fmt.Errorf("not a git repository: %s", repoDir)
	}
	if root == "" {
		root = DefaultRoot
	}
	return &Manager{repoDir: gitRoot, root: root}, nil
}

// WorkerBranch returns the branch name policy for a worker (spec §4.G).
func WorkerBranch(runID, workerID string) string {
	return fmt.Sprintf("swarmops/%s/%s", runID, workerID)
}

// PhaseBranch returns the branch name policy for a phase branch.
func PhaseBranch(runID string, phaseNumber int) string {
	return fmt.Sprintf("swarmops/%s/phase-%d", runID, phaseNumber)
}

func (m *Manager) workerPath(runID, workerID string) string {
	return filepath.Join(m.root, runID, workerID)
}

func (m *Manager) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.repoDir
	output, err := cmd.CombinedOutput()
	return string(output), err
}

// Created describes the result of CreateWorktree.
type Created struct {
	Path   string
	Branch string
}

// CreateWorktree ensures a fresh branch off baseBranch and a worktree at the
// computed path for (runID, workerID). Idempotent: a pre-existing worktree
// at the same path is reused rather than recreated.
func (m *Manager) CreateWorktree(ctx context.Context, runID, workerID, baseBranch string) (Created, error) {
	branch := WorkerBranch(runID, workerID)
	path := m.workerPath(runID, workerID)

	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return Created{Path: path, Branch: branch}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Created{}, fmt.Errorf("worktree: prepare parent dir: %w", err)
	}

	exists, err := m.BranchExists(ctx, branch)
	if err != nil {
		return Created{}, err
	}

	var out string
	if exists {
		out, err = m.git(ctx, "worktree", "add", path, branch)
	} else {
		out, err = m.git(ctx, "worktree", "add", "-b", branch, path, baseBranch)
	}
	if err != nil {
		return Created{}, fmt.Errorf("worktree: create worker worktree: %w\n%s", err, out)
	}

	return Created{Path: path, Branch: branch}, nil
}

// RemoveWorktree prunes the worktree at path and deletes branch, forcing the
// branch delete since it may not yet be merged into base.
func (m *Manager) RemoveWorktree(ctx context.Context, path, branch string) error {
	if out, err := m.git(ctx, "worktree", "remove", "--force", path); err != nil {
		_ = os.RemoveAll(path)
		if _, pruneErr := m.git(ctx, "worktree", "prune"); pruneErr != nil {
			return fmt.Errorf("worktree: remove %s: %w\n%s (prune also failed: %v)", path, err, out, pruneErr)
		}
	}
	if branch != "" {
		if out, err := m.git(ctx, "branch", "-D", branch); err != nil && !strings.Contains(out, "not found") {
			return fmt.Errorf("worktree: delete branch %s: %w\n%s", branch, err, out)
		}
	}
	return nil
}

// ListRunWorktrees returns every worktree path created under runID.
func (m *Manager) ListRunWorktrees(ctx context.Context, runID string) ([]string, error) {
	out, err := m.git(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("worktree: list: %w\n%s", err, out)
	}
	prefix := filepath.Join(m.root, runID)
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "worktree ") {
			continue
		}
		path := strings.TrimPrefix(line, "worktree ")
		if strings.HasPrefix(path, prefix) {
			paths = append(paths, path)
		}
	}
	return paths, nil
}

// CleanupRunWorktrees removes every worktree still registered under runID
// along with its worker branch, once that run has no further use for them
// (its worker branches are already merged into their phase branches and the
// phase branches into base). Best-effort: a single worktree that fails to
// remove is logged via the returned error but does not stop the rest.
func (m *Manager) CleanupRunWorktrees(ctx context.Context, runID string) error {
	paths, err := m.ListRunWorktrees(ctx, runID)
	if err != nil {
		return err
	}
	var firstErr error
	for _, path := range paths {
		workerID := filepath.Base(path)
		if err := m.RemoveWorktree(ctx, path, WorkerBranch(runID, workerID)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// BranchExists reports whether a local branch with the given name exists.
func (m *Manager) BranchExists(ctx context.Context, branch string) (bool, error) {
	_, err := m.git(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if asExitError(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, err
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

// CheckoutBranch switches the repo's current branch.
func (m *Manager) CheckoutBranch(ctx context.Context, branch string) error {
	out, err := m.git(ctx, "checkout", branch)
	if err != nil {
		return fmt.Errorf("worktree: checkout %s: %w\n%s", branch, err, out)
	}
	return nil
}

// DeleteBranch force-deletes a local branch, ignoring "not found" errors so
// it is safe to call speculatively.
func (m *Manager) DeleteBranch(ctx context.Context, branch string) error {
	out, err := m.git(ctx, "branch", "-D", branch)
	if err != nil && !strings.Contains(out, "not found") {
		return fmt.Errorf("worktree: delete branch %s: %w\n%s", branch, err, out)
	}
	return nil
}

// CreateBranch creates name off from without checking it out.
func (m *Manager) CreateBranch(ctx context.Context, name, from string) error {
	out, err := m.git(ctx, "branch", name, from)
	if err != nil {
		return fmt.Errorf("worktree: create branch %s from %s: %w\n%s", name, from, err, out)
	}
	return nil
}

// MergeResult is the outcome of MergeBranch.
type MergeResult struct {
	Success       bool
	Conflicted    bool
	ConflictFiles []string
}

// MergeBranch merges src into the currently checked-out branch. On conflict
// the caller is responsible for `git merge --abort` and restoring whatever
// branch was checked out before the call; MergeBranch itself only reports
// the conflict, it does not clean up.
func (m *Manager) MergeBranch(ctx context.Context, src, message string) (MergeResult, error) {
	out, err := m.git(ctx, "merge", "--no-ff", "-m", message, src)
	if err == nil {
		return MergeResult{Success: true}, nil
	}

	if strings.Contains(out, "CONFLICT") || strings.Contains(out, "Automatic merge failed") {
		files, listErr := m.conflictFiles(ctx)
		if listErr != nil {
			return MergeResult{Conflicted: true}, fmt.Errorf("worktree: merge conflict but could not list files: %w", listErr)
		}
		return MergeResult{Conflicted: true, ConflictFiles: files}, nil
	}

	return MergeResult{}, fmt.Errorf("worktree: merge %s: %w\n%s", src, err, out)
}

// AbortMerge runs `git merge --abort`, used by callers after MergeBranch
// reports a conflict.
func (m *Manager) AbortMerge(ctx context.Context) error {
	out, err := m.git(ctx, "merge", "--abort")
	if err != nil {
		return fmt.Errorf("worktree: abort merge: %w\n%s", err, out)
	}
	return nil
}

func (m *Manager) conflictFiles(ctx context.Context) ([]string, error) {
	out, err := m.git(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// HasCommitsBeyond reports whether branch has commits not reachable from base.
func (m *Manager) HasCommitsBeyond(ctx context.Context, branch, base string) (bool, error) {
	out, err := m.git(ctx, "rev-list", "--count", base+".."+branch)
	if err != nil {
		return false, fmt.Errorf("worktree: rev-list %s..%s: %w\n%s", base, branch, err, out)
	}
	return strings.TrimSpace(out) != "0", nil
}

// CurrentBranch returns the name of the currently checked-out branch.
func (m *Manager) CurrentBranch(ctx context.Context) (string, error) {
	out, err := m.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("worktree: rev-parse HEAD: %w\n%s", err, out)
	}
	return strings.TrimSpace(out), nil
}

// openRepo opens the managed repo with go-git for read-only introspection.
// Mutating operations never go through this path; they stay shelled `git`
// because go-git has no `worktree add` equivalent.
func (m *Manager) openRepo() (*git.Repository, error) {
	repo, err := git.PlainOpen(m.repoDir)
	if err != nil {
		return nil, fmt.Errorf("worktree: open repo: %w", err)
	}
	return repo, nil
}

// HasUncommittedChanges reports whether the main repo working tree (not a
// worker's worktree) has modifications relative to HEAD, read via go-git
// instead of forking `git status`.
func (m *Manager) HasUncommittedChanges() (bool, error) {
	repo, err := m.openRepo()
	if err != nil {
		return false, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("worktree: load worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("worktree: status: %w", err)
	}
	return !status.IsClean(), nil
}

// GetBehindCount returns how many commits are reachable from base but not
// from branch, walking commit history with go-git rather than shelling
// `git rev-list --count`.
func (m *Manager) GetBehindCount(branch, base string) (int, error) {
	repo, err := m.openRepo()
	if err != nil {
		return 0, err
	}

	branchHash, err := resolveBranchHash(repo, branch)
	if err != nil {
		return 0, fmt.Errorf("worktree: resolve branch %s: %w", branch, err)
	}
	baseHash, err := resolveBranchHash(repo, base)
	if err != nil {
		return 0, fmt.Errorf("worktree: resolve base %s: %w", base, err)
	}

	ancestors, err := commitSet(repo, branchHash)
	if err != nil {
		return 0, fmt.Errorf("worktree: walk branch log: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: baseHash})
	if err != nil {
		return 0, fmt.Errorf("worktree: walk base log: %w", err)
	}
	defer iter.Close()

	count := 0
	err = iter.ForEach(func(c *object.Commit) error {
		if ancestors[c.Hash] {
			return storer.ErrStop
		}
		count++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("worktree: count behind commits: %w", err)
	}
	return count, nil
}

func resolveBranchHash(repo *git.Repository, branch string) (plumbing.Hash, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err == nil {
		return ref.Hash(), nil
	}
	hash, err2 := repo.ResolveRevision(plumbing.Revision(branch))
	if err2 != nil {
		return plumbing.ZeroHash, err
	}
	return *hash, nil
}

func commitSet(repo *git.Repository, from plumbing.Hash) (map[plumbing.Hash]bool, error) {
	iter, err := repo.Log(&git.LogOptions{From: from})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	set := make(map[plumbing.Hash]bool)
	err = iter.ForEach(func(c *object.Commit) error {
		set[c.Hash] = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}
