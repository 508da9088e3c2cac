// Package conflict implements the Conflict Resolver (spec §4.N): when
// MergeBranch reports a conflict, this package tracks the in-flight
// resolution session and resumes the merge loop when the resolver agent
// reports back.
package conflict

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/swarmops/orchestrator/internal/store"
)

// Status is a ResolverContext's lifecycle state.
type Status string

const (
	StatusActive Status = "active"
	StatusDone   Status = "done"
	StatusFailed Status = "failed"
)

// Context is the persisted state of one conflict-resolution session,
// indexed by runId so an inbound webhook can locate it even when several
// resolvers have run for the same run over time.
type Context struct {
	ID                string    `json:"id"`
	RunID             string    `json:"runId"`
	PhaseNumber       int       `json:"phaseNumber"`
	PhaseBranch       string    `json:"phaseBranch"`
	SourceBranch      string    `json:"sourceBranch"`
	ConflictFiles     []string  `json:"conflictFiles"`
	RemainingBranches []string  `json:"remainingBranches"`
	RepoDir           string    `json:"repoDir"`
	Status            Status    `json:"status"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// BranchOperator is the subset of the Worktree Manager the resolver needs
// to abort an in-flight merge and restore the branch that was checked out
// beforehand. Accepting an interface here keeps Detector decoupled from the
// concrete git-shelling implementation, mirroring how the rest of the
// orchestrator depends on narrow interfaces rather than package-level
// functions. The merge loop itself (and MergeBranch) lives in the Phase
// Merger, which calls the Worktree Manager directly.
type BranchOperator interface {
	CheckoutBranch(ctx context.Context, branch string) error
	AbortMerge(ctx context.Context) error
}

// Detector persists resolver contexts under a resolvers directory, one JSON
// file per runId.
type Detector struct {
	mu  sync.Mutex
	dir string
}

// New creates a Detector persisting contexts under dir (typically
// dataRoot/conflict-resolvers).
func New(dir string) *Detector {
	return &Detector{dir: dir}
}

func (d *Detector) path(runID string) string {
	return filepath.Join(d.dir, runID+".json")
}

// Open records a newly detected conflict and returns the persisted context.
func (d *Detector) Open(runID string, phaseNumber int, phaseBranch, sourceBranch string, conflictFiles, remainingBranches []string, repoDir string) (*Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	ctx := &Context{
		ID:                fmt.Sprintf("%s-%d-%d", runID, phaseNumber, now.UnixNano()),
		RunID:             runID,
		PhaseNumber:       phaseNumber,
		PhaseBranch:       phaseBranch,
		SourceBranch:      sourceBranch,
		ConflictFiles:     conflictFiles,
		RemainingBranches: remainingBranches,
		RepoDir:           repoDir,
		Status:            StatusActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := store.WriteJSONAtomic(d.path(runID), ctx); err != nil {
		return nil, err
	}
	cp := *ctx
	return &cp, nil
}

// Get loads the active (or most recently updated) resolver context for runID.
func (d *Detector) Get(runID string) (*Context, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ctx Context
	err := store.ReadJSON(d.path(runID), &ctx)
	if err == store.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &ctx, true, nil
}

// Complete marks runID's resolver context done, recording that the resolver
// agent finished successfully.
func (d *Detector) Complete(runID string) error {
	return d.finish(runID, StatusDone)
}

// Fail marks runID's resolver context failed; the caller is responsible for
// creating the accompanying Escalation.
func (d *Detector) Fail(runID string) error {
	return d.finish(runID, StatusFailed)
}

func (d *Detector) finish(runID string, status Status) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ctx Context
	err := store.ReadJSON(d.path(runID), &ctx)
	if err != nil {
		return err
	}
	ctx.Status = status
	ctx.UpdatedAt = time.Now()
	return store.WriteJSONAtomic(d.path(runID), &ctx)
}

// HandleConflict performs the resolver subflow described in spec §4.K/§4.N
// when MergeBranch reports a conflict: abort the in-flight merge, restore
// the branch that was checked out beforehand, and persist a resolver
// context so an agent (spawned by the caller) can be tracked to completion.
func (d *Detector) HandleConflict(ctx context.Context, op BranchOperator, restoreBranch string, runID string, phaseNumber int, phaseBranch, sourceBranch string, conflictFiles, remainingBranches []string, repoDir string) (*Context, error) {
	if err := op.AbortMerge(ctx); err != nil {
		return nil, fmt.Errorf("conflict: abort merge: %w", err)
	}
	if err := op.CheckoutBranch(ctx, restoreBranch); err != nil {
		return nil, fmt.Errorf("conflict: restore branch %s: %w", restoreBranch, err)
	}
	return d.Open(runID, phaseNumber, phaseBranch, sourceBranch, conflictFiles, remainingBranches, repoDir)
}
