// Package phase implements the Phase Collector and Phase Merger (spec
// §4.J/§4.K): tracking per-phase worker completion, merging resulting
// branches into a phase branch, and driving the review chain that gates a
// merge back to the base branch.
package phase

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/swarmops/orchestrator/internal/conflict"
	"github.com/swarmops/orchestrator/internal/store"
	"github.com/swarmops/orchestrator/internal/worktree"
)

// WorkerStatus is a worker's recorded status within a phase record.
type WorkerStatus string

const (
	WorkerRunning   WorkerStatus = "running"
	WorkerCompleted WorkerStatus = "completed"
	WorkerFailed    WorkerStatus = "failed"
)

// WorkerRecord is one worker's status as tracked by the Phase Collector.
type WorkerRecord struct {
	WorkerID string       `json:"workerId"`
	TaskID   string       `json:"taskId"`
	Branch   string       `json:"branch"`
	Status   WorkerStatus `json:"status"`
	Output   string       `json:"output,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// State is the per-(run, phaseNumber) Phase Collector record, persisted as
// one JSON file.
type State struct {
	RunID       string                   `json:"runId"`
	PhaseNumber int                      `json:"phaseNumber"`
	RepoDir     string                   `json:"repoDir"`
	BaseBranch  string                   `json:"baseBranch"`
	ProjectPath string                   `json:"projectPath"`
	ProjectName string                   `json:"projectName"`
	Workers     map[string]*WorkerRecord `json:"workers"`
	PhaseBranch string                   `json:"phaseBranch,omitempty"`
	CreatedAt   time.Time                `json:"createdAt"`
}

// InitInput configures a new phase collection.
type InitInput struct {
	RunID       string
	PhaseNumber int
	RepoDir     string
	BaseBranch  string
	ProjectPath string
	ProjectName string
	WorkerIDs   []string
	TaskIDs     []string
	Branches    map[string]string // workerId -> branch
}

// CompleteResult is returned by OnWorkerComplete.
type CompleteResult struct {
	PhaseComplete bool
	AllSucceeded  bool
}

// Collector tracks in-flight phases in memory, persisting each as a single
// JSON file under dir.
type Collector struct {
	mu     sync.Mutex
	dir    string
	phases map[string]*State // key: runId#phaseNumber
}

// NewCollector creates a Collector persisting under dir (typically
// dataRoot/phases).
func NewCollector(dir string) *Collector {
	return &Collector{dir: dir, phases: make(map[string]*State)}
}

func phaseKey(runID string, phaseNumber int) string {
	return fmt.Sprintf("%s#%d", runID, phaseNumber)
}

func (c *Collector) path(runID string, phaseNumber int) string {
	return filepath.Join(c.dir, fmt.Sprintf("%s-phase-%d.json", runID, phaseNumber))
}

// cloneState copies s including its Workers map, so a caller ranging over
// the returned State outside the Collector's lock never races a later
// OnWorkerComplete writing into the cached State's map.
func cloneState(s *State) *State {
	cp := *s
	cp.Workers = make(map[string]*WorkerRecord, len(s.Workers))
	for id, w := range s.Workers {
		wc := *w
		cp.Workers[id] = &wc
	}
	return &cp
}

// InitPhase creates the phase record with each worker status=running.
func (c *Collector) InitPhase(in InitInput) (*State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	workers := make(map[string]*WorkerRecord, len(in.WorkerIDs))
	for i, wid := range in.WorkerIDs {
		var taskID string
		if i < len(in.TaskIDs) {
			taskID = in.TaskIDs[i]
		}
		workers[wid] = &WorkerRecord{
			WorkerID: wid,
			TaskID:   taskID,
			Branch:   in.Branches[wid],
			Status:   WorkerRunning,
		}
	}

	s := &State{
		RunID:       in.RunID,
		PhaseNumber: in.PhaseNumber,
		RepoDir:     in.RepoDir,
		BaseBranch:  in.BaseBranch,
		ProjectPath: in.ProjectPath,
		ProjectName: in.ProjectName,
		Workers:     workers,
		CreatedAt:   time.Now(),
	}
	if err := store.WriteJSONAtomic(c.path(in.RunID, in.PhaseNumber), s); err != nil {
		return nil, err
	}
	c.phases[phaseKey(in.RunID, in.PhaseNumber)] = s
	return cloneState(s), nil
}

func (c *Collector) ensureLoaded(runID string, phaseNumber int) (*State, error) {
	key := phaseKey(runID, phaseNumber)
	if s, ok := c.phases[key]; ok {
		return s, nil
	}
	var s State
	if err := store.ReadJSON(c.path(runID, phaseNumber), &s); err != nil {
		return nil, err
	}
	c.phases[key] = &s
	return &s, nil
}

func (c *Collector) saveLocked(s *State) error {
	return store.WriteJSONAtomic(c.path(s.RunID, s.PhaseNumber), s)
}

// OnWorkerComplete updates a worker's recorded status, idempotently by
// workerId, and reports whether the whole phase is now settled.
func (c *Collector) OnWorkerComplete(runID string, phaseNumber int, workerID string, status WorkerStatus, output, errMsg string) (CompleteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.ensureLoaded(runID, phaseNumber)
	if err != nil {
		return CompleteResult{}, err
	}

	w, ok := s.Workers[workerID]
	if !ok {
		w = &WorkerRecord{WorkerID: workerID}
		s.Workers[workerID] = w
	}
	w.Status = status
	w.Output = output
	w.Error = errMsg

	if err := c.saveLocked(s); err != nil {
		return CompleteResult{}, err
	}

	return evaluate(s), nil
}

func evaluate(s *State) CompleteResult {
	allSettled := true
	allSucceeded := true
	for _, w := range s.Workers {
		if w.Status == WorkerRunning {
			allSettled = false
		}
		if w.Status != WorkerCompleted {
			allSucceeded = false
		}
	}
	return CompleteResult{PhaseComplete: allSettled, AllSucceeded: allSettled && allSucceeded}
}

// BranchOperator is the subset of the Worktree Manager CollectPhaseBranches
// and the merge loop need.
type BranchOperator interface {
	HasCommitsBeyond(ctx context.Context, branch, base string) (bool, error)
	BranchExists(ctx context.Context, branch string) (bool, error)
	CreateBranch(ctx context.Context, name, from string) error
	DeleteBranch(ctx context.Context, branch string) error
	CheckoutBranch(ctx context.Context, branch string) error
	MergeBranch(ctx context.Context, src, message string) (worktree.MergeResult, error)
	AbortMerge(ctx context.Context) error
}

// CollectPhaseBranches returns the subset of worker branches that exist and
// have commits beyond the base branch, (re)creating the phase branch off
// base. If any worker failed, returns an error. If no workers produced
// commits, the caller should short-circuit and complete the phase with an
// empty branch set.
func (c *Collector) CollectPhaseBranches(ctx context.Context, op BranchOperator, runID string, phaseNumber int) ([]string, error) {
	c.mu.Lock()
	s, err := c.ensureLoaded(runID, phaseNumber)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	for _, w := range s.Workers {
		if w.Status == WorkerFailed {
			return nil, fmt.Errorf("phase %s/%d: worker %s failed: %s", runID, phaseNumber, w.WorkerID, w.Error)
		}
	}

	var produced []string
	for _, w := range s.Workers {
		if w.Branch == "" {
			continue
		}
		exists, err := op.BranchExists(ctx, w.Branch)
		if err != nil {
			return nil, err
		}
		if !exists {
			continue
		}
		has, err := op.HasCommitsBeyond(ctx, w.Branch, s.BaseBranch)
		if err != nil {
			return nil, err
		}
		if has {
			produced = append(produced, w.Branch)
		}
	}

	phaseBranch := worktree.PhaseBranch(runID, phaseNumber)
	exists, err := op.BranchExists(ctx, phaseBranch)
	if err != nil {
		return nil, err
	}
	if exists {
		if err := op.CheckoutBranch(ctx, s.BaseBranch); err != nil {
			return nil, err
		}
		if err := op.DeleteBranch(ctx, phaseBranch); err != nil {
			return nil, err
		}
	}
	if err := op.CreateBranch(ctx, phaseBranch, s.BaseBranch); err != nil {
		return nil, err
	}

	c.mu.Lock()
	s.PhaseBranch = phaseBranch
	saveErr := c.saveLocked(s)
	c.mu.Unlock()
	if saveErr != nil {
		return nil, saveErr
	}

	return produced, nil
}

// MergeOutcome summarizes MergeWorkerBranches' result.
type MergeOutcome struct {
	Merged    []string
	Conflict  *conflict.Context
	AllMerged bool
}

// MergeWorkerBranches merges each branch into the phase branch in order. On
// the first conflict it hands off to the Conflict Resolver and stops,
// reporting the remaining (unmerged) branches for later resumption.
func MergeWorkerBranches(ctx context.Context, op BranchOperator, resolver *conflict.Detector, runID string, phaseNumber int, phaseBranch, repoDir string, branches []string) (MergeOutcome, error) {
	if err := op.CheckoutBranch(ctx, phaseBranch); err != nil {
		return MergeOutcome{}, fmt.Errorf("phase: checkout phase branch: %w", err)
	}

	var merged []string
	for i, branch := range branches {
		result, err := op.MergeBranch(ctx, branch, fmt.Sprintf("merge worker branch %s into phase %d", branch, phaseNumber))
		if err != nil {
			return MergeOutcome{}, err
		}
		if result.Success {
			merged = append(merged, branch)
			continue
		}

		remaining := append([]string{}, branches[i+1:]...)
		rc, err := resolver.HandleConflict(ctx, op, phaseBranch, runID, phaseNumber, phaseBranch, branch, result.ConflictFiles, remaining, repoDir)
		if err != nil {
			return MergeOutcome{}, err
		}
		return MergeOutcome{Merged: merged, Conflict: rc}, nil
	}

	return MergeOutcome{Merged: merged, AllMerged: true}, nil
}

// CompletePhase removes the phase from the in-memory map. No phase-level
// status is recorded; the persisted JSON file is left unchanged.
func (c *Collector) CompletePhase(runID string, phaseNumber int) error {
	return c.remove(runID, phaseNumber)
}

// FailPhase removes the phase from the in-memory map. No phase-level status
// is recorded; the persisted JSON file is left unchanged, with the worker
// records as they were, for post-mortem inspection.
func (c *Collector) FailPhase(runID string, phaseNumber int) error {
	return c.remove(runID, phaseNumber)
}

func (c *Collector) remove(runID string, phaseNumber int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.phases, phaseKey(runID, phaseNumber))
	return nil
}

// Get returns a copy of the current phase state, loading from disk if not
// already cached in memory.
func (c *Collector) Get(runID string, phaseNumber int) (*State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.ensureLoaded(runID, phaseNumber)
	if err != nil {
		return nil, err
	}
	return cloneState(s), nil
}
