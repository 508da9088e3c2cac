// Package runstate implements the Run State Manager (spec §4.M): the
// per-run durable record of pipeline progress, plus crash-recovery
// enumeration of runs that were active when the process last stopped.
package runstate

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/swarmops/orchestrator/internal/store"
)

// Status is a Run's lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusMerging   Status = "merging"
	StatusReviewing Status = "reviewing"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// nonTerminal lists the statuses the crash-recovery scan re-enters.
var nonTerminal = map[Status]bool{
	StatusRunning:   true,
	StatusMerging:   true,
	StatusReviewing: true,
}

// StepStatus is a StepResult's outcome.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult records one dispatched step's outcome.
type StepResult struct {
	StepID       string     `json:"stepId"`
	StepOrder    int        `json:"stepOrder"`
	Status       StepStatus `json:"status"`
	Output       string     `json:"output,omitempty"`
	Error        string     `json:"error,omitempty"`
	CompletedAt  time.Time  `json:"completedAt"`
	EscalationID string     `json:"escalationId,omitempty"`
}

// PhaseInfo is one phase's summary within a run.
type PhaseInfo struct {
	Number int    `json:"number"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status"`
}

// Run is the per-run durable state (spec §4.M).
type Run struct {
	RunID              string       `json:"runId"`
	PipelineID         string       `json:"pipelineId,omitempty"`
	ProjectName        string       `json:"projectName,omitempty"`
	PipelineName       string       `json:"pipelineName,omitempty"`
	Status             Status       `json:"status"`
	CurrentPhaseNumber int          `json:"currentPhaseNumber"`
	Phases             []PhaseInfo  `json:"phases"`
	StepResults        []StepResult `json:"stepResults"`
	StartedAt          time.Time    `json:"startedAt"`
	CompletedAt        *time.Time   `json:"completedAt,omitempty"`
	ProjectDir         string       `json:"projectDir,omitempty"`
	ActiveSessionKey   string       `json:"activeSessionKey,omitempty"`
	ActiveTaskID       string       `json:"activeTaskId,omitempty"`
}

// Manager is the JSON-file-per-run store under a runs directory.
type Manager struct {
	mu  sync.Mutex
	dir string
}

// New creates a Manager persisting under dir (typically dataRoot/runs).
func New(dir string) *Manager {
	return &Manager{dir: dir}
}

func (m *Manager) path(runID string) string {
	return filepath.Join(m.dir, runID+".json")
}

// Create persists a brand-new Run in StatusRunning.
func (m *Manager) Create(run Run) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if run.Status == "" {
		run.Status = StatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if err := store.WriteJSONAtomic(m.path(run.RunID), &run); err != nil {
		return nil, err
	}
	cp := run
	return &cp, nil
}

// Get loads the Run for runID.
func (m *Manager) Get(runID string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var r Run
	if err := store.ReadJSON(m.path(runID), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// UpdateStatus transitions runID to status, setting CompletedAt on terminal
// statuses.
func (m *Manager) UpdateStatus(runID string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var r Run
	if err := store.ReadJSON(m.path(runID), &r); err != nil {
		return err
	}
	r.Status = status
	if status == StatusComplete || status == StatusFailed || status == StatusCancelled {
		now := time.Now()
		r.CompletedAt = &now
	}
	return store.WriteJSONAtomic(m.path(runID), &r)
}

// AdvancePhase sets the run's current phase number.
func (m *Manager) AdvancePhase(runID string, phaseNumber int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var r Run
	if err := store.ReadJSON(m.path(runID), &r); err != nil {
		return err
	}
	r.CurrentPhaseNumber = phaseNumber
	found := false
	for i := range r.Phases {
		if r.Phases[i].Number == phaseNumber {
			found = true
			break
		}
	}
	if !found {
		r.Phases = append(r.Phases, PhaseInfo{Number: phaseNumber, Status: "running"})
	}
	return store.WriteJSONAtomic(m.path(runID), &r)
}

// RecordStepResult appends or replaces (by StepID) a StepResult.
func (m *Manager) RecordStepResult(runID string, sr StepResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var r Run
	if err := store.ReadJSON(m.path(runID), &r); err != nil {
		return err
	}
	if sr.CompletedAt.IsZero() {
		sr.CompletedAt = time.Now()
	}
	replaced := false
	for i := range r.StepResults {
		if r.StepResults[i].StepID == sr.StepID {
			r.StepResults[i] = sr
			replaced = true
			break
		}
	}
	if !replaced {
		r.StepResults = append(r.StepResults, sr)
	}
	return store.WriteJSONAtomic(m.path(runID), &r)
}

// ActiveRuns enumerates every run file whose status is non-terminal
// (running, merging, or reviewing), the set the crash-recovery scan
// re-enters into the active-runs map on process start (spec §4.M).
func (m *Manager) ActiveRuns() ([]*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(m.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("runstate: glob runs dir: %w", err)
	}
	var active []*Run
	for _, p := range matches {
		var r Run
		if err := store.ReadJSON(p, &r); err != nil {
			continue
		}
		if nonTerminal[r.Status] {
			cp := r
			active = append(active, &cp)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].StartedAt.Before(active[j].StartedAt) })
	return active, nil
}
