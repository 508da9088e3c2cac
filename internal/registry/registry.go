// Package registry implements the Task Registry (spec §4.D): a single
// JSON file indexing (project, taskId) -> dispatch state, used solely for
// spawn deduplication. A short in-memory TTL cache absorbs repeated reads
// during a single dispatch pass.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/swarmops/orchestrator/internal/store"
)

// Status mirrors the dedup-relevant subset of worker status.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Entry is one (project, taskId) dedup record.
type Entry struct {
	Project     string     `json:"project"`
	TaskID      string     `json:"taskId"`
	Status      Status     `json:"status"`
	RunID       string     `json:"runId"`
	PhaseNumber int        `json:"phaseNumber"`
	WorkerID    string     `json:"workerId"`
	Branch      string     `json:"branch"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

func key(project, taskID string) string { return project + "\x00" + taskID }

// CanSpawnResult is the outcome of a dedup check.
type CanSpawnResult struct {
	CanSpawn bool
	Reason   string
	Existing *Entry
}

// Skip describes a task that FilterSpawnable excluded.
type Skip struct {
	TaskID string
	Reason string
}

// Registry is the process-wide dedup index, backed by a single JSON file.
type Registry struct {
	mu       sync.Mutex
	path     string
	entries  map[string]*Entry
	loaded   bool
	ttl      time.Duration
	loadedAt time.Time
}

// New creates a Registry backed by path (typically dataRoot/task-registry.json).
func New(path string) *Registry {
	return &Registry{path: path, entries: make(map[string]*Entry), ttl: 5 * time.Second}
}

func (r *Registry) ensureLoaded() error {
	if r.loaded && time.Since(r.loadedAt) < r.ttl {
		return nil
	}
	var persisted struct {
		Entries map[string]*Entry `json:"entries"`
	}
	err := store.ReadJSON(r.path, &persisted)
	if err != nil && err != store.ErrNotFound {
		return err
	}
	if persisted.Entries == nil {
		persisted.Entries = make(map[string]*Entry)
	}
	r.entries = persisted.Entries
	r.loaded = true
	r.loadedAt = time.Now()
	return nil
}

func (r *Registry) saveLocked() error {
	return store.WriteJSONAtomic(r.path, struct {
		Entries map[string]*Entry `json:"entries"`
	}{Entries: r.entries})
}

// CanSpawn reports whether (project, taskID) may be dispatched: false iff
// an existing entry has status running or completed.
func (r *Registry) CanSpawn(project, taskID string) (CanSpawnResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoaded(); err != nil {
		return CanSpawnResult{}, err
	}
	existing, ok := r.entries[key(project, taskID)]
	if !ok {
		return CanSpawnResult{CanSpawn: true}, nil
	}
	if existing.Status == StatusRunning || existing.Status == StatusCompleted {
		cp := *existing
		return CanSpawnResult{CanSpawn: false, Reason: fmt.Sprintf("existing entry status=%s", existing.Status), Existing: &cp}, nil
	}
	cp := *existing
	return CanSpawnResult{CanSpawn: true, Existing: &cp}, nil
}

// Register records (project, taskID) as running unconditionally. It takes
// the lock on its own, so a separate CanSpawn followed by Register is not
// atomic; CheckAndRegister is the atomic check-then-register form.
func (r *Registry) Register(e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoaded(); err != nil {
		return err
	}
	e.Status = StatusRunning
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now()
	}
	r.entries[key(e.Project, e.TaskID)] = &e
	return r.saveLocked()
}

// CheckAndRegister performs CanSpawn and, if it succeeds, Register as a
// single atomic operation, guaranteeing exactly one winner across racing
// callers (spec §8 property 3).
func (r *Registry) CheckAndRegister(e Entry) (CanSpawnResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoaded(); err != nil {
		return CanSpawnResult{}, err
	}
	existing, ok := r.entries[key(e.Project, e.TaskID)]
	if ok && (existing.Status == StatusRunning || existing.Status == StatusCompleted) {
		cp := *existing
		return CanSpawnResult{CanSpawn: false, Reason: fmt.Sprintf("existing entry status=%s", existing.Status), Existing: &cp}, nil
	}
	e.Status = StatusRunning
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now()
	}
	r.entries[key(e.Project, e.TaskID)] = &e
	if err := r.saveLocked(); err != nil {
		return CanSpawnResult{}, err
	}
	return CanSpawnResult{CanSpawn: true}, nil
}

// UpdateStatus mutates an existing entry's status/error/completedAt.
func (r *Registry) UpdateStatus(project, taskID string, status Status, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoaded(); err != nil {
		return err
	}
	e, ok := r.entries[key(project, taskID)]
	if !ok {
		return store.ErrNotFound
	}
	e.Status = status
	e.Error = errMsg
	if status == StatusCompleted || status == StatusFailed || status == StatusCancelled {
		now := time.Now()
		e.CompletedAt = &now
	}
	return r.saveLocked()
}

// Get returns a copy of the entry for (project, taskID), if any.
func (r *Registry) Get(project, taskID string) (*Entry, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoaded(); err != nil {
		return nil, false, err
	}
	e, ok := r.entries[key(project, taskID)]
	if !ok {
		return nil, false, nil
	}
	cp := *e
	return &cp, true, nil
}

// ClearStale sweeps entries stuck in running beyond maxAge and marks them
// failed, returning the affected (project, taskID) pairs.
func (r *Registry) ClearStale(maxAge time.Duration) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoaded(); err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-maxAge)
	var cleared []Entry
	for _, e := range r.entries {
		if e.Status == StatusRunning && e.StartedAt.Before(cutoff) {
			e.Status = StatusFailed
			e.Error = "cleared: stale running entry"
			now := time.Now()
			e.CompletedAt = &now
			cleared = append(cleared, *e)
		}
	}
	if len(cleared) > 0 {
		if err := r.saveLocked(); err != nil {
			return nil, err
		}
	}
	return cleared, nil
}

// Candidate identifies a task under consideration for dispatch.
type Candidate struct {
	Project string
	TaskID  string
}

// FilterSpawnable partitions candidates into those still eligible for
// dispatch and those skipped with a reason.
func (r *Registry) FilterSpawnable(candidates []Candidate) ([]Candidate, []Skip, error) {
	var spawnable []Candidate
	var skipped []Skip
	for _, c := range candidates {
		res, err := r.CanSpawn(c.Project, c.TaskID)
		if err != nil {
			return nil, nil, err
		}
		if res.CanSpawn {
			spawnable = append(spawnable, c)
		} else {
			skipped = append(skipped, Skip{TaskID: c.TaskID, Reason: res.Reason})
		}
	}
	return spawnable, skipped, nil
}
