// Package escalation implements the Escalation Store (spec §4.F): the
// durable record of human-visible failures that the retry controller could
// not resolve on its own.
package escalation

import (
	"sort"
	"sync"
	"time"

	"github.com/swarmops/orchestrator/internal/store"
)

// Severity ranks an escalation for triage.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Status is an escalation's lifecycle state.
type Status string

const (
	StatusOpen      Status = "open"
	StatusResolved  Status = "resolved"
	StatusDismissed Status = "dismissed"
)

// Note is a timestamped free-form annotation left on an escalation.
type Note struct {
	Timestamp time.Time `json:"timestamp"`
	Author    string    `json:"author,omitempty"`
	Text      string    `json:"text"`
}

// Escalation is a single human-visible failure record.
type Escalation struct {
	ID           string    `json:"id"`
	RunID        string    `json:"runId"`
	PipelineID   string    `json:"pipelineId,omitempty"`
	TaskID       string    `json:"taskId"`
	PhaseNumber  int       `json:"phaseNumber"`
	Severity     Severity  `json:"severity"`
	Status       Status    `json:"status"`
	Reason       string    `json:"reason"`
	AttemptCount int       `json:"attemptCount"`
	Notes        []Note    `json:"notes,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	ResolvedAt   *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy   string    `json:"resolvedBy,omitempty"`
}

// CreateInput is the set of fields a caller supplies when opening a new
// escalation; severity is derived, not supplied.
type CreateInput struct {
	RunID        string
	PipelineID   string
	TaskID       string
	PhaseNumber  int
	Reason       string
	AttemptCount int
	MaxAttempts  int
}

// deriveSeverity implements spec §4.F's auto-assignment rule: high when the
// task exhausted at least 3 attempts of its configured max, medium
// otherwise, low when there was no real retry history.
func deriveSeverity(in CreateInput) Severity {
	if in.AttemptCount >= in.MaxAttempts && in.MaxAttempts >= 3 {
		return SeverityHigh
	}
	if in.AttemptCount > 1 {
		return SeverityMedium
	}
	return SeverityLow
}

// Stats summarizes escalation counts for a dashboard or CLI.
type Stats struct {
	Open      int
	Resolved  int
	Dismissed int
	BySeverity map[Severity]int
}

// Store is the JSON-backed escalation index.
type Store struct {
	mu      sync.Mutex
	path    string
	entries map[string]*Escalation
	loaded  bool
	nextSeq int
}

// New creates a Store backed by path (typically dataRoot/escalations.json).
func New(path string) *Store {
	return &Store{path: path, entries: make(map[string]*Escalation)}
}

func (s *Store) ensureLoaded() error {
	if s.loaded {
		return nil
	}
	var persisted struct {
		Entries map[string]*Escalation `json:"entries"`
		NextSeq int                    `json:"nextSeq"`
	}
	err := store.ReadJSON(s.path, &persisted)
	if err != nil && err != store.ErrNotFound {
		return err
	}
	if persisted.Entries != nil {
		s.entries = persisted.Entries
	}
	s.nextSeq = persisted.NextSeq
	s.loaded = true
	return nil
}

func (s *Store) saveLocked() error {
	return store.WriteJSONAtomic(s.path, struct {
		Entries map[string]*Escalation `json:"entries"`
		NextSeq int                    `json:"nextSeq"`
	}{Entries: s.entries, NextSeq: s.nextSeq})
}

func (s *Store) nextID() string {
	s.nextSeq++
	return "esc-" + itoa(s.nextSeq)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}

// Create opens a new escalation with an auto-assigned severity.
func (s *Store) Create(in CreateInput) (*Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	e := &Escalation{
		ID:           s.nextID(),
		RunID:        in.RunID,
		PipelineID:   in.PipelineID,
		TaskID:       in.TaskID,
		PhaseNumber:  in.PhaseNumber,
		Severity:     deriveSeverity(in),
		Status:       StatusOpen,
		Reason:       in.Reason,
		AttemptCount: in.AttemptCount,
		CreatedAt:    time.Now(),
	}
	s.entries[e.ID] = e
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	cp := *e
	return &cp, nil
}

// Get returns a copy of the escalation with id.
func (s *Store) Get(id string) (*Escalation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return nil, false, err
	}
	e, ok := s.entries[id]
	if !ok {
		return nil, false, nil
	}
	cp := *e
	return &cp, true, nil
}

// ListOpen returns all open escalations sorted by CreatedAt ascending.
func (s *Store) ListOpen() ([]*Escalation, error) {
	return s.list(func(e *Escalation) bool { return e.Status == StatusOpen })
}

// ByRun returns every escalation tied to runID, regardless of status.
func (s *Store) ByRun(runID string) ([]*Escalation, error) {
	return s.list(func(e *Escalation) bool { return e.RunID == runID })
}

// ByPipeline returns every escalation tied to pipelineID, regardless of status.
func (s *Store) ByPipeline(pipelineID string) ([]*Escalation, error) {
	return s.list(func(e *Escalation) bool { return e.PipelineID == pipelineID })
}

func (s *Store) list(pred func(*Escalation) bool) ([]*Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	var out []*Escalation
	for _, e := range s.entries {
		if pred(e) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Resolve closes id as resolved, recording who resolved it.
func (s *Store) Resolve(id, resolvedBy string) error {
	return s.setTerminal(id, StatusResolved, resolvedBy)
}

// Dismiss closes id as dismissed, recording who dismissed it.
func (s *Store) Dismiss(id, resolvedBy string) error {
	return s.setTerminal(id, StatusDismissed, resolvedBy)
}

func (s *Store) setTerminal(id string, status Status, resolvedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	e, ok := s.entries[id]
	if !ok {
		return store.ErrNotFound
	}
	e.Status = status
	e.ResolvedBy = resolvedBy
	now := time.Now()
	e.ResolvedAt = &now
	return s.saveLocked()
}

// AddNote appends a note to id without changing its status.
func (s *Store) AddNote(id, author, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	e, ok := s.entries[id]
	if !ok {
		return store.ErrNotFound
	}
	e.Notes = append(e.Notes, Note{Timestamp: time.Now(), Author: author, Text: text})
	return s.saveLocked()
}

// SetSeverity overrides the auto-assigned severity, e.g. after human triage.
func (s *Store) SetSeverity(id string, sev Severity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	e, ok := s.entries[id]
	if !ok {
		return store.ErrNotFound
	}
	e.Severity = sev
	return s.saveLocked()
}

// ResolveByTaskId auto-resolves every open escalation for taskID within
// runID, implementing spec §8 property 8: a task that later succeeds closes
// its own prior escalations without human action.
func (s *Store) ResolveByTaskId(runID, taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return 0, err
	}
	count := 0
	for _, e := range s.entries {
		if e.RunID == runID && e.TaskID == taskID && e.Status == StatusOpen {
			e.Status = StatusResolved
			e.ResolvedBy = "auto:task-succeeded"
			now := time.Now()
			e.ResolvedAt = &now
			count++
		}
	}
	if count > 0 {
		if err := s.saveLocked(); err != nil {
			return 0, err
		}
	}
	return count, nil
}

// GetStats summarizes counts by status and severity.
func (s *Store) GetStats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return Stats{}, err
	}
	stats := Stats{BySeverity: make(map[Severity]int)}
	for _, e := range s.entries {
		switch e.Status {
		case StatusOpen:
			stats.Open++
			stats.BySeverity[e.Severity]++
		case StatusResolved:
			stats.Resolved++
		case StatusDismissed:
			stats.Dismissed++
		}
	}
	return stats, nil
}

// Prune removes resolved/dismissed escalations older than keepDays, never
// touching open ones.
func (s *Store) Prune(keepDays int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return 0, err
	}
	cutoff := time.Now().AddDate(0, 0, -keepDays)
	removed := 0
	for id, e := range s.entries {
		if e.Status == StatusOpen {
			continue
		}
		if e.ResolvedAt != nil && e.ResolvedAt.Before(cutoff) {
			delete(s.entries, id)
			removed++
		}
	}
	if removed > 0 {
		if err := s.saveLocked(); err != nil {
			return 0, err
		}
	}
	return removed, nil
}
