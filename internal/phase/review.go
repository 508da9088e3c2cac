package phase

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/swarmops/orchestrator/internal/escalation"
	"github.com/swarmops/orchestrator/internal/store"
)

// ReviewStatus is a ReviewCycle's state in the machine described by spec §4.K.
type ReviewStatus string

const (
	ReviewPending            ReviewStatus = "pending"
	ReviewFixing             ReviewStatus = "fixing"
	ReviewPendingReview      ReviewStatus = "pending-review"
	ReviewPendingFix         ReviewStatus = "pending-fix"
	ReviewNeedsClarification ReviewStatus = "needs_clarification"
	ReviewEscalated          ReviewStatus = "escalated"
	ReviewMerged             ReviewStatus = "merged"
)

// ReviewDecision is a reviewer agent's verdict, posted back via webhook.
type ReviewDecision string

const (
	DecisionApproved       ReviewDecision = "approved"
	DecisionRequestChanges ReviewDecision = "request_changes"
)

// Finding is one reviewer-reported issue.
type Finding struct {
	Severity    string `json:"severity"`
	File        string `json:"file,omitempty"`
	Line        int    `json:"line,omitempty"`
	Description string `json:"description"`
	Fix         string `json:"fix,omitempty"`
}

// ReviewCycle is the per-phase review chain state.
type ReviewCycle struct {
	RunID         string       `json:"runId"`
	PhaseNumber   int          `json:"phaseNumber"`
	Chain         []string     `json:"chain"`
	ChainIndex    int          `json:"chainIndex"`
	Status        ReviewStatus `json:"status"`
	FixCount      int          `json:"fixCount"`
	MaxFixCount   int          `json:"maxFixCount"`
	LastFindings  []Finding    `json:"lastFindings,omitempty"`
	LastSummary   string       `json:"lastSummary,omitempty"`
	EscalationID  string       `json:"escalationId,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// CurrentReviewer returns the role tag of the reviewer the chain is
// currently waiting on, or "" if the chain is exhausted.
func (rc *ReviewCycle) CurrentReviewer() string {
	if rc.ChainIndex >= len(rc.Chain) {
		return ""
	}
	return rc.Chain[rc.ChainIndex]
}

// ReviewStore persists ReviewCycles, one JSON file per (runId, phaseNumber).
type ReviewStore struct {
	mu  sync.Mutex
	dir string
	esc *escalation.Store
}

// NewReviewStore creates a ReviewStore persisting under dir (typically
// dataRoot/reviews), creating Escalations via esc when a cycle exhausts its
// fix attempts.
func NewReviewStore(dir string, esc *escalation.Store) *ReviewStore {
	return &ReviewStore{dir: dir, esc: esc}
}

func (s *ReviewStore) path(runID string, phaseNumber int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s-phase-%d.json", runID, phaseNumber))
}

// StartChain begins a new ReviewCycle at the head of chain.
func (s *ReviewStore) StartChain(runID string, phaseNumber int, chain []string, maxFixCount int) (*ReviewCycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	rc := &ReviewCycle{
		RunID:       runID,
		PhaseNumber: phaseNumber,
		Chain:       chain,
		Status:      ReviewPending,
		MaxFixCount: maxFixCount,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := store.WriteJSONAtomic(s.path(runID, phaseNumber), rc); err != nil {
		return nil, err
	}
	cp := *rc
	return &cp, nil
}

// Get loads the ReviewCycle for (runID, phaseNumber).
func (s *ReviewStore) Get(runID string, phaseNumber int) (*ReviewCycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rc ReviewCycle
	if err := store.ReadJSON(s.path(runID, phaseNumber), &rc); err != nil {
		return nil, err
	}
	return &rc, nil
}

func (s *ReviewStore) save(rc *ReviewCycle) error {
	rc.UpdatedAt = time.Now()
	return store.WriteJSONAtomic(s.path(rc.RunID, rc.PhaseNumber), rc)
}

// Outcome tells the caller what to do next after applying a decision.
type Outcome string

const (
	OutcomeNextReviewer       Outcome = "next_reviewer"
	OutcomeMergeToMain        Outcome = "merge_to_main"
	OutcomeSpawnFixer         Outcome = "spawn_fixer"
	OutcomeNeedsClarification Outcome = "needs_clarification"
	OutcomeEscalated          Outcome = "escalated"
)

// ApplyReviewResult advances the ReviewCycle per the decision rules in spec
// §4.K's diagram and returns what the Phase Merger should do next.
func (s *ReviewStore) ApplyReviewResult(runID string, phaseNumber int, decision ReviewDecision, findings []Finding, summary string) (Outcome, *ReviewCycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rc ReviewCycle
	if err := store.ReadJSON(s.path(runID, phaseNumber), &rc); err != nil {
		return "", nil, err
	}
	rc.LastFindings = findings
	rc.LastSummary = summary

	var outcome Outcome
	switch decision {
	case DecisionApproved:
		rc.ChainIndex++
		if rc.ChainIndex >= len(rc.Chain) {
			rc.Status = ReviewMerged
			outcome = OutcomeMergeToMain
		} else {
			rc.Status = ReviewPending
			outcome = OutcomeNextReviewer
		}

	case DecisionRequestChanges:
		if len(findings) == 0 {
			rc.Status = ReviewNeedsClarification
			outcome = OutcomeNeedsClarification
		} else if rc.FixCount < rc.MaxFixCount {
			rc.FixCount++
			rc.Status = ReviewFixing
			outcome = OutcomeSpawnFixer
		} else {
			rc.Status = ReviewEscalated
			outcome = OutcomeEscalated
			if s.esc != nil {
				e, err := s.esc.Create(escalation.CreateInput{
					RunID:        runID,
					PhaseNumber:  phaseNumber,
					Reason:       "review chain exhausted fix attempts",
					AttemptCount: rc.FixCount,
					MaxAttempts:  rc.MaxFixCount,
				})
				if err == nil {
					rc.EscalationID = e.ID
				}
			}
		}

	default:
		return "", nil, fmt.Errorf("phase: unknown review decision %q", decision)
	}

	if err := s.save(&rc); err != nil {
		return "", nil, err
	}
	cp := rc
	return outcome, &cp, nil
}

// OnFixComplete transitions a cycle out of `fixing` back into the review
// queue so the current reviewer re-evaluates the phase branch.
func (s *ReviewStore) OnFixComplete(runID string, phaseNumber int) (*ReviewCycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rc ReviewCycle
	if err := store.ReadJSON(s.path(runID, phaseNumber), &rc); err != nil {
		return nil, err
	}
	rc.Status = ReviewPending
	if err := s.save(&rc); err != nil {
		return nil, err
	}
	cp := rc
	return &cp, nil
}
