// Package retry implements the Retry Controller (spec §4.E): per
// (runId, stepOrder) attempt history with exponential backoff and jitter.
// It only computes and records state; the Dispatcher owns the actual
// timer loop.
package retry

import (
	"hash/fnv"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/swarmops/orchestrator/internal/store"
)

// Policy configures backoff. Defaults match spec §4.E.
type Policy struct {
	MaxAttempts       int
	BaseDelayMs       int
	MaxDelayMs        int
	BackoffMultiplier int
}

// DefaultPolicy returns spec.md's default retry policy.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelayMs: 5000, MaxDelayMs: 60000, BackoffMultiplier: 2}
}

// Status is a RetryState's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRetrying  Status = "retrying"
	StatusExhausted Status = "exhausted"
	StatusSucceeded Status = "succeeded"
)

// Attempt records one spawn attempt.
type Attempt struct {
	Timestamp  time.Time `json:"timestamp"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"durationMs,omitempty"`
	Success    bool      `json:"success"`
}

// State is the per-(runId, stepOrder) attempt history.
type State struct {
	RunID       string     `json:"runId"`
	StepOrder   int        `json:"stepOrder"`
	Policy      Policy     `json:"policy"`
	Attempts    []Attempt  `json:"attempts"`
	Status      Status     `json:"status"`
	NextRetryAt *time.Time `json:"nextRetryAt,omitempty"`
}

// StepOrder computes the partition key used by spec §4.E / GLOSSARY:
// phaseNumber*100000 + hash(taskId) mod 100000.
func StepOrder(phaseNumber int, taskID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(taskID))
	return phaseNumber*100000 + int(h.Sum32()%100000)
}

// Controller persists RetryState in a single JSON file plus an in-memory map.
type Controller struct {
	mu     sync.Mutex
	path   string
	states map[string]*State
	loaded bool
	rand   *rand.Rand
	now    func() time.Time
}

// New creates a Controller backed by path (typically dataRoot/retry-state.json).
func New(path string) *Controller {
	return &Controller{
		path:   path,
		states: make(map[string]*State),
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
		now:    time.Now,
	}
}

func key(runID string, stepOrder int) string {
	return runID + "\x00" + strconv.Itoa(stepOrder)
}

func (c *Controller) ensureLoaded() error {
	if c.loaded {
		return nil
	}
	var persisted struct {
		States map[string]*State `json:"states"`
	}
	err := store.ReadJSON(c.path, &persisted)
	if err != nil && err != store.ErrNotFound {
		return err
	}
	if persisted.States != nil {
		c.states = persisted.States
	}
	c.loaded = true
	return nil
}

func (c *Controller) saveLocked() error {
	return store.WriteJSONAtomic(c.path, struct {
		States map[string]*State `json:"states"`
	}{States: c.states})
}

// InitState creates an entry if absent and returns a copy of the current state.
func (c *Controller) InitState(runID string, stepOrder int, policy Policy) (*State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoaded(); err != nil {
		return nil, err
	}
	k := key(runID, stepOrder)
	if s, ok := c.states[k]; ok {
		cp := *s
		return &cp, nil
	}
	s := &State{RunID: runID, StepOrder: stepOrder, Policy: policy, Status: StatusPending}
	c.states[k] = s
	if err := c.saveLocked(); err != nil {
		return nil, err
	}
	cp := *s
	return &cp, nil
}

// GetState returns a copy of the state for (runID, stepOrder), if any.
func (c *Controller) GetState(runID string, stepOrder int) (*State, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoaded(); err != nil {
		return nil, false, err
	}
	s, ok := c.states[key(runID, stepOrder)]
	if !ok {
		return nil, false, nil
	}
	cp := *s
	return &cp, true, nil
}

// RecordAttempt appends an attempt and advances Status/NextRetryAt per the
// formula in spec §4.E: delay = min(maxDelay, base*mult^attempt + jitter),
// jitter = ±10% uniformly.
func (c *Controller) RecordAttempt(runID string, stepOrder int, success bool, errMsg string, durationMs int64) (*State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoaded(); err != nil {
		return nil, err
	}
	k := key(runID, stepOrder)
	s, ok := c.states[k]
	if !ok {
		s = &State{RunID: runID, StepOrder: stepOrder, Policy: DefaultPolicy(), Status: StatusPending}
		c.states[k] = s
	}

	s.Attempts = append(s.Attempts, Attempt{Timestamp: c.now(), Error: errMsg, DurationMs: durationMs, Success: success})

	if success {
		s.Status = StatusSucceeded
		s.NextRetryAt = nil
	} else if len(s.Attempts) >= s.Policy.MaxAttempts {
		s.Status = StatusExhausted
		s.NextRetryAt = nil
	} else {
		s.Status = StatusRetrying
		delay := c.computeDelay(s.Policy, len(s.Attempts))
		next := c.now().Add(delay)
		s.NextRetryAt = &next
	}

	if err := c.saveLocked(); err != nil {
		return nil, err
	}
	cp := *s
	return &cp, nil
}

// computeDelay implements the formula in spec §4.E for the given attempt
// count (1-indexed, i.e. the count already including the failed attempt
// just recorded).
func (c *Controller) computeDelay(p Policy, attemptCount int) time.Duration {
	base := float64(p.BaseDelayMs)
	mult := float64(p.BackoffMultiplier)
	exp := base
	for i := 1; i < attemptCount; i++ {
		exp *= mult
	}
	jitterFrac := (c.rand.Float64()*2 - 1) * 0.1 // uniform in [-0.1, 0.1]
	delayMs := exp + exp*jitterFrac
	if delayMs > float64(p.MaxDelayMs) {
		delayMs = float64(p.MaxDelayMs)
	}
	if delayMs < 0 {
		delayMs = 0
	}
	return time.Duration(delayMs) * time.Millisecond
}

// ClearState removes the entry for (runID, stepOrder), used when a retried
// step eventually succeeds and the caller wants no trace left behind.
func (c *Controller) ClearState(runID string, stepOrder int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoaded(); err != nil {
		return err
	}
	delete(c.states, key(runID, stepOrder))
	return c.saveLocked()
}
