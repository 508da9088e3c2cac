// Package ledger implements the append-only work ledger (spec §4.C): one
// JSONL file per UTC date, folded into an in-memory per-id cache on first
// access. Writes always append first, then mutate the cache, so a crash
// between the two leaves the persisted log as the source of truth for the
// next fold.
package ledger

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	swerrors "github.com/swarmops/orchestrator/internal/errors"
	"github.com/swarmops/orchestrator/internal/event"
	"github.com/swarmops/orchestrator/internal/store"
)

// RecordKind discriminates the four LedgerRecord variants (spec §3).
type RecordKind string

const (
	KindCreate RecordKind = "create"
	KindEvent  RecordKind = "event"
	KindStatus RecordKind = "status"
	KindUpdate RecordKind = "update"
)

// Status is a WorkItem's lifecycle state, guarded by the transition table
// in transitionAllowed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func isTerminal(s Status) bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

// Record is the on-disk representation of one ledger entry.
type Record struct {
	Kind      RecordKind      `json:"kind"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Item      *WorkItem       `json:"item,omitempty"`
	Event     string          `json:"event,omitempty"`
	Status    Status          `json:"status,omitempty"`
	Error     string          `json:"error,omitempty"`
	Partial   json.RawMessage `json:"partial,omitempty"`
}

// WorkItem is the in-memory projection folded from a chain of Records.
type WorkItem struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	RoleID      string            `json:"roleId,omitempty"`
	ParentID    string            `json:"parentId,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Status      Status            `json:"status"`
	Output      string            `json:"output,omitempty"`
	Error       string            `json:"error,omitempty"`
	Iterations  int               `json:"iterations"`
	Events      []string          `json:"events,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// ListFilter narrows List results.
type ListFilter struct {
	Date     string
	Status   Status
	Type     string
	RoleID   string
	ParentID string
	Tag      string
	Offset   int
	Limit    int
}

// Ledger is the append-only, per-date-sharded work log.
type Ledger struct {
	mu        sync.Mutex
	dir       string
	bus       *event.Bus
	cache     map[string]*WorkItem
	loadedDay map[string]bool
}

// New creates a Ledger rooted at dir (typically dataRoot/work). bus may be
// nil, in which case no events are published on mutation.
func New(dir string, bus *event.Bus) *Ledger {
	return &Ledger{
		dir:       dir,
		bus:       bus,
		cache:     make(map[string]*WorkItem),
		loadedDay: make(map[string]bool),
	}
}

func (l *Ledger) shardPath(day string) string {
	return filepath.Join(l.dir, day+".jsonl")
}

func dayOf(t time.Time) string { return t.UTC().Format("2006-01-02") }

// ensureLoaded folds shard for day into the cache, once.
func (l *Ledger) ensureLoaded(day string) error {
	if l.loadedDay[day] {
		return nil
	}
	err := store.ReadJSONLFold(l.shardPath(day), func(line []byte) error {
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		l.applyLocked(rec)
		return nil
	}, nil)
	if err != nil {
		return err
	}
	l.loadedDay[day] = true
	return nil
}

// ensureAllLoaded walks every shard file under dir; used by List without a
// date filter and by tests asserting full-history replay determinism.
func (l *Ledger) ensureAllLoaded() error {
	matches, err := filepath.Glob(filepath.Join(l.dir, "*.jsonl"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		day := filepath.Base(m)
		day = day[:len(day)-len(".jsonl")]
		if err := l.ensureLoaded(day); err != nil {
			return err
		}
	}
	return nil
}

// applyLocked folds one record into the cache. Caller must hold l.mu.
func (l *Ledger) applyLocked(rec Record) {
	switch rec.Kind {
	case KindCreate:
		if rec.Item != nil {
			item := *rec.Item
			l.cache[rec.ID] = &item
		}
	case KindEvent:
		if item, ok := l.cache[rec.ID]; ok {
			item.Events = append(item.Events, rec.Event)
		}
	case KindStatus:
		if item, ok := l.cache[rec.ID]; ok {
			item.Status = rec.Status
			if rec.Error != "" {
				item.Error = rec.Error
			}
			if rec.Status == StatusRunning && item.StartedAt == nil {
				ts := rec.Timestamp
				item.StartedAt = &ts
			}
			if isTerminal(rec.Status) && item.CompletedAt == nil {
				ts := rec.Timestamp
				item.CompletedAt = &ts
			}
		}
	case KindUpdate:
		if item, ok := l.cache[rec.ID]; ok && len(rec.Partial) > 0 {
			_ = json.Unmarshal(rec.Partial, item)
		}
	}
}

func (l *Ledger) append(rec Record) error {
	rec.Timestamp = time.Now().UTC()
	day := dayOf(rec.Timestamp)
	if err := store.AppendJSONL(l.shardPath(day), rec); err != nil {
		return err
	}
	l.applyLocked(rec)
	return nil
}

// Create adds a new WorkItem and records a `create` entry.
func (l *Ledger) Create(item WorkItem) (*WorkItem, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if item.ID == "" {
		return nil, fmt.Errorf("ledger: item id required")
	}
	if item.Status == "" {
		item.Status = StatusPending
	}
	item.CreatedAt = time.Now().UTC()
	cp := item
	if err := l.append(Record{Kind: KindCreate, ID: item.ID, Item: &cp}); err != nil {
		return nil, err
	}
	result := *l.cache[item.ID]
	return &result, nil
}

// Get returns a copy of the WorkItem for id. Before the lookup it folds
// every shard file under the ledger directory into the cache (each shard
// only once), so items from any day are found.
func (l *Ledger) Get(id string) (*WorkItem, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureAllLoaded(); err != nil {
		return nil, err
	}
	item, ok := l.cache[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *item
	return &cp, nil
}

// AppendEvent records a free-form event string for id.
func (l *Ledger) AppendEvent(id, ev string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.append(Record{Kind: KindEvent, ID: id, Event: ev})
}

// UpdateStatus transitions id to newStatus, enforcing the state machine in
// spec §4.C. Returns *errors.TransitionError for disallowed transitions.
func (l *Ledger) UpdateStatus(id string, newStatus Status, errMsg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureAllLoaded(); err != nil {
		return err
	}
	item, ok := l.cache[id]
	if !ok {
		return store.ErrNotFound
	}
	if !transitionAllowed(item.Status, newStatus) {
		return swerrors.NewTransitionError("work_item:"+id, string(item.Status), string(newStatus))
	}
	if err := l.append(Record{Kind: KindStatus, ID: id, Status: newStatus, Error: errMsg}); err != nil {
		return err
	}
	if l.bus != nil {
		l.bus.Publish(event.NewLedgerStatusChangedEvent(id, string(newStatus)))
	}
	return nil
}

func transitionAllowed(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusComplete || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}

// SetOutput records a partial update setting the item's output field.
func (l *Ledger) SetOutput(id, output string) error {
	return l.update(id, map[string]any{"output": output})
}

// IncrementIterations records a partial update bumping the iteration count.
func (l *Ledger) IncrementIterations(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureAllLoaded(); err != nil {
		return err
	}
	item, ok := l.cache[id]
	if !ok {
		return store.ErrNotFound
	}
	return l.update_locked(id, map[string]any{"iterations": item.Iterations + 1})
}

// Cancel transitions id to cancelled with an optional reason.
func (l *Ledger) Cancel(id, reason string) error {
	return l.UpdateStatus(id, StatusCancelled, reason)
}

func (l *Ledger) update(id string, partial map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureAllLoaded(); err != nil {
		return err
	}
	return l.update_locked(id, partial)
}

func (l *Ledger) update_locked(id string, partial map[string]any) error {
	if _, ok := l.cache[id]; !ok {
		return store.ErrNotFound
	}
	raw, err := json.Marshal(partial)
	if err != nil {
		return err
	}
	return l.append(Record{Kind: KindUpdate, ID: id, Partial: raw})
}

// List returns WorkItems matching filter, applying offset/limit after
// filtering, sorted by CreatedAt ascending for determinism.
func (l *Ledger) List(filter ListFilter) ([]*WorkItem, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if filter.Date != "" {
		if err := l.ensureLoaded(filter.Date); err != nil {
			return nil, err
		}
	} else {
		if err := l.ensureAllLoaded(); err != nil {
			return nil, err
		}
	}

	var all []*WorkItem
	for _, item := range l.cache {
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		if filter.Type != "" && item.Type != filter.Type {
			continue
		}
		if filter.RoleID != "" && item.RoleID != filter.RoleID {
			continue
		}
		if filter.ParentID != "" && item.ParentID != filter.ParentID {
			continue
		}
		if filter.Tag != "" && !containsTag(item.Tags, filter.Tag) {
			continue
		}
		if filter.Date != "" && dayOf(item.CreatedAt) != filter.Date {
			continue
		}
		cp := *item
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(all) {
			return nil, nil
		}
		all = all[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(all) {
		all = all[:filter.Limit]
	}
	return all, nil
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
