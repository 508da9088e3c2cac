// Package watcher implements the Phase Advancer / Watcher (spec §4.L): an
// event-driven Advancer entry point plus a polling loop that detects a
// project's phase-completion predicate has been satisfied and advances it,
// with a slower Progress Watchdog guarding against stalled phases.
package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/swarmops/orchestrator/internal/event"
	"github.com/swarmops/orchestrator/internal/logging"
)

// Phase is a project's position in the interview → spec → build → review →
// complete pipeline.
type Phase string

const (
	PhaseInterview Phase = "interview"
	PhaseSpec      Phase = "spec"
	PhaseBuild     Phase = "build"
	PhaseReview    Phase = "review"
	PhaseComplete  Phase = "complete"
)

func nextPhase(p Phase) Phase {
	switch p {
	case PhaseInterview:
		return PhaseSpec
	case PhaseSpec:
		return PhaseBuild
	case PhaseBuild:
		return PhaseReview
	case PhaseReview:
		return PhaseComplete
	default:
		return p
	}
}

const (
	defaultTickInterval  = 30 * time.Second
	defaultSpecCooldown  = 5 * time.Minute
	defaultBuildCooldown = 30 * time.Second

	defaultWatchdogInterval = 2 * time.Minute
	defaultInactivityLimit  = 10 * time.Minute
	defaultMaxWatchdogRetry = 3
)

// Project is the Watcher's view of one tracked project.
type Project struct {
	Name              string
	Dir               string
	Phase             Phase
	HasRunningWorkers bool
	HasReadyTasks     bool
}

// ProjectSource supplies the set of projects to examine on a tick.
type ProjectSource interface {
	ActiveProjects() ([]Project, error)
}

// Advancer performs the phase-specific work a detected transition or
// recovery re-dispatch requires (spawning the spec agent, re-invoking the
// Dispatcher, starting the next review chain).
type Advancer interface {
	OnPhaseAdvanced(ctx context.Context, project string, from, to Phase) error
	OnRedispatch(ctx context.Context, project string, phase Phase) error
}

// FileProbe reads the on-disk signals the completion predicates need. Kept
// as an interface so tests can fake it instead of writing real project
// files to a temp dir.
type FileProbe interface {
	InterviewComplete(dir string) (bool, error)
	ImplementationPlanExists(dir string) (bool, error)
	ProgressAnnotated(dir string) (bool, error)
	ProgressAllChecked(dir string) (all bool, nonEmpty bool, err error)
	LastActivity(dir string) (time.Time, error)
}

var (
	checkboxRe   = regexp.MustCompile(`(?m)^\s*[-*]\s*\[([ xX])\]`)
	annotationRe = regexp.MustCompile(`@id\(`)
)

// defaultProbe implements FileProbe against the real filesystem, reading
// interview.json, specs/IMPLEMENTATION_PLAN.md, and progress.md the way a
// project workspace actually lays them out.
type defaultProbe struct{}

func (defaultProbe) InterviewComplete(dir string) (bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, "interview.json"))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var doc struct {
		Complete bool `json:"complete"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return false, fmt.Errorf("watcher: parse interview.json: %w", err)
	}
	return doc.Complete, nil
}

func (defaultProbe) ImplementationPlanExists(dir string) (bool, error) {
	_, err := os.Stat(filepath.Join(dir, "specs", "IMPLEMENTATION_PLAN.md"))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func (defaultProbe) ProgressAnnotated(dir string) (bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, "progress.md"))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return annotationRe.Match(data), nil
}

func (defaultProbe) ProgressAllChecked(dir string) (bool, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, "progress.md"))
	if os.IsNotExist(err) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	matches := checkboxRe.FindAllSubmatch(data, -1)
	if len(matches) == 0 {
		return false, false, nil
	}
	for _, m := range matches {
		if m[1][0] == ' ' {
			return false, true, nil
		}
	}
	return true, true, nil
}

func (defaultProbe) LastActivity(dir string) (time.Time, error) {
	var latest time.Time
	for _, name := range []string{"progress.md", "activity.jsonl", "state.json"} {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return time.Time{}, err
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	if latest.IsZero() {
		return time.Time{}, fmt.Errorf("watcher: no tracked files found under %s", dir)
	}
	return latest, nil
}

// completionPredicate returns the phase-specific check from spec §4.L.1.
func completionPredicate(phase Phase) func(FileProbe, string) (bool, error) {
	switch phase {
	case PhaseInterview:
		return func(p FileProbe, dir string) (bool, error) { return p.InterviewComplete(dir) }
	case PhaseSpec:
		return func(p FileProbe, dir string) (bool, error) {
			planExists, err := p.ImplementationPlanExists(dir)
			if err != nil || !planExists {
				return false, err
			}
			return p.ProgressAnnotated(dir)
		}
	case PhaseBuild, PhaseReview:
		return func(p FileProbe, dir string) (bool, error) {
			all, nonEmpty, err := p.ProgressAllChecked(dir)
			if err != nil {
				return false, err
			}
			return all && nonEmpty, nil
		}
	default:
		return func(FileProbe, string) (bool, error) { return false, nil }
	}
}

// Watcher is the 30s poller described in spec §4.L.
type Watcher struct {
	source   ProjectSource
	probe    FileProbe
	advancer Advancer
	bus      *event.Bus
	logger   *logging.Logger

	tickInterval time.Duration
	cooldowns    map[Phase]time.Duration

	fsw       *fsnotify.Watcher
	watchedAt map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	lastTriggered map[string]time.Time
	started       bool
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithTickInterval overrides the default 30s poll interval.
func WithTickInterval(d time.Duration) Option {
	return func(w *Watcher) { w.tickInterval = d }
}

// WithCooldown overrides the per-phase re-trigger cooldown.
func WithCooldown(phase Phase, d time.Duration) Option {
	return func(w *Watcher) { w.cooldowns[phase] = d }
}

// WithFileProbe overrides the default filesystem-backed FileProbe, mainly
// for tests.
func WithFileProbe(p FileProbe) Option {
	return func(w *Watcher) { w.probe = p }
}

// WithLogger overrides the watcher's logger.
func WithLogger(l *logging.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// WithFSNotify enables an fsnotify-backed wake signal: watched project
// directories that change trigger an immediate tick instead of waiting out
// the full 30s interval. This only shortens latency; the tick itself and
// its cooldown bookkeeping are unchanged.
func WithFSNotify() Option {
	return func(w *Watcher) {
		fsw, err := fsnotify.NewWatcher()
		if err == nil {
			w.fsw = fsw
		}
	}
}

// New creates a Watcher. source, advancer, and bus must be non-nil.
func New(source ProjectSource, advancer Advancer, bus *event.Bus, opts ...Option) *Watcher {
	if source == nil {
		panic("watcher: ProjectSource must not be nil")
	}
	if advancer == nil {
		panic("watcher: Advancer must not be nil")
	}
	if bus == nil {
		panic("watcher: event.Bus must not be nil")
	}

	w := &Watcher{
		source:       source,
		advancer:     advancer,
		bus:          bus,
		probe:        defaultProbe{},
		logger:       logging.Nop(),
		tickInterval: defaultTickInterval,
		cooldowns: map[Phase]time.Duration{
			PhaseSpec:  defaultSpecCooldown,
			PhaseBuild: defaultBuildCooldown,
		},
		watchedAt:     make(map[string]bool),
		lastTriggered: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins the poll loop in a background goroutine and returns
// immediately. Call Stop to shut down.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return fmt.Errorf("watcher: already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	w.ctx = ctx
	w.cancel = cancel
	w.started = true

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop()
	}()

	return nil
}

// Stop cancels the poll loop and waits for it to exit. Safe to call
// multiple times.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.cancel()
	w.mu.Unlock()

	w.wg.Wait()

	if w.fsw != nil {
		_ = w.fsw.Close()
	}

	w.mu.Lock()
	w.started = false
	w.mu.Unlock()
}

func (w *Watcher) loop() {
	ticker := time.NewTicker(w.tickInterval)
	defer ticker.Stop()

	w.tick()

	var fsEvents <-chan fsnotify.Event
	if w.fsw != nil {
		fsEvents = w.fsw.Events
	}

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.tick()
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			_ = ev
			w.tick()
		}
	}
}

func (w *Watcher) tick() {
	projects, err := w.source.ActiveProjects()
	if err != nil {
		w.logger.Error("watcher: list active projects failed", "error", err)
		return
	}
	for _, proj := range projects {
		w.watchDir(proj.Dir)
		w.evaluateProject(proj)
	}
}

func (w *Watcher) watchDir(dir string) {
	if w.fsw == nil || dir == "" || w.watchedAt[dir] {
		return
	}
	if err := w.fsw.Add(dir); err == nil {
		w.watchedAt[dir] = true
	}
}

func (w *Watcher) evaluateProject(proj Project) {
	if proj.Phase == PhaseComplete {
		return
	}

	pred := completionPredicate(proj.Phase)
	done, err := pred(w.probe, proj.Dir)
	if err != nil {
		w.logger.Warn("watcher: completion predicate failed", "project", proj.Name, "phase", proj.Phase, "error", err)
		return
	}

	if done {
		if !w.tryTrigger(proj.Name, proj.Phase) {
			return
		}
		to := nextPhase(proj.Phase)
		if err := w.advancer.OnPhaseAdvanced(w.ctx, proj.Name, proj.Phase, to); err != nil {
			w.logger.Error("watcher: advance failed", "project", proj.Name, "phase", proj.Phase, "error", err)
			return
		}
		w.bus.Publish(event.NewProjectPhaseAdvancedEvent(proj.Name, string(proj.Phase), string(to)))
		return
	}

	if proj.Phase == PhaseBuild && !proj.HasRunningWorkers && proj.HasReadyTasks {
		if !w.tryTrigger(proj.Name, proj.Phase) {
			return
		}
		if err := w.advancer.OnRedispatch(w.ctx, proj.Name, proj.Phase); err != nil {
			w.logger.Error("watcher: recovery redispatch failed", "project", proj.Name, "error", err)
		}
	}
}

func triggerKey(project string, phase Phase) string { return project + "|" + string(phase) }

// tryTrigger reports whether (project, phase) is past its cooldown,
// recording the attempt if so.
func (w *Watcher) tryTrigger(project string, phase Phase) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := triggerKey(project, phase)
	cooldown := w.cooldowns[phase]
	if last, ok := w.lastTriggered[key]; ok && time.Since(last) < cooldown {
		return false
	}
	w.lastTriggered[key] = time.Now()
	return true
}

// -----------------------------------------------------------------------------
// Progress Watchdog
// -----------------------------------------------------------------------------

// WatchdogRedispatcher forces a Dispatcher re-invocation for a stalled
// project/phase.
type WatchdogRedispatcher interface {
	ForceRedispatch(ctx context.Context, project string, phase Phase) error
}

// EscalationCreator records an Escalation once watchdog retries are exhausted.
type EscalationCreator interface {
	CreateEscalation(project string, phase Phase, reason string) error
}

// Watchdog is the slower poller from spec §4.L that detects a stalled
// build/review phase via file mtimes and forces recovery, escalating once
// retries are exhausted.
type Watchdog struct {
	source      ProjectSource
	probe       FileProbe
	advancer    WatchdogRedispatcher
	escalations EscalationCreator
	bus         *event.Bus
	logger      *logging.Logger

	tickInterval        time.Duration
	inactivityThreshold time.Duration
	maxRetries          int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	retryCounts map[string]int
	started     bool
}

// WatchdogOption configures a Watchdog.
type WatchdogOption func(*Watchdog)

func WithWatchdogTickInterval(d time.Duration) WatchdogOption {
	return func(wd *Watchdog) { wd.tickInterval = d }
}

func WithInactivityThreshold(d time.Duration) WatchdogOption {
	return func(wd *Watchdog) { wd.inactivityThreshold = d }
}

func WithMaxWatchdogRetries(n int) WatchdogOption {
	return func(wd *Watchdog) { wd.maxRetries = n }
}

func WithWatchdogFileProbe(p FileProbe) WatchdogOption {
	return func(wd *Watchdog) { wd.probe = p }
}

func WithWatchdogLogger(l *logging.Logger) WatchdogOption {
	return func(wd *Watchdog) { wd.logger = l }
}

// WithEscalationCreator wires the store that CreateEscalation persists to.
// Optional: a nil EscalationCreator silently skips escalation creation.
func WithEscalationCreator(e EscalationCreator) WatchdogOption {
	return func(wd *Watchdog) { wd.escalations = e }
}

// NewWatchdog creates a Watchdog. source, advancer, and bus must be non-nil.
func NewWatchdog(source ProjectSource, advancer WatchdogRedispatcher, bus *event.Bus, opts ...WatchdogOption) *Watchdog {
	if source == nil {
		panic("watcher: ProjectSource must not be nil")
	}
	if advancer == nil {
		panic("watcher: WatchdogRedispatcher must not be nil")
	}
	if bus == nil {
		panic("watcher: event.Bus must not be nil")
	}

	wd := &Watchdog{
		source:              source,
		advancer:            advancer,
		bus:                 bus,
		probe:               defaultProbe{},
		logger:              logging.Nop(),
		tickInterval:        defaultWatchdogInterval,
		inactivityThreshold: defaultInactivityLimit,
		maxRetries:          defaultMaxWatchdogRetry,
		retryCounts:         make(map[string]int),
	}
	for _, opt := range opts {
		opt(wd)
	}
	return wd
}

// Start begins the watchdog's poll loop in the background.
func (wd *Watchdog) Start(ctx context.Context) error {
	wd.mu.Lock()
	defer wd.mu.Unlock()
	if wd.started {
		return fmt.Errorf("watchdog: already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	wd.ctx = ctx
	wd.cancel = cancel
	wd.started = true

	wd.wg.Add(1)
	go func() {
		defer wd.wg.Done()
		ticker := time.NewTicker(wd.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-wd.ctx.Done():
				return
			case <-ticker.C:
				wd.tick()
			}
		}
	}()

	return nil
}

// Stop cancels the watchdog's loop and waits for it to exit.
func (wd *Watchdog) Stop() {
	wd.mu.Lock()
	if !wd.started {
		wd.mu.Unlock()
		return
	}
	wd.cancel()
	wd.mu.Unlock()

	wd.wg.Wait()

	wd.mu.Lock()
	wd.started = false
	wd.mu.Unlock()
}

func (wd *Watchdog) tick() {
	projects, err := wd.source.ActiveProjects()
	if err != nil {
		wd.logger.Error("watchdog: list active projects failed", "error", err)
		return
	}
	for _, proj := range projects {
		wd.evaluateProject(proj)
	}
}

func (wd *Watchdog) evaluateProject(proj Project) {
	if proj.Phase != PhaseBuild && proj.Phase != PhaseReview {
		return
	}
	if !proj.HasRunningWorkers {
		return
	}

	last, err := wd.probe.LastActivity(proj.Dir)
	if err != nil {
		wd.logger.Warn("watchdog: last-activity check failed", "project", proj.Name, "error", err)
		return
	}

	key := triggerKey(proj.Name, proj.Phase)
	if time.Since(last) <= wd.inactivityThreshold {
		wd.mu.Lock()
		delete(wd.retryCounts, key)
		wd.mu.Unlock()
		return
	}

	wd.mu.Lock()
	wd.retryCounts[key]++
	count := wd.retryCounts[key]
	wd.mu.Unlock()

	if count > wd.maxRetries {
		if wd.escalations != nil {
			reason := fmt.Sprintf("no progress activity for over %s, watchdog retries exhausted", wd.inactivityThreshold)
			if err := wd.escalations.CreateEscalation(proj.Name, proj.Phase, reason); err != nil {
				wd.logger.Error("watchdog: escalation creation failed", "project", proj.Name, "error", err)
			}
		}
		return
	}

	wd.bus.Publish(event.NewWatchdogRetryEvent(proj.Name, string(proj.Phase), count))
	if err := wd.advancer.ForceRedispatch(wd.ctx, proj.Name, proj.Phase); err != nil {
		wd.logger.Error("watchdog: force redispatch failed", "project", proj.Name, "error", err)
	}
}
