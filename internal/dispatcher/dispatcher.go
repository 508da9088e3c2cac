// Package dispatcher implements the Worker Dispatcher (spec §4.I): the
// central scheduler that turns a set of ready tasks into spawned workers,
// deduplicating via the Task Registry, staggering gateway calls, and
// handing spawn failures to the Retry Controller.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/swarmops/orchestrator/internal/escalation"
	"github.com/swarmops/orchestrator/internal/event"
	"github.com/swarmops/orchestrator/internal/gateway"
	"github.com/swarmops/orchestrator/internal/ledger"
	"github.com/swarmops/orchestrator/internal/logging"
	"github.com/swarmops/orchestrator/internal/phase"
	"github.com/swarmops/orchestrator/internal/registry"
	"github.com/swarmops/orchestrator/internal/retry"
	"github.com/swarmops/orchestrator/internal/worktree"
)

const defaultSpawnDelay = 3000 * time.Millisecond

// ReadyTask is one task the caller wants dispatched. Model/Thinking are
// optional overrides, typically resolved from the role registry by the
// caller; left empty, the gateway applies its own defaults.
type ReadyTask struct {
	TaskID   string
	Role     string
	Title    string
	Model    string
	Thinking string
}

// DispatchInput bundles everything the Dispatcher needs for one dispatch pass.
type DispatchInput struct {
	Project     string
	RunID       string
	PhaseNumber int
	RepoDir     string
	BaseBranch  string
	WebhookBase string
	ReadyTasks  []ReadyTask
}

// SpawnedWorker records one successfully spawned worker.
type SpawnedWorker struct {
	WorkerID string
	TaskID   string
	Branch   string
	Path     string
}

// DispatchResult summarizes the outcome of one dispatch pass.
type DispatchResult struct {
	Spawned []SpawnedWorker
	Skipped []registry.Skip
}

// PromptAugmenter lets the caller inject role- or task-specific extra
// content into a worker's prompt (e.g. a web-design skill document for
// builder roles touching UI work) without the Dispatcher knowing the
// augmentation policy itself.
type PromptAugmenter interface {
	Augment(role, title, basePrompt string) string
}

// noopAugmenter returns the prompt unchanged.
type noopAugmenter struct{}

func (noopAugmenter) Augment(_, _, basePrompt string) string { return basePrompt }

// Dispatcher is the central scheduler described in spec §4.I.
type Dispatcher struct {
	worktrees     *worktree.Manager
	gatewayCli    *gateway.Client
	registry      *registry.Registry
	retryCtl      *retry.Controller
	escStore      *escalation.Store
	ledgerLog     *ledger.Ledger
	bus           *event.Bus
	logger        *logging.Logger
	augmenter     PromptAugmenter
	phases        *phase.Collector
	onPhaseFailed PhaseFailedFunc

	spawnDelay  time.Duration
	retryPolicy retry.Policy

	mu          sync.Mutex
	retryTimers map[string]*time.Timer // key: runId|taskId
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSpawnDelay overrides the default 3000ms stagger between spawns.
func WithSpawnDelay(d time.Duration) Option {
	return func(d2 *Dispatcher) { d2.spawnDelay = d }
}

// WithRetryPolicy overrides the default retry policy used for spawn failures.
func WithRetryPolicy(p retry.Policy) Option {
	return func(d *Dispatcher) { d.retryPolicy = p }
}

// WithLogger overrides the dispatcher's logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithPromptAugmenter injects a PromptAugmenter, e.g. one backed by
// gobwas/glob role/keyword matching.
func WithPromptAugmenter(a PromptAugmenter) Option {
	return func(d *Dispatcher) { d.augmenter = a }
}

// WithPhaseCollector lets the Dispatcher mark a worker failed in the Phase
// Collector when its retries are exhausted before it ever spawned, so the
// phase can still settle instead of waiting forever on a WorkerRunning
// record that no process will ever complete. Optional: nil skips this.
func WithPhaseCollector(p *phase.Collector) Option {
	return func(d *Dispatcher) { d.phases = p }
}

// PhaseFailedFunc reacts to a phase settling as failed purely from a spawn
// retry exhaustion, mirroring the orchestrator's own fail-phase handling of
// a worker-complete webhook reporting the same outcome.
type PhaseFailedFunc func(runID string, phaseNumber int)

// WithPhaseFailedHandler wires the callback the Dispatcher invokes when
// marking an exhausted worker failed settles its phase. Optional: nil
// leaves the phase's run-state untouched beyond the Phase Collector record.
func WithPhaseFailedHandler(fn PhaseFailedFunc) Option {
	return func(d *Dispatcher) { d.onPhaseFailed = fn }
}

// New creates a Dispatcher. All pointer dependencies must be non-nil;
// passing nil panics early to surface wiring bugs immediately, matching the
// fail-fast discipline of the component this package is descended from.
func New(wt *worktree.Manager, gw *gateway.Client, reg *registry.Registry, retryCtl *retry.Controller, esc *escalation.Store, led *ledger.Ledger, bus *event.Bus, opts ...Option) *Dispatcher {
	if wt == nil {
		panic("dispatcher: worktree.Manager must not be nil")
	}
	if gw == nil {
		panic("dispatcher: gateway.Client must not be nil")
	}
	if reg == nil {
		panic("dispatcher: registry.Registry must not be nil")
	}
	if retryCtl == nil {
		panic("dispatcher: retry.Controller must not be nil")
	}
	if esc == nil {
		panic("dispatcher: escalation.Store must not be nil")
	}
	if led == nil {
		panic("dispatcher: ledger.Ledger must not be nil")
	}
	if bus == nil {
		panic("dispatcher: event.Bus must not be nil")
	}

	d := &Dispatcher{
		worktrees:   wt,
		gatewayCli:  gw,
		registry:    reg,
		retryCtl:    retryCtl,
		escStore:    esc,
		ledgerLog:   led,
		bus:         bus,
		logger:      logging.Nop(),
		augmenter:   noopAugmenter{},
		spawnDelay:  defaultSpawnDelay,
		retryPolicy: retry.DefaultPolicy(),
		retryTimers: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func timerKey(runID, taskID string) string { return runID + "|" + taskID }

// cancelRetryTimer cancels any pending retry timer for (runID, taskID),
// enforcing the "at most one active retry timer per (runId, taskId)"
// invariant from spec §5.
func (d *Dispatcher) cancelRetryTimer(runID, taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := timerKey(runID, taskID)
	if t, ok := d.retryTimers[key]; ok {
		t.Stop()
		delete(d.retryTimers, key)
	}
}

func (d *Dispatcher) scheduleRetryTimer(ctx context.Context, runID, taskID string, delay time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := timerKey(runID, taskID)
	if t, ok := d.retryTimers[key]; ok {
		t.Stop()
	}
	d.retryTimers[key] = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.retryTimers, key)
		d.mu.Unlock()
		fn()
	})
}

// Dispatch runs one dispatch pass for in.ReadyTasks, implementing the
// algorithm in spec §4.I.
func (d *Dispatcher) Dispatch(ctx context.Context, in DispatchInput) (DispatchResult, error) {
	log := d.logger.WithRun(in.RunID).WithPhase(in.PhaseNumber)

	candidates := make([]registry.Candidate, 0, len(in.ReadyTasks))
	byTask := make(map[string]ReadyTask, len(in.ReadyTasks))
	for _, t := range in.ReadyTasks {
		candidates = append(candidates, registry.Candidate{Project: in.Project, TaskID: t.TaskID})
		byTask[t.TaskID] = t
	}

	spawnable, skipped, err := d.registry.FilterSpawnable(candidates)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("dispatcher: filter spawnable: %w", err)
	}
	for _, s := range skipped {
		log.Info("skipping task, already spawned", "task", s.TaskID, "reason", s.Reason)
	}

	result := DispatchResult{Skipped: skipped}

	for i, cand := range spawnable {
		task := byTask[cand.TaskID]
		stepOrder := retry.StepOrder(in.PhaseNumber, task.TaskID)

		state, found, err := d.retryCtl.GetState(in.RunID, stepOrder)
		if err == nil && found && state.Status == retry.StatusExhausted {
			workerID := fmt.Sprintf("%s-%s", task.Role, task.TaskID)
			d.ensureEscalation(in.RunID, in.PhaseNumber, workerID, task.TaskID, state)
			continue
		}
		// A task already backing off from a prior spawn failure has its own
		// scheduled retry timer (recordSpawnFailure); dispatching it again
		// here on an unrelated trigger (another task in the phase completing)
		// would race that timer and bypass the backoff delay entirely.
		if err == nil && found && state.Status == retry.StatusRetrying && state.NextRetryAt != nil && time.Now().Before(*state.NextRetryAt) {
			log.Info("skipping task, retry backoff still pending", "task", task.TaskID, "nextRetryAt", state.NextRetryAt)
			continue
		}

		if i > 0 {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(d.spawnDelay):
			}
		}

		spawned, spawnErr := d.spawnOne(ctx, in, task, stepOrder, log)
		if spawnErr != nil {
			log.Warn("spawn failed", "task", task.TaskID, "error", spawnErr)
			continue
		}
		if spawned != nil {
			result.Spawned = append(result.Spawned, *spawned)
		}
	}

	return result, nil
}

func (d *Dispatcher) ensureEscalation(runID string, phaseNumber int, workerID, taskID string, state *retry.State) {
	// FilterSpawnable keeps surfacing an exhausted task as a candidate (it
	// never registered, since it never spawned), so this runs again on
	// every unrelated Dispatch trigger for the run/phase. An existing open
	// escalation for taskID means the exhaustion was already recorded;
	// bail out before touching phase state or firing onPhaseFailed again.
	existing, _ := d.escStore.ByRun(runID)
	for _, e := range existing {
		if e.TaskID == taskID && e.Status == escalation.StatusOpen {
			return
		}
	}

	// A task whose retries are exhausted before ever spawning leaves its
	// phase WorkerRecord at WorkerRunning (InitPhase seeds it there up
	// front); without this, the phase can never settle since evaluate()
	// waits on every worker leaving WorkerRunning.
	if d.phases != nil {
		result, err := d.phases.OnWorkerComplete(runID, phaseNumber, workerID, phase.WorkerFailed, "", "retry policy exhausted")
		// A failed worker can never leave AllSucceeded true, so PhaseComplete
		// here always means the phase settled as failed.
		if err == nil && result.PhaseComplete && d.onPhaseFailed != nil {
			d.onPhaseFailed(runID, phaseNumber)
		}
	}

	created, err := d.escStore.Create(escalation.CreateInput{
		RunID:        runID,
		TaskID:       taskID,
		PhaseNumber:  phaseNumber,
		Reason:       "retry policy exhausted",
		AttemptCount: len(state.Attempts),
		MaxAttempts:  state.Policy.MaxAttempts,
	})
	if err != nil {
		return
	}
	d.bus.Publish(event.NewEscalationCreatedEvent(created.ID, created.RunID, string(created.Severity)))
}

func (d *Dispatcher) spawnOne(ctx context.Context, in DispatchInput, task ReadyTask, stepOrder int, log *logging.Logger) (*SpawnedWorker, error) {
	workerID := fmt.Sprintf("%s-%s", task.Role, task.TaskID)

	path := ""
	branch := worktree.WorkerBranch(in.RunID, workerID)
	created, wtErr := d.worktrees.CreateWorktree(ctx, in.RunID, workerID, in.BaseBranch)
	if wtErr != nil {
		log.Warn("worktree creation failed, falling back to shared repo dir", "worker", workerID, "error", wtErr)
		path = in.RepoDir
	} else {
		path = created.Path
		branch = created.Branch
	}

	canSpawn, err := d.registry.CheckAndRegister(registry.Entry{
		Project:     in.Project,
		TaskID:      task.TaskID,
		RunID:       in.RunID,
		PhaseNumber: in.PhaseNumber,
		WorkerID:    workerID,
		Branch:      branch,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatcher: register worker: %w", err)
	}
	if !canSpawn.CanSpawn {
		return nil, nil
	}

	webhookURL := fmt.Sprintf("%s/worker-complete?runId=%s&stepOrder=%d", in.WebhookBase, in.RunID, stepOrder)
	prompt := d.buildPrompt(in, task, workerID, path, branch, webhookURL)

	resp, err := d.gatewayCli.Spawn(ctx, gateway.SpawnRequest{
		Task:       prompt,
		Label:      workerID,
		Model:      task.Model,
		Thinking:   task.Thinking,
		Cleanup:    true,
		WebhookURL: webhookURL,
	})
	if err != nil {
		_ = d.registry.UpdateStatus(in.Project, task.TaskID, registry.StatusFailed, err.Error())
		d.recordSpawnFailure(ctx, in, task, stepOrder, err, log)
		return nil, err
	}

	_ = d.ledgerLog.AppendEvent(workerID, fmt.Sprintf("spawn runId=%s phase=%d task=%s branch=%s path=%s session=%s",
		in.RunID, in.PhaseNumber, task.TaskID, branch, path, resp.ChildSessionKey))
	d.bus.Publish(event.NewWorkerStartedEvent(in.RunID, workerID, task.TaskID, branch))

	return &SpawnedWorker{WorkerID: workerID, TaskID: task.TaskID, Branch: branch, Path: path}, nil
}

func (d *Dispatcher) buildPrompt(in DispatchInput, task ReadyTask, workerID, path, branch, webhookURL string) string {
	base := fmt.Sprintf("# Task: %s\n\nRole: %s\nTask ID: %s\nWorktree: %s\nBranch: %s\n\nWhen finished, report completion by POSTing to %s with {\"status\":\"completed\"|\"failed\", \"output\"?, \"error\"?}.\n",
		task.Title, task.Role, task.TaskID, path, branch, webhookURL)
	return d.augmenter.Augment(task.Role, task.Title, base)
}

func (d *Dispatcher) recordSpawnFailure(ctx context.Context, in DispatchInput, task ReadyTask, stepOrder int, spawnErr error, log *logging.Logger) {
	if _, err := d.retryCtl.InitState(in.RunID, stepOrder, d.retryPolicy); err != nil {
		log.Error("failed to init retry state", "task", task.TaskID, "error", err)
	}
	state, err := d.retryCtl.RecordAttempt(in.RunID, stepOrder, false, spawnErr.Error(), 0)
	if err != nil {
		log.Error("failed to record retry attempt", "task", task.TaskID, "error", err)
		return
	}

	if state.Status == retry.StatusExhausted {
		workerID := fmt.Sprintf("%s-%s", task.Role, task.TaskID)
		d.ensureEscalation(in.RunID, in.PhaseNumber, workerID, task.TaskID, state)
		return
	}

	if state.NextRetryAt == nil {
		return
	}
	delay := time.Until(*state.NextRetryAt)
	if delay < 0 {
		delay = 0
	}
	d.cancelRetryTimer(in.RunID, task.TaskID)
	// The retry fires well after this call returns (the webhook handler
	// that triggered it has long since responded), so it must not inherit
	// a context tied to that request; a request-scoped ctx here would be
	// cancelled by the time the timer fires, silently dropping the retry.
	d.scheduleRetryTimer(context.Background(), in.RunID, task.TaskID, delay, func() {
		if _, err := d.Dispatch(context.Background(), DispatchInput{
			Project: in.Project, RunID: in.RunID, PhaseNumber: in.PhaseNumber,
			RepoDir: in.RepoDir, BaseBranch: in.BaseBranch, WebhookBase: in.WebhookBase,
			ReadyTasks: []ReadyTask{task},
		}); err != nil {
			log.Error("retry dispatch failed", "task", task.TaskID, "error", err)
		}
	})
}

// OnWorkerSucceeded auto-resolves any open escalation for taskID, per spec
// §4.I's note that a later success resolves earlier escalations.
func (d *Dispatcher) OnWorkerSucceeded(runID, taskID string) {
	_, _ = d.escStore.ResolveByTaskId(runID, taskID)
}
