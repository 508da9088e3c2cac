// Package orchestrator wires every subsystem (task graph, dispatcher,
// worktree manager, phase collector, review chain, conflict resolver,
// retry controller, escalation store, ledger, run state, watcher) into the
// single entry point the HTTP API and CLI call into. It owns no business
// rule its own right beyond sequencing: dispatch a phase, collect its
// workers, merge their branches, run the review chain, advance or
// escalate.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/swarmops/orchestrator/internal/config"
	"github.com/swarmops/orchestrator/internal/conflict"
	"github.com/swarmops/orchestrator/internal/dispatcher"
	"github.com/swarmops/orchestrator/internal/escalation"
	"github.com/swarmops/orchestrator/internal/event"
	"github.com/swarmops/orchestrator/internal/gateway"
	"github.com/swarmops/orchestrator/internal/ledger"
	"github.com/swarmops/orchestrator/internal/logging"
	"github.com/swarmops/orchestrator/internal/notify"
	"github.com/swarmops/orchestrator/internal/phase"
	"github.com/swarmops/orchestrator/internal/registry"
	"github.com/swarmops/orchestrator/internal/retry"
	"github.com/swarmops/orchestrator/internal/role"
	"github.com/swarmops/orchestrator/internal/runstate"
	"github.com/swarmops/orchestrator/internal/store"
	"github.com/swarmops/orchestrator/internal/taskgraph"
	"github.com/swarmops/orchestrator/internal/watcher"
	"github.com/swarmops/orchestrator/internal/worktree"
)

const webDesignSkillDoc = `SKILL: web visuals
When touching UI, frontend, or layout code, favor accessible markup,
responsive layout, and existing design tokens over ad-hoc styling.`

// ProjectConfig registers one project the Orchestrator can dispatch work
// for. RepoDir is the git repository worktrees are cut from; Dir is the
// project's working directory, where progress.md and the SDLC probe files
// (interview.json, specs/, activity.jsonl) live.
type ProjectConfig struct {
	Name        string
	Dir         string
	RepoDir     string
	BaseBranch  string
	WebhookBase string
}

type projectRuntime struct {
	cfg        ProjectConfig
	worktrees  *worktree.Manager
	dispatcher *dispatcher.Dispatcher
}

type projectState struct {
	Phase watcher.Phase `json:"phase"`
	RunID string        `json:"runId,omitempty"`
}

// Orchestrator is the top-level wiring point for one swarmops instance.
type Orchestrator struct {
	cfg    *config.Config
	logger *logging.Logger

	bus         *event.Bus
	reg         *registry.Registry
	retryCtl    *retry.Controller
	escStore    *escalation.Store
	ledgerLog   *ledger.Ledger
	runStateMgr *runstate.Manager
	phases      *phase.Collector
	reviews     *phase.ReviewStore
	conflicts   *conflict.Detector
	gatewayCli  *gateway.Client
	roles       *role.Registry
	notifier    *notify.Notifier

	projectStateDir string

	mu       sync.Mutex
	projects map[string]*projectRuntime

	watcher  *watcher.Watcher
	watchdog *watcher.Watchdog
}

// New builds an Orchestrator from cfg, creating the on-disk state layout
// under cfg.Data.Root if it doesn't already exist.
func New(cfg *config.Config, logger *logging.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	dataRoot, err := config.ResolveDataPath(cfg.Data.Root)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: resolve data root: %w", err)
	}

	dirs := []string{"work", "runs", "phases", "reviews", "conflicts", "projects"}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(dataRoot, d), 0o755); err != nil {
			return nil, fmt.Errorf("orchestrator: create %s dir: %w", d, err)
		}
	}

	bus := event.NewBus()
	led := ledger.New(filepath.Join(dataRoot, "work"), bus)
	reg := registry.New(filepath.Join(dataRoot, "task-registry.json"))
	retryCtl := retry.New(filepath.Join(dataRoot, "retry-state.json"))
	escStore := escalation.New(filepath.Join(dataRoot, "escalations.json"))
	runStateMgr := runstate.New(filepath.Join(dataRoot, "runs"))
	phases := phase.NewCollector(filepath.Join(dataRoot, "phases"))
	reviews := phase.NewReviewStore(filepath.Join(dataRoot, "reviews"), escStore)
	conflicts := conflict.New(filepath.Join(dataRoot, "conflicts"))
	gatewayCli := gateway.New(cfg.Gateway.URL, cfg.Gateway.Token)
	roles := role.NewRegistry(filepath.Join(dataRoot, "roles.yaml"), filepath.Join(dataRoot, "pipelines.yaml"), 5*time.Second)

	o := &Orchestrator{
		cfg:             cfg,
		logger:          logger,
		bus:             bus,
		reg:             reg,
		retryCtl:        retryCtl,
		escStore:        escStore,
		ledgerLog:       led,
		runStateMgr:     runStateMgr,
		phases:          phases,
		reviews:         reviews,
		conflicts:       conflicts,
		gatewayCli:      gatewayCli,
		roles:           roles,
		projectStateDir: filepath.Join(dataRoot, "projects"),
		projects:        make(map[string]*projectRuntime),
	}

	if cfg.Notify.Enabled {
		ctx := context.Background()
		ghClient, err := notify.NewClient(ctx, cfg.Notify.Token)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: build github client: %w", err)
		}
		filer := notify.NewGitHubIssueFiler(ghClient)
		o.notifier = notify.New(filer, cfg.Notify.Owner, cfg.Notify.Repo, notify.WithLogger(logger))
		o.notifier.Subscribe(bus)
	}

	return o, nil
}

// RegisterProject makes a project dispatchable. Must be called before
// Orchestrate, StartRun, or any of the watcher adapter methods are invoked
// against pc.Name.
func (o *Orchestrator) RegisterProject(pc ProjectConfig) error {
	if pc.Name == "" || pc.Dir == "" || pc.RepoDir == "" {
		return fmt.Errorf("orchestrator: project config requires name, dir, and repoDir")
	}
	if pc.BaseBranch == "" {
		pc.BaseBranch = "main"
	}

	wt, err := worktree.New(pc.RepoDir, o.cfg.Data.WorktreeRoot)
	if err != nil {
		return fmt.Errorf("orchestrator: build worktree manager for %s: %w", pc.Name, err)
	}

	augmenter, err := dispatcher.NewWebDesignAugmenter(o.cfg.Dispatch.WebDesignKeywords, webDesignSkillDoc)
	if err != nil {
		return fmt.Errorf("orchestrator: compile web design patterns: %w", err)
	}

	disp := dispatcher.New(wt, o.gatewayCli, o.reg, o.retryCtl, o.escStore, o.ledgerLog, o.bus,
		dispatcher.WithSpawnDelay(time.Duration(o.cfg.Dispatch.SpawnDelayMs)*time.Millisecond),
		dispatcher.WithRetryPolicy(retry.Policy{
			MaxAttempts:       o.cfg.Retry.MaxAttempts,
			BaseDelayMs:       o.cfg.Retry.BaseDelayMs,
			MaxDelayMs:        o.cfg.Retry.MaxDelayMs,
			BackoffMultiplier: o.cfg.Retry.BackoffMultiplier,
		}),
		dispatcher.WithLogger(o.logger.With("project", pc.Name)),
		dispatcher.WithPromptAugmenter(augmenter),
		dispatcher.WithPhaseCollector(o.phases),
		dispatcher.WithPhaseFailedHandler(func(runID string, phaseNumber int) {
			_ = o.runStateMgr.UpdateStatus(runID, runstate.StatusFailed)
			o.bus.Publish(event.NewPhaseChangedEvent(runID, phaseNumber, string(runstate.StatusRunning), string(runstate.StatusFailed)))
		}),
	)

	pr := &projectRuntime{cfg: pc, worktrees: wt, dispatcher: disp}

	o.mu.Lock()
	o.projects[pc.Name] = pr
	o.mu.Unlock()

	if _, err := o.loadProjectState(pc.Name); err == store.ErrNotFound {
		if err := o.saveProjectState(pc.Name, projectState{Phase: watcher.PhaseInterview}); err != nil {
			return fmt.Errorf("orchestrator: init project state for %s: %w", pc.Name, err)
		}
	} else if err != nil {
		return fmt.Errorf("orchestrator: load project state for %s: %w", pc.Name, err)
	}

	return nil
}

func (o *Orchestrator) runtimeFor(project string) (*projectRuntime, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	pr, ok := o.projects[project]
	if !ok {
		return nil, fmt.Errorf("orchestrator: project %q is not registered", project)
	}
	return pr, nil
}

func (o *Orchestrator) projectStatePath(project string) string {
	return filepath.Join(o.projectStateDir, project+".json")
}

func (o *Orchestrator) loadProjectState(project string) (projectState, error) {
	var st projectState
	if err := store.ReadJSON(o.projectStatePath(project), &st); err != nil {
		return projectState{}, err
	}
	return st, nil
}

func (o *Orchestrator) saveProjectState(project string, st projectState) error {
	return store.WriteJSONAtomic(o.projectStatePath(project), st)
}

func (o *Orchestrator) setProjectPhase(project string, ph watcher.Phase) error {
	st, err := o.loadProjectState(project)
	if err != nil && err != store.ErrNotFound {
		return err
	}
	st.Phase = ph
	return o.saveProjectState(project, st)
}

func (o *Orchestrator) setProjectRun(project, runID string) error {
	st, err := o.loadProjectState(project)
	if err != nil && err != store.ErrNotFound {
		return err
	}
	st.RunID = runID
	return o.saveProjectState(project, st)
}

func (o *Orchestrator) loadGraph(pr *projectRuntime) (*taskgraph.Graph, error) {
	data, err := os.ReadFile(filepath.Join(pr.cfg.Dir, "progress.md"))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: read progress.md: %w", err)
	}
	return taskgraph.Parse(string(data))
}

func nextIncompletePhase(g *taskgraph.Graph, after int) (int, bool) {
	for _, p := range g.Phases {
		if p.Number <= after {
			continue
		}
		if g.PhaseStatus(p.Number) != taskgraph.PhaseDocComplete {
			return p.Number, true
		}
	}
	return 0, false
}

// resolveRoleTask fills Model/Thinking from the role registry when one is
// configured and a matching role exists; absent a match the task dispatches
// with the gateway's own defaults.
func (o *Orchestrator) resolveRoleTask(t dispatcher.ReadyTask) dispatcher.ReadyTask {
	if o.roles == nil {
		return t
	}
	r, ok, err := o.roles.Get(t.Role)
	if err != nil || !ok {
		return t
	}
	t.Model = r.Model
	t.Thinking = string(r.Thinking)
	return t
}

// StartRun creates a new run for project at its earliest incomplete phase
// and dispatches that phase's ready tasks.
func (o *Orchestrator) StartRun(ctx context.Context, project string) (*runstate.Run, error) {
	pr, err := o.runtimeFor(project)
	if err != nil {
		return nil, err
	}
	g, err := o.loadGraph(pr)
	if err != nil {
		return nil, err
	}
	phaseNumber, ok := nextIncompletePhase(g, 0)
	if !ok {
		return nil, fmt.Errorf("orchestrator: project %q has no incomplete phases", project)
	}

	runID := fmt.Sprintf("%s-%d", project, time.Now().UnixNano())
	run, err := o.runStateMgr.Create(runstate.Run{
		RunID:              runID,
		ProjectName:        project,
		ProjectDir:         pr.cfg.Dir,
		CurrentPhaseNumber: phaseNumber,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: create run: %w", err)
	}

	if err := o.setProjectRun(project, runID); err != nil {
		return nil, fmt.Errorf("orchestrator: persist project run: %w", err)
	}

	if _, err := o.dispatchPhase(ctx, pr, run, g, phaseNumber); err != nil {
		return run, err
	}
	return run, nil
}

// Orchestrate is the general-purpose entry point: it finds (or starts) the
// project's active run and dispatches its current phase's ready tasks.
// Registered callers use this for both the first kickoff and any manual
// re-poke of a project.
func (o *Orchestrator) Orchestrate(ctx context.Context, project string) (dispatcher.DispatchResult, error) {
	pr, err := o.runtimeFor(project)
	if err != nil {
		return dispatcher.DispatchResult{}, err
	}
	st, err := o.loadProjectState(project)
	if err != nil && err != store.ErrNotFound {
		return dispatcher.DispatchResult{}, err
	}
	if st.RunID == "" {
		run, err := o.StartRun(ctx, project)
		if err != nil {
			return dispatcher.DispatchResult{}, err
		}
		return dispatcher.DispatchResult{}, o.recordRunStarted(run)
	}

	run, err := o.runStateMgr.Get(st.RunID)
	if err != nil {
		return dispatcher.DispatchResult{}, fmt.Errorf("orchestrator: load run %s: %w", st.RunID, err)
	}
	g, err := o.loadGraph(pr)
	if err != nil {
		return dispatcher.DispatchResult{}, err
	}
	return o.dispatchPhase(ctx, pr, run, g, run.CurrentPhaseNumber)
}

func (o *Orchestrator) recordRunStarted(_ *runstate.Run) error { return nil }

func (o *Orchestrator) dispatchPhase(ctx context.Context, pr *projectRuntime, run *runstate.Run, g *taskgraph.Graph, phaseNumber int) (dispatcher.DispatchResult, error) {
	ready := g.ReadyTasks(phaseNumber)
	if len(ready) == 0 {
		return dispatcher.DispatchResult{}, nil
	}

	if _, err := o.phases.Get(run.RunID, phaseNumber); err == store.ErrNotFound {
		workerIDs := make([]string, 0, len(ready))
		taskIDs := make([]string, 0, len(ready))
		branches := make(map[string]string, len(ready))
		for _, t := range ready {
			workerID := fmt.Sprintf("%s-%s", t.Role, t.ID)
			workerIDs = append(workerIDs, workerID)
			taskIDs = append(taskIDs, t.ID)
			branches[workerID] = worktree.WorkerBranch(run.RunID, workerID)
		}
		if _, err := o.phases.InitPhase(phase.InitInput{
			RunID:       run.RunID,
			PhaseNumber: phaseNumber,
			RepoDir:     pr.cfg.RepoDir,
			BaseBranch:  pr.cfg.BaseBranch,
			ProjectPath: pr.cfg.Dir,
			ProjectName: pr.cfg.Name,
			WorkerIDs:   workerIDs,
			TaskIDs:     taskIDs,
			Branches:    branches,
		}); err != nil {
			return dispatcher.DispatchResult{}, fmt.Errorf("orchestrator: init phase state: %w", err)
		}
	} else if err != nil {
		return dispatcher.DispatchResult{}, fmt.Errorf("orchestrator: load phase state: %w", err)
	}

	readyTasks := make([]dispatcher.ReadyTask, 0, len(ready))
	for _, t := range ready {
		readyTasks = append(readyTasks, o.resolveRoleTask(dispatcher.ReadyTask{TaskID: t.ID, Role: t.Role, Title: t.Title}))
	}

	return pr.dispatcher.Dispatch(ctx, dispatcher.DispatchInput{
		Project:     pr.cfg.Name,
		RunID:       run.RunID,
		PhaseNumber: phaseNumber,
		RepoDir:     pr.cfg.RepoDir,
		BaseBranch:  pr.cfg.BaseBranch,
		WebhookBase: pr.cfg.WebhookBase,
		ReadyTasks:  readyTasks,
	})
}

func resolveWorker(state *phase.State, payload gateway.WorkerCompletePayload) (workerID, taskID string) {
	if payload.TaskID != "" {
		for id, w := range state.Workers {
			if w.TaskID == payload.TaskID {
				return id, w.TaskID
			}
		}
	}
	if payload.StepOrder != 0 {
		for id, w := range state.Workers {
			if retry.StepOrder(state.PhaseNumber, w.TaskID) == payload.StepOrder {
				return id, w.TaskID
			}
		}
	}
	return "", payload.TaskID
}

// HandleWorkerComplete processes the /worker-complete webhook: it records
// the worker's outcome against its phase, resolves or creates escalations,
// and, once the whole phase has settled, drives the merge and review flow.
// A conflict-resolver session also reports through this path; it is routed
// to the resolver flow instead whenever a conflict is still open for the
// run, since a resolver session has no phase-worker record of its own.
func (o *Orchestrator) HandleWorkerComplete(ctx context.Context, payload gateway.WorkerCompletePayload) error {
	if cctx, found, err := o.conflicts.Get(payload.RunID); err == nil && found && cctx.Status == conflict.StatusActive {
		if payload.Status == gateway.WebhookFailed {
			return o.failConflict(payload.RunID, payload.Error)
		}
		return o.HandleConflictResolved(ctx, payload.RunID)
	}

	run, err := o.runStateMgr.Get(payload.RunID)
	if err != nil {
		return fmt.Errorf("orchestrator: load run %s: %w", payload.RunID, err)
	}

	// Phase state stays on disk as completed/failed after settlement, so a
	// replayed webhook would otherwise re-evaluate as complete and re-enter
	// the merge/review path. Status leaving StatusRunning means this phase
	// is done; ignore stale traffic for it.
	if run.Status != runstate.StatusRunning {
		o.logger.WithRun(run.RunID).Warn("ignoring worker-complete webhook: phase already settled",
			"status", run.Status, "taskId", payload.TaskID, "workerStatus", payload.Status)
		return nil
	}
	phaseNumber := run.CurrentPhaseNumber

	state, err := o.phases.Get(payload.RunID, phaseNumber)
	if err != nil {
		return fmt.Errorf("orchestrator: load phase state: %w", err)
	}

	workerID, taskID := resolveWorker(state, payload)
	if workerID == "" {
		return fmt.Errorf("orchestrator: no worker matches payload (taskId=%s stepOrder=%d)", payload.TaskID, payload.StepOrder)
	}

	status := phase.WorkerCompleted
	if payload.Status == gateway.WebhookFailed {
		status = phase.WorkerFailed
	}

	result, err := o.phases.OnWorkerComplete(payload.RunID, phaseNumber, workerID, status, payload.Output, payload.Error)
	if err != nil {
		return fmt.Errorf("orchestrator: record worker completion: %w", err)
	}
	_ = o.ledgerLog.AppendEvent(workerID, fmt.Sprintf("complete status=%s", payload.Status))

	success := status == phase.WorkerCompleted
	regStatus := registry.StatusCompleted
	if !success {
		regStatus = registry.StatusFailed
	}
	_ = o.reg.UpdateStatus(run.ProjectName, taskID, regStatus, payload.Error)

	o.bus.Publish(event.NewWorkerCompletedEvent(payload.RunID, workerID, taskID, success, payload.Error))

	if pr, rtErr := o.runtimeFor(run.ProjectName); rtErr == nil {
		if success {
			pr.dispatcher.OnWorkerSucceeded(payload.RunID, taskID)
		} else {
			o.ensureTaskEscalation(payload.RunID, phaseNumber, taskID, payload.Error)
		}
	}

	if !result.PhaseComplete {
		return nil
	}

	if !result.AllSucceeded {
		_ = o.phases.FailPhase(payload.RunID, phaseNumber)
		_ = o.runStateMgr.UpdateStatus(payload.RunID, runstate.StatusFailed)
		o.bus.Publish(event.NewPhaseChangedEvent(payload.RunID, phaseNumber, string(runstate.StatusRunning), string(runstate.StatusFailed)))
		return nil
	}

	return o.completePhase(ctx, run, phaseNumber)
}

func (o *Orchestrator) ensureTaskEscalation(runID string, phaseNumber int, taskID, reason string) {
	existing, _ := o.escStore.ByRun(runID)
	for _, e := range existing {
		if e.TaskID == taskID && e.Status == escalation.StatusOpen {
			return
		}
	}
	created, err := o.escStore.Create(escalation.CreateInput{
		RunID:        runID,
		TaskID:       taskID,
		PhaseNumber:  phaseNumber,
		Reason:       reason,
		AttemptCount: 1,
		MaxAttempts:  1,
	})
	if err != nil {
		return
	}
	o.bus.Publish(event.NewEscalationCreatedEvent(created.ID, created.RunID, string(created.Severity)))
}

func (o *Orchestrator) completePhase(ctx context.Context, run *runstate.Run, phaseNumber int) error {
	pr, err := o.runtimeFor(run.ProjectName)
	if err != nil {
		return err
	}

	branches, err := o.phases.CollectPhaseBranches(ctx, pr.worktrees, run.RunID, phaseNumber)
	if err != nil {
		_ = o.runStateMgr.UpdateStatus(run.RunID, runstate.StatusFailed)
		return fmt.Errorf("orchestrator: collect phase branches: %w", err)
	}

	phaseBranch := worktree.PhaseBranch(run.RunID, phaseNumber)

	if len(branches) == 0 {
		_ = o.phases.CompletePhase(run.RunID, phaseNumber)
		return o.advancePastPhase(ctx, pr, run, phaseNumber)
	}

	exists, err := pr.worktrees.BranchExists(ctx, phaseBranch)
	if err != nil {
		_ = o.runStateMgr.UpdateStatus(run.RunID, runstate.StatusFailed)
		return fmt.Errorf("orchestrator: check phase branch %s: %w", phaseBranch, err)
	}
	if !exists {
		if err := pr.worktrees.CreateBranch(ctx, phaseBranch, pr.cfg.BaseBranch); err != nil {
			_ = o.runStateMgr.UpdateStatus(run.RunID, runstate.StatusFailed)
			return fmt.Errorf("orchestrator: create phase branch %s: %w", phaseBranch, err)
		}
	}

	_ = o.runStateMgr.UpdateStatus(run.RunID, runstate.StatusMerging)
	outcome, err := phase.MergeWorkerBranches(ctx, pr.worktrees, o.conflicts, run.RunID, phaseNumber, phaseBranch, pr.cfg.RepoDir, branches)
	if err != nil {
		_ = o.runStateMgr.UpdateStatus(run.RunID, runstate.StatusFailed)
		return fmt.Errorf("orchestrator: merge worker branches: %w", err)
	}
	if outcome.Conflict != nil {
		o.bus.Publish(event.NewConflictDetectedEvent(run.RunID, phaseNumber, outcome.Conflict.SourceBranch, outcome.Conflict.ConflictFiles))
		return nil
	}

	_ = o.phases.CompletePhase(run.RunID, phaseNumber)
	_ = o.runStateMgr.UpdateStatus(run.RunID, runstate.StatusReviewing)

	chain := append([]string{}, o.cfg.Dispatch.ReviewChain...)
	rc, err := o.reviews.StartChain(run.RunID, phaseNumber, chain, o.cfg.Review.MaxFixAttempts)
	if err != nil {
		return fmt.Errorf("orchestrator: start review chain: %w", err)
	}

	return o.dispatchReviewer(ctx, pr, run, phaseNumber, phaseBranch, rc.CurrentReviewer(), "")
}

func (o *Orchestrator) dispatchReviewer(ctx context.Context, pr *projectRuntime, run *runstate.Run, phaseNumber int, phaseBranch, reviewerRole, note string) error {
	if reviewerRole == "" {
		return nil
	}
	taskID := fmt.Sprintf("phase-%d-review-%s-%d", phaseNumber, reviewerRole, time.Now().UnixNano())
	title := fmt.Sprintf("Review phase %d branch %s", phaseNumber, phaseBranch)
	if note != "" {
		title = title + ": " + note
	}
	_, err := pr.dispatcher.Dispatch(ctx, dispatcher.DispatchInput{
		Project:     pr.cfg.Name,
		RunID:       run.RunID,
		PhaseNumber: phaseNumber,
		RepoDir:     pr.cfg.RepoDir,
		BaseBranch:  phaseBranch,
		WebhookBase: pr.cfg.WebhookBase,
		ReadyTasks:  []dispatcher.ReadyTask{o.resolveRoleTask(dispatcher.ReadyTask{TaskID: taskID, Role: reviewerRole, Title: title})},
	})
	return err
}

func (o *Orchestrator) dispatchFixer(ctx context.Context, pr *projectRuntime, run *runstate.Run, phaseNumber int, phaseBranch string, findings []phase.Finding, summary string) error {
	taskID := fmt.Sprintf("phase-%d-fix-%d", phaseNumber, time.Now().UnixNano())
	title := fmt.Sprintf("Fix findings on phase %d branch %s: %s", phaseNumber, phaseBranch, summary)
	_, err := pr.dispatcher.Dispatch(ctx, dispatcher.DispatchInput{
		Project:     pr.cfg.Name,
		RunID:       run.RunID,
		PhaseNumber: phaseNumber,
		RepoDir:     pr.cfg.RepoDir,
		BaseBranch:  phaseBranch,
		WebhookBase: pr.cfg.WebhookBase,
		ReadyTasks:  []dispatcher.ReadyTask{o.resolveRoleTask(dispatcher.ReadyTask{TaskID: taskID, Role: "fixer", Title: title})},
	})
	_ = findings
	return err
}

// HandleReviewResult processes the /review-result webhook: it advances the
// review cycle and, depending on outcome, dispatches the next reviewer,
// dispatches a fixer, merges the phase to the project's base branch, or
// leaves the run in its escalated/needs-clarification state for a human.
func (o *Orchestrator) HandleReviewResult(ctx context.Context, runID, reviewer string, decision phase.ReviewDecision, findings []phase.Finding, summary string) error {
	run, err := o.runStateMgr.Get(runID)
	if err != nil {
		return fmt.Errorf("orchestrator: load run %s: %w", runID, err)
	}
	phaseNumber := run.CurrentPhaseNumber
	pr, err := o.runtimeFor(run.ProjectName)
	if err != nil {
		return err
	}

	outcome, rc, err := o.reviews.ApplyReviewResult(runID, phaseNumber, decision, findings, summary)
	if err != nil {
		return fmt.Errorf("orchestrator: apply review result: %w", err)
	}
	o.bus.Publish(event.NewReviewDecisionEvent(runID, phaseNumber, reviewer, string(decision)))

	phaseBranch := worktree.PhaseBranch(runID, phaseNumber)

	switch outcome {
	case phase.OutcomeNextReviewer:
		return o.dispatchReviewer(ctx, pr, run, phaseNumber, phaseBranch, rc.CurrentReviewer(), "")
	case phase.OutcomeSpawnFixer:
		return o.dispatchFixer(ctx, pr, run, phaseNumber, phaseBranch, findings, summary)
	case phase.OutcomeNeedsClarification:
		o.logger.WithRun(runID).Warn("review needs human clarification", "phase", phaseNumber, "summary", summary)
		return nil
	case phase.OutcomeEscalated:
		if rc.EscalationID != "" {
			if esc, ok, _ := o.escStore.Get(rc.EscalationID); ok {
				o.bus.Publish(event.NewEscalationCreatedEvent(esc.ID, esc.RunID, string(esc.Severity)))
			}
		}
		_ = o.runStateMgr.UpdateStatus(runID, runstate.StatusFailed)
		return nil
	case phase.OutcomeMergeToMain:
		return o.mergePhaseToMain(ctx, pr, run, phaseNumber, phaseBranch)
	default:
		return fmt.Errorf("orchestrator: unknown review outcome %q", outcome)
	}
}

func (o *Orchestrator) mergePhaseToMain(ctx context.Context, pr *projectRuntime, run *runstate.Run, phaseNumber int, phaseBranch string) error {
	if err := pr.worktrees.CheckoutBranch(ctx, pr.cfg.BaseBranch); err != nil {
		return fmt.Errorf("orchestrator: checkout base branch: %w", err)
	}
	result, err := pr.worktrees.MergeBranch(ctx, phaseBranch, fmt.Sprintf("merge phase %d into %s", phaseNumber, pr.cfg.BaseBranch))
	if err != nil {
		return fmt.Errorf("orchestrator: merge phase branch to base: %w", err)
	}
	if !result.Success {
		if _, err := o.conflicts.HandleConflict(ctx, pr.worktrees, pr.cfg.BaseBranch, run.RunID, phaseNumber, pr.cfg.BaseBranch, phaseBranch, result.ConflictFiles, nil, pr.cfg.RepoDir); err != nil {
			return fmt.Errorf("orchestrator: open base-merge conflict: %w", err)
		}
		o.bus.Publish(event.NewConflictDetectedEvent(run.RunID, phaseNumber, phaseBranch, result.ConflictFiles))
		return nil
	}
	return o.advancePastPhase(ctx, pr, run, phaseNumber)
}

func (o *Orchestrator) advancePastPhase(ctx context.Context, pr *projectRuntime, run *runstate.Run, phaseNumber int) error {
	g, err := o.loadGraph(pr)
	if err != nil {
		return err
	}
	next, ok := nextIncompletePhase(g, phaseNumber)
	if !ok {
		if err := pr.worktrees.CleanupRunWorktrees(ctx, run.RunID); err != nil {
			o.logger.Warn("worktree cleanup failed", "run", run.RunID, "error", err)
		}
		return o.runStateMgr.UpdateStatus(run.RunID, runstate.StatusComplete)
	}
	if err := o.runStateMgr.AdvancePhase(run.RunID, next); err != nil {
		return fmt.Errorf("orchestrator: advance phase: %w", err)
	}
	// AdvancePhase only moves CurrentPhaseNumber; Status is still whatever
	// the finished phase left it at (reviewing/merging). Reset it to
	// running so HandleWorkerComplete's settled-phase guard doesn't treat
	// the new phase's worker traffic as a stale replay.
	if err := o.runStateMgr.UpdateStatus(run.RunID, runstate.StatusRunning); err != nil {
		return fmt.Errorf("orchestrator: reset status for next phase: %w", err)
	}
	updated, err := o.runStateMgr.Get(run.RunID)
	if err != nil {
		return err
	}
	_, err = o.dispatchPhase(ctx, pr, updated, g, next)
	return err
}

// HandleFixComplete processes the /fix-complete webhook: it returns the
// review cycle to pending and re-dispatches the current reviewer.
func (o *Orchestrator) HandleFixComplete(ctx context.Context, runID string) error {
	run, err := o.runStateMgr.Get(runID)
	if err != nil {
		return fmt.Errorf("orchestrator: load run %s: %w", runID, err)
	}
	phaseNumber := run.CurrentPhaseNumber
	pr, err := o.runtimeFor(run.ProjectName)
	if err != nil {
		return err
	}
	rc, err := o.reviews.OnFixComplete(runID, phaseNumber)
	if err != nil {
		return fmt.Errorf("orchestrator: apply fix complete: %w", err)
	}
	phaseBranch := worktree.PhaseBranch(runID, phaseNumber)
	return o.dispatchReviewer(ctx, pr, run, phaseNumber, phaseBranch, rc.CurrentReviewer(), "re-review after fix")
}

// HandleConflictResolved processes the conflict-resolution agent's
// completion: it resumes whichever merge sequence was interrupted, either
// the worker-branch merge loop or the single phase-to-base merge.
func (o *Orchestrator) HandleConflictResolved(ctx context.Context, runID string) error {
	cctx, ok, err := o.conflicts.Get(runID)
	if err != nil {
		return fmt.Errorf("orchestrator: load conflict context: %w", err)
	}
	if !ok {
		return fmt.Errorf("orchestrator: no open conflict for run %s", runID)
	}

	run, err := o.runStateMgr.Get(runID)
	if err != nil {
		return fmt.Errorf("orchestrator: load run %s: %w", runID, err)
	}
	pr, err := o.runtimeFor(run.ProjectName)
	if err != nil {
		return err
	}

	if err := o.conflicts.Complete(runID); err != nil {
		return fmt.Errorf("orchestrator: complete conflict context: %w", err)
	}

	if cctx.PhaseBranch == pr.cfg.BaseBranch {
		if err := pr.worktrees.CheckoutBranch(ctx, pr.cfg.BaseBranch); err != nil {
			return fmt.Errorf("orchestrator: checkout base branch: %w", err)
		}
		result, err := pr.worktrees.MergeBranch(ctx, cctx.SourceBranch, fmt.Sprintf("merge phase %d into %s (resolved)", cctx.PhaseNumber, pr.cfg.BaseBranch))
		if err != nil {
			return fmt.Errorf("orchestrator: resume base merge: %w", err)
		}
		if !result.Success {
			if _, err := o.conflicts.HandleConflict(ctx, pr.worktrees, pr.cfg.BaseBranch, runID, cctx.PhaseNumber, pr.cfg.BaseBranch, cctx.SourceBranch, result.ConflictFiles, nil, cctx.RepoDir); err != nil {
				return fmt.Errorf("orchestrator: reopen base-merge conflict: %w", err)
			}
			o.bus.Publish(event.NewConflictDetectedEvent(runID, cctx.PhaseNumber, cctx.SourceBranch, result.ConflictFiles))
			return nil
		}
		return o.advancePastPhase(ctx, pr, run, cctx.PhaseNumber)
	}

	outcome, err := phase.MergeWorkerBranches(ctx, pr.worktrees, o.conflicts, runID, cctx.PhaseNumber, cctx.PhaseBranch, cctx.RepoDir, cctx.RemainingBranches)
	if err != nil {
		return fmt.Errorf("orchestrator: resume worker branch merge: %w", err)
	}
	if outcome.Conflict != nil {
		o.bus.Publish(event.NewConflictDetectedEvent(runID, cctx.PhaseNumber, outcome.Conflict.SourceBranch, outcome.Conflict.ConflictFiles))
		return nil
	}

	_ = o.phases.CompletePhase(runID, cctx.PhaseNumber)
	_ = o.runStateMgr.UpdateStatus(runID, runstate.StatusReviewing)

	chain := append([]string{}, o.cfg.Dispatch.ReviewChain...)
	rc2, err := o.reviews.StartChain(runID, cctx.PhaseNumber, chain, o.cfg.Review.MaxFixAttempts)
	if err != nil {
		return fmt.Errorf("orchestrator: start review chain after conflict: %w", err)
	}
	return o.dispatchReviewer(ctx, pr, run, cctx.PhaseNumber, cctx.PhaseBranch, rc2.CurrentReviewer(), "")
}

func (o *Orchestrator) failConflict(runID, reason string) error {
	cctx, found, err := o.conflicts.Get(runID)
	if err != nil {
		return fmt.Errorf("orchestrator: load conflict context: %w", err)
	}
	if !found {
		return fmt.Errorf("orchestrator: no open conflict for run %s", runID)
	}
	if err := o.conflicts.Fail(runID); err != nil {
		return fmt.Errorf("orchestrator: mark conflict failed: %w", err)
	}
	if reason == "" {
		reason = "conflict resolver session failed"
	}
	created, err := o.escStore.Create(escalation.CreateInput{
		RunID:       runID,
		PhaseNumber: cctx.PhaseNumber,
		Reason:      reason,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: create conflict escalation: %w", err)
	}
	o.bus.Publish(event.NewEscalationCreatedEvent(created.ID, created.RunID, string(created.Severity)))
	return o.runStateMgr.UpdateStatus(runID, runstate.StatusFailed)
}

// HandleTaskComplete processes the /task-complete webhook: it marks the
// task done in the project's progress document and the Task Registry, then
// redispatches the current phase in case the newly-done task unblocked
// other ready tasks within it.
func (o *Orchestrator) HandleTaskComplete(ctx context.Context, runID, taskID string) error {
	run, err := o.runStateMgr.Get(runID)
	if err != nil {
		return fmt.Errorf("orchestrator: load run %s: %w", runID, err)
	}
	pr, err := o.runtimeFor(run.ProjectName)
	if err != nil {
		return err
	}

	path := filepath.Join(pr.cfg.Dir, "progress.md")
	var graph *taskgraph.Graph
	err = store.WithLock(path, func() error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read progress.md: %w", err)
		}
		updated, err := taskgraph.MarkDone(string(data), taskID)
		if err != nil {
			return fmt.Errorf("mark task done: %w", err)
		}
		if err := store.WriteFileAtomic(path, []byte(updated)); err != nil {
			return fmt.Errorf("write progress.md: %w", err)
		}
		graph, err = taskgraph.Parse(updated)
		return err
	})
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	_ = o.reg.UpdateStatus(run.ProjectName, taskID, registry.StatusCompleted, "")

	_, err = o.dispatchPhase(ctx, pr, run, graph, run.CurrentPhaseNumber)
	return err
}

// HandleSpecComplete processes the /spec-complete webhook: it advances a
// project from its spec phase to build, starting a run over the now-final
// task graph.
func (o *Orchestrator) HandleSpecComplete(ctx context.Context, project string) error {
	return o.OnPhaseAdvanced(ctx, project, watcher.PhaseSpec, watcher.PhaseBuild)
}

// Recover re-enters every non-terminal run on process start, redispatching
// each run's current phase. Spawn dedup in the Task Registry makes this
// idempotent against workers that were already spawned before a crash.
func (o *Orchestrator) Recover(ctx context.Context) error {
	active, err := o.runStateMgr.ActiveRuns()
	if err != nil {
		return fmt.Errorf("orchestrator: list active runs: %w", err)
	}
	for _, run := range active {
		pr, err := o.runtimeFor(run.ProjectName)
		if err != nil {
			o.logger.Warn("skipping recovery for unregistered project", "project", run.ProjectName, "run", run.RunID)
			continue
		}
		g, err := o.loadGraph(pr)
		if err != nil {
			o.logger.Error("recovery graph load failed", "run", run.RunID, "error", err)
			continue
		}
		if _, err := o.dispatchPhase(ctx, pr, run, g, run.CurrentPhaseNumber); err != nil {
			o.logger.Error("recovery dispatch failed", "run", run.RunID, "error", err)
		}
	}
	return nil
}

// ActiveProjects implements watcher.ProjectSource.
func (o *Orchestrator) ActiveProjects() ([]watcher.Project, error) {
	o.mu.Lock()
	runtimes := make([]*projectRuntime, 0, len(o.projects))
	for _, pr := range o.projects {
		runtimes = append(runtimes, pr)
	}
	o.mu.Unlock()

	out := make([]watcher.Project, 0, len(runtimes))
	for _, pr := range runtimes {
		st, err := o.loadProjectState(pr.cfg.Name)
		if err != nil {
			continue
		}
		proj := watcher.Project{Name: pr.cfg.Name, Dir: pr.cfg.Dir, Phase: st.Phase}

		if st.RunID != "" {
			if run, err := o.runStateMgr.Get(st.RunID); err == nil {
				if g, gerr := o.loadGraph(pr); gerr == nil {
					proj.HasReadyTasks = len(g.ReadyTasks(run.CurrentPhaseNumber)) > 0
				}
				if ps, perr := o.phases.Get(st.RunID, run.CurrentPhaseNumber); perr == nil {
					for _, w := range ps.Workers {
						if w.Status == phase.WorkerRunning {
							proj.HasRunningWorkers = true
							break
						}
					}
				}
			}
		}
		out = append(out, proj)
	}
	return out, nil
}

// OnPhaseAdvanced implements watcher.Advancer.
func (o *Orchestrator) OnPhaseAdvanced(ctx context.Context, project string, _, to watcher.Phase) error {
	if err := o.setProjectPhase(project, to); err != nil {
		return err
	}
	if to == watcher.PhaseBuild {
		_, err := o.StartRun(ctx, project)
		return err
	}
	return nil
}

// OnRedispatch implements watcher.Advancer.
func (o *Orchestrator) OnRedispatch(ctx context.Context, project string, _ watcher.Phase) error {
	return o.redispatch(ctx, project)
}

// ForceRedispatch implements watcher.WatchdogRedispatcher.
func (o *Orchestrator) ForceRedispatch(ctx context.Context, project string, _ watcher.Phase) error {
	return o.redispatch(ctx, project)
}

func (o *Orchestrator) redispatch(ctx context.Context, project string) error {
	st, err := o.loadProjectState(project)
	if err != nil {
		return err
	}
	if st.RunID == "" {
		return nil
	}
	run, err := o.runStateMgr.Get(st.RunID)
	if err != nil {
		return err
	}
	pr, err := o.runtimeFor(project)
	if err != nil {
		return err
	}
	g, err := o.loadGraph(pr)
	if err != nil {
		return err
	}
	_, err = o.dispatchPhase(ctx, pr, run, g, run.CurrentPhaseNumber)
	return err
}

// CreateEscalation implements watcher.EscalationCreator.
func (o *Orchestrator) CreateEscalation(project string, _ watcher.Phase, reason string) error {
	st, _ := o.loadProjectState(project)

	existing, _ := o.escStore.ByRun(st.RunID)
	for _, e := range existing {
		if e.TaskID == "" && e.Status == escalation.StatusOpen {
			return nil
		}
	}

	created, err := o.escStore.Create(escalation.CreateInput{
		RunID:  st.RunID,
		Reason: reason,
	})
	if err != nil {
		return err
	}
	o.bus.Publish(event.NewEscalationCreatedEvent(created.ID, created.RunID, string(created.Severity)))
	return nil
}

// Bus exposes the shared event bus for HTTP/CLI layers that want to
// subscribe to orchestrator activity directly.
func (o *Orchestrator) Bus() *event.Bus { return o.bus }

// Escalations exposes the escalation store for read-only status surfaces.
func (o *Orchestrator) Escalations() *escalation.Store { return o.escStore }

// Runs exposes the run state manager for read-only status surfaces.
func (o *Orchestrator) Runs() *runstate.Manager { return o.runStateMgr }

// Reviews exposes the review chain store so the webhook layer can derive
// the current reviewer for a run/phase when a request omits it.
func (o *Orchestrator) Reviews() *phase.ReviewStore { return o.reviews }

// ProjectForRun returns the project name the given run belongs to, by
// scanning persisted project state.
func (o *Orchestrator) ProjectForRun(runID string) (string, bool) {
	entries, err := os.ReadDir(o.projectStateDir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		project := strings.TrimSuffix(e.Name(), ".json")
		st, err := o.loadProjectState(project)
		if err != nil {
			continue
		}
		if st.RunID == runID {
			return project, true
		}
	}
	return "", false
}

// Start launches the background Watcher and Watchdog loops.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.watcher = watcher.New(o, o, o.bus,
		watcher.WithTickInterval(o.cfg.Watcher.TickInterval),
		watcher.WithCooldown(watcher.PhaseBuild, o.cfg.Watcher.BuildCooldown),
		watcher.WithCooldown(watcher.PhaseSpec, o.cfg.Watcher.SpecCooldown),
		watcher.WithLogger(o.logger),
	)
	if err := o.watcher.Start(ctx); err != nil {
		return fmt.Errorf("orchestrator: start watcher: %w", err)
	}

	o.watchdog = watcher.NewWatchdog(o, o, o.bus,
		watcher.WithWatchdogTickInterval(o.cfg.Watcher.WatchdogInterval),
		watcher.WithInactivityThreshold(o.cfg.Watcher.WatchdogInactivity),
		watcher.WithMaxWatchdogRetries(o.cfg.Watcher.WatchdogMaxRetries),
		watcher.WithEscalationCreator(o),
		watcher.WithWatchdogLogger(o.logger),
	)
	if err := o.watchdog.Start(ctx); err != nil {
		o.watcher.Stop()
		return fmt.Errorf("orchestrator: start watchdog: %w", err)
	}
	return nil
}

// Stop halts the background Watcher and Watchdog loops.
func (o *Orchestrator) Stop() {
	if o.watchdog != nil {
		o.watchdog.Stop()
	}
	if o.watcher != nil {
		o.watcher.Stop()
	}
}
