package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmops/orchestrator/internal/escalation"
	"github.com/swarmops/orchestrator/internal/event"
	"github.com/swarmops/orchestrator/internal/gateway"
	"github.com/swarmops/orchestrator/internal/ledger"
	"github.com/swarmops/orchestrator/internal/phase"
	"github.com/swarmops/orchestrator/internal/registry"
	"github.com/swarmops/orchestrator/internal/retry"
	"github.com/swarmops/orchestrator/internal/testutil"
	"github.com/swarmops/orchestrator/internal/worktree"
)

type testDeps struct {
	dispatcher   *Dispatcher
	server       *httptest.Server
	spawnCalls   *int32count
	failNext     *bool32
	escStore     *escalation.Store
	regStore     *registry.Registry
	phases       *phase.Collector
	phaseFailed  *phaseFailedLog
	repoDir      string
}

// phaseFailedLog records every (runID, phaseNumber) the dispatcher reported
// as failed via WithPhaseFailedHandler, race-free for concurrent retries.
type phaseFailedLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *phaseFailedLog) record(runID string, phaseNumber int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf("%s#%d", runID, phaseNumber))
}

func (l *phaseFailedLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.calls...)
}

// int32count and bool32 give tests a cheap, race-free mutable counter/flag
// shared between the test goroutine and the httptest handler.
type int32count struct {
	mu sync.Mutex
	n  int
}

func (c *int32count) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *int32count) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type bool32 struct {
	mu sync.Mutex
	v  bool
}

func (b *bool32) set(v bool) {
	b.mu.Lock()
	b.v = v
	b.mu.Unlock()
}

func (b *bool32) get() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.v
}

func newTestDeps(t *testing.T) *testDeps {
	t.Helper()
	repoDir := testutil.SetupTestRepo(t)

	calls := &int32count{}
	shouldFail := &bool32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.inc()
		if shouldFail.get() {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("spawn rejected"))
			return
		}
		var req gateway.SpawnRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := gateway.SpawnResponse{OK: true, RunID: "run1", ChildSessionKey: "sess-" + req.Label, Verified: true}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)

	dir := t.TempDir()
	wt, err := worktree.New(repoDir, filepath.Join(dir, "worktrees"))
	require.NoError(t, err)
	gw := gateway.New(server.URL, "test-token")
	reg := registry.New(filepath.Join(dir, "task-registry.json"))
	retryCtl := retry.New(filepath.Join(dir, "retry-state.json"))
	escStore := escalation.New(filepath.Join(dir, "escalations.json"))
	led := ledger.New(filepath.Join(dir, "work"), nil)
	bus := event.NewBus()
	phases := phase.NewCollector(filepath.Join(dir, "phases"))
	failedLog := &phaseFailedLog{}

	d := New(wt, gw, reg, retryCtl, escStore, led, bus,
		WithSpawnDelay(time.Millisecond),
		WithPhaseCollector(phases),
		WithPhaseFailedHandler(failedLog.record))

	return &testDeps{
		dispatcher:  d,
		server:      server,
		spawnCalls:  calls,
		failNext:    shouldFail,
		escStore:    escStore,
		regStore:    reg,
		phases:      phases,
		phaseFailed: failedLog,
		repoDir:     repoDir,
	}
}

func TestDispatchSpawnsReadyTasks(t *testing.T) {
	deps := newTestDeps(t)

	var started []event.Event
	deps.dispatcher.bus.Subscribe("worker.started", func(e event.Event) { started = append(started, e) })

	result, err := deps.dispatcher.Dispatch(context.Background(), DispatchInput{
		Project:     "proj",
		RunID:       "run1",
		PhaseNumber: 1,
		RepoDir:     deps.repoDir,
		BaseBranch:  "main",
		WebhookBase: "http://gateway.example",
		ReadyTasks: []ReadyTask{
			{TaskID: "t1", Role: "builder", Title: "build the thing"},
		},
	})
	require.NoError(t, err)
	require.Len(t, result.Spawned, 1)
	require.Equal(t, "t1", result.Spawned[0].TaskID)
	require.Equal(t, 1, deps.spawnCalls.get())
	require.Len(t, started, 1)

	entry, ok, err := deps.regStore.Get("proj", "t1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, registry.StatusRunning, entry.Status)
}

func TestDispatchSkipsAlreadyRunningTask(t *testing.T) {
	deps := newTestDeps(t)

	require.NoError(t, deps.regStore.Register(registry.Entry{Project: "proj", TaskID: "t1"}))

	result, err := deps.dispatcher.Dispatch(context.Background(), DispatchInput{
		Project: "proj", RunID: "run1", PhaseNumber: 1, RepoDir: deps.repoDir, BaseBranch: "main",
		ReadyTasks: []ReadyTask{{TaskID: "t1", Role: "builder", Title: "build"}},
	})
	require.NoError(t, err)
	require.Empty(t, result.Spawned)
	require.Len(t, result.Skipped, 1)
	require.Equal(t, 0, deps.spawnCalls.get())
}

func TestDispatchStaggersMultipleSpawns(t *testing.T) {
	deps := newTestDeps(t)
	deps.dispatcher.spawnDelay = 20 * time.Millisecond

	start := time.Now()
	result, err := deps.dispatcher.Dispatch(context.Background(), DispatchInput{
		Project: "proj", RunID: "run1", PhaseNumber: 1, RepoDir: deps.repoDir, BaseBranch: "main",
		ReadyTasks: []ReadyTask{
			{TaskID: "t1", Role: "builder", Title: "a"},
			{TaskID: "t2", Role: "builder", Title: "b"},
		},
	})
	elapsed := time.Since(start)
	require.NoError(t, err)
	require.Len(t, result.Spawned, 2)
	require.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
}

func TestDispatchSkipsExhaustedTaskAndEnsuresEscalation(t *testing.T) {
	deps := newTestDeps(t)

	stepOrder := retry.StepOrder(1, "t1")
	policy := retry.Policy{MaxAttempts: 1, BaseDelayMs: 10, MaxDelayMs: 100, BackoffMultiplier: 2}
	_, err := deps.dispatcher.retryCtl.InitState("run1", stepOrder, policy)
	require.NoError(t, err)
	_, err = deps.dispatcher.retryCtl.RecordAttempt("run1", stepOrder, false, "boom", 0)
	require.NoError(t, err)

	result, err := deps.dispatcher.Dispatch(context.Background(), DispatchInput{
		Project: "proj", RunID: "run1", PhaseNumber: 1, RepoDir: deps.repoDir, BaseBranch: "main",
		ReadyTasks: []ReadyTask{{TaskID: "t1", Role: "builder", Title: "build"}},
	})
	require.NoError(t, err)
	require.Empty(t, result.Spawned)
	require.Equal(t, 0, deps.spawnCalls.get())

	open, err := deps.escStore.ListOpen()
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, "t1", open[0].TaskID)
}

func TestDispatchSkipsExhaustedTaskMarksPhaseWorkerFailed(t *testing.T) {
	deps := newTestDeps(t)

	_, err := deps.phases.InitPhase(phase.InitInput{
		RunID: "run1", PhaseNumber: 1, BaseBranch: "main",
		WorkerIDs: []string{"builder-t1"}, TaskIDs: []string{"t1"},
	})
	require.NoError(t, err)

	stepOrder := retry.StepOrder(1, "t1")
	policy := retry.Policy{MaxAttempts: 1, BaseDelayMs: 10, MaxDelayMs: 100, BackoffMultiplier: 2}
	_, err = deps.dispatcher.retryCtl.InitState("run1", stepOrder, policy)
	require.NoError(t, err)
	_, err = deps.dispatcher.retryCtl.RecordAttempt("run1", stepOrder, false, "boom", 0)
	require.NoError(t, err)

	_, err = deps.dispatcher.Dispatch(context.Background(), DispatchInput{
		Project: "proj", RunID: "run1", PhaseNumber: 1, RepoDir: deps.repoDir, BaseBranch: "main",
		ReadyTasks: []ReadyTask{{TaskID: "t1", Role: "builder", Title: "build"}},
	})
	require.NoError(t, err)

	st, err := deps.phases.Get("run1", 1)
	require.NoError(t, err)
	require.Equal(t, phase.WorkerFailed, st.Workers["builder-t1"].Status)

	require.Equal(t, []string{"run1#1"}, deps.phaseFailed.snapshot(),
		"the only worker in the phase failing permanently must settle the phase as failed")
}

func TestDispatchSkipsTaskStillInRetryBackoff(t *testing.T) {
	deps := newTestDeps(t)

	stepOrder := retry.StepOrder(1, "t1")
	policy := retry.Policy{MaxAttempts: 3, BaseDelayMs: 60000, MaxDelayMs: 120000, BackoffMultiplier: 2}
	_, err := deps.dispatcher.retryCtl.InitState("run1", stepOrder, policy)
	require.NoError(t, err)
	_, err = deps.dispatcher.retryCtl.RecordAttempt("run1", stepOrder, false, "boom", 0)
	require.NoError(t, err)

	state, found, err := deps.dispatcher.retryCtl.GetState("run1", stepOrder)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, retry.StatusRetrying, state.Status)
	require.NotNil(t, state.NextRetryAt)
	require.True(t, time.Now().Before(*state.NextRetryAt), "policy's base delay should push the next attempt well into the future")

	result, err := deps.dispatcher.Dispatch(context.Background(), DispatchInput{
		Project: "proj", RunID: "run1", PhaseNumber: 1, RepoDir: deps.repoDir, BaseBranch: "main",
		ReadyTasks: []ReadyTask{{TaskID: "t1", Role: "builder", Title: "build"}},
	})
	require.NoError(t, err)
	require.Empty(t, result.Spawned)
	require.Equal(t, 0, deps.spawnCalls.get(), "a task already backing off must not be spawned again on an unrelated dispatch trigger")
}

func TestSpawnFailureSchedulesRetryAndEventuallyExhausts(t *testing.T) {
	deps := newTestDeps(t)
	deps.dispatcher.retryPolicy = retry.Policy{MaxAttempts: 2, BaseDelayMs: 5, MaxDelayMs: 20, BackoffMultiplier: 2}
	deps.failNext.set(true)

	_, err := deps.dispatcher.Dispatch(context.Background(), DispatchInput{
		Project: "proj", RunID: "run1", PhaseNumber: 1, RepoDir: deps.repoDir, BaseBranch: "main",
		ReadyTasks: []ReadyTask{{TaskID: "t1", Role: "builder", Title: "build"}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, deps.spawnCalls.get())

	stepOrder := retry.StepOrder(1, "t1")
	state, found, err := deps.dispatcher.retryCtl.GetState("run1", stepOrder)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, retry.StatusRetrying, state.Status)

	// The gateway counts the second call before it responds; the attempt is
	// recorded and the escalation opened only after that response, so wait
	// for the escalation (the last step) rather than for the call count.
	require.Eventually(t, func() bool {
		if deps.spawnCalls.get() < 2 {
			return false
		}
		open, err := deps.escStore.ListOpen()
		return err == nil && len(open) > 0
	}, time.Second, 5*time.Millisecond)

	state, found, err = deps.dispatcher.retryCtl.GetState("run1", stepOrder)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, retry.StatusExhausted, state.Status)

	open, err := deps.escStore.ListOpen()
	require.NoError(t, err)
	require.Len(t, open, 1)
}

func TestOnWorkerSucceededResolvesOpenEscalation(t *testing.T) {
	deps := newTestDeps(t)
	_, err := deps.escStore.Create(escalation.CreateInput{
		RunID: "run1", TaskID: "t1", PhaseNumber: 1, Reason: "retry policy exhausted",
		AttemptCount: 3, MaxAttempts: 3,
	})
	require.NoError(t, err)

	deps.dispatcher.OnWorkerSucceeded("run1", "t1")

	open, err := deps.escStore.ListOpen()
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestDispatchFallsBackToSharedRepoDirOnWorktreeFailure(t *testing.T) {
	deps := newTestDeps(t)

	// Point the manager at a root that cannot be created to force a failure
	// inside CreateWorktree, triggering the shared-repo-dir fallback.
	deps.dispatcher.worktrees, _ = worktree.New(deps.repoDir, "/proc/nonexistent-swarmops-root")

	result, err := deps.dispatcher.Dispatch(context.Background(), DispatchInput{
		Project: "proj", RunID: "run1", PhaseNumber: 1, RepoDir: deps.repoDir, BaseBranch: "main",
		ReadyTasks: []ReadyTask{{TaskID: "t1", Role: "builder", Title: "build"}},
	})
	require.NoError(t, err)
	require.Len(t, result.Spawned, 1)
	require.Equal(t, deps.repoDir, result.Spawned[0].Path)
}
