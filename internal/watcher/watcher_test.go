package watcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmops/orchestrator/internal/event"
)

type fakeProbe struct {
	mu                sync.Mutex
	interviewComplete bool
	planExists        bool
	annotated         bool
	allChecked        bool
	nonEmpty          bool
	lastActivity      time.Time
	activityErr       error
}

func (f *fakeProbe) InterviewComplete(dir string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interviewComplete, nil
}
func (f *fakeProbe) ImplementationPlanExists(dir string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.planExists, nil
}
func (f *fakeProbe) ProgressAnnotated(dir string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.annotated, nil
}
func (f *fakeProbe) ProgressAllChecked(dir string) (bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allChecked, f.nonEmpty, nil
}
func (f *fakeProbe) LastActivity(dir string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activityErr != nil {
		return time.Time{}, f.activityErr
	}
	return f.lastActivity, nil
}

type fakeSource struct {
	mu       sync.Mutex
	projects []Project
}

func (s *fakeSource) ActiveProjects() ([]Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Project, len(s.projects))
	copy(out, s.projects)
	return out, nil
}

func (s *fakeSource) set(p Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects = []Project{p}
}

type fakeAdvancer struct {
	mu           sync.Mutex
	advanced     []string
	redispatched []string
}

func (a *fakeAdvancer) OnPhaseAdvanced(ctx context.Context, project string, from, to Phase) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.advanced = append(a.advanced, project+":"+string(from)+"->"+string(to))
	return nil
}

func (a *fakeAdvancer) OnRedispatch(ctx context.Context, project string, phase Phase) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.redispatched = append(a.redispatched, project+":"+string(phase))
	return nil
}

func (a *fakeAdvancer) snapshot() (advanced, redispatched []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string{}, a.advanced...), append([]string{}, a.redispatched...)
}

func TestCompletionPredicateInterviewToSpec(t *testing.T) {
	probe := &fakeProbe{interviewComplete: true}
	ok, err := completionPredicate(PhaseInterview)(probe, "/proj")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCompletionPredicateSpecRequiresPlanAndAnnotation(t *testing.T) {
	probe := &fakeProbe{planExists: true, annotated: false}
	ok, err := completionPredicate(PhaseSpec)(probe, "/proj")
	require.NoError(t, err)
	require.False(t, ok)

	probe.annotated = true
	ok, err = completionPredicate(PhaseSpec)(probe, "/proj")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCompletionPredicateBuildRequiresNonEmptyAllChecked(t *testing.T) {
	probe := &fakeProbe{allChecked: true, nonEmpty: false}
	ok, err := completionPredicate(PhaseBuild)(probe, "/proj")
	require.NoError(t, err)
	require.False(t, ok)

	probe.nonEmpty = true
	ok, err = completionPredicate(PhaseBuild)(probe, "/proj")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestWatcherAdvancesPhaseWhenPredicateSatisfied(t *testing.T) {
	source := &fakeSource{}
	source.set(Project{Name: "p1", Dir: "/proj", Phase: PhaseInterview})
	probe := &fakeProbe{interviewComplete: true}
	advancer := &fakeAdvancer{}
	bus := event.NewBus()

	var published []event.Event
	bus.Subscribe("project.phase_advanced", func(e event.Event) { published = append(published, e) })

	w := New(source, advancer, bus, WithFileProbe(probe), WithTickInterval(10*time.Millisecond))
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.Eventually(t, func() bool {
		advanced, _ := advancer.snapshot()
		return len(advanced) >= 1
	}, time.Second, 5*time.Millisecond)

	advanced, _ := advancer.snapshot()
	require.Equal(t, "p1:interview->spec", advanced[0])
	require.NotEmpty(t, published)
}

func TestWatcherCooldownPreventsRepeatedTrigger(t *testing.T) {
	source := &fakeSource{}
	source.set(Project{Name: "p1", Dir: "/proj", Phase: PhaseBuild, HasReadyTasks: true})
	probe := &fakeProbe{}
	advancer := &fakeAdvancer{}
	bus := event.NewBus()

	w := New(source, advancer, bus,
		WithFileProbe(probe),
		WithTickInterval(5*time.Millisecond),
		WithCooldown(PhaseBuild, time.Hour))
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.Eventually(t, func() bool {
		_, redispatched := advancer.snapshot()
		return len(redispatched) >= 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	_, redispatched := advancer.snapshot()
	require.Len(t, redispatched, 1, "cooldown should prevent a second redispatch within the hour window")
}

func TestWatcherRedispatchesBuildWithNoRunningWorkersButReadyTasks(t *testing.T) {
	source := &fakeSource{}
	source.set(Project{Name: "p1", Dir: "/proj", Phase: PhaseBuild, HasRunningWorkers: false, HasReadyTasks: true})
	probe := &fakeProbe{}
	advancer := &fakeAdvancer{}
	bus := event.NewBus()

	w := New(source, advancer, bus, WithFileProbe(probe), WithTickInterval(5*time.Millisecond))
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.Eventually(t, func() bool {
		_, redispatched := advancer.snapshot()
		return len(redispatched) >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestWatcherSkipsCompletePhase(t *testing.T) {
	source := &fakeSource{}
	source.set(Project{Name: "p1", Dir: "/proj", Phase: PhaseComplete})
	probe := &fakeProbe{}
	advancer := &fakeAdvancer{}
	bus := event.NewBus()

	w := New(source, advancer, bus, WithFileProbe(probe), WithTickInterval(5*time.Millisecond))
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	time.Sleep(50 * time.Millisecond)
	advanced, redispatched := advancer.snapshot()
	require.Empty(t, advanced)
	require.Empty(t, redispatched)
}

type fakeWatchdogAdvancer struct {
	mu    sync.Mutex
	calls []string
}

func (a *fakeWatchdogAdvancer) ForceRedispatch(ctx context.Context, project string, phase Phase) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, project+":"+string(phase))
	return nil
}

func (a *fakeWatchdogAdvancer) snapshot() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string{}, a.calls...)
}

type fakeEscalationCreator struct {
	mu      sync.Mutex
	created []string
}

func (e *fakeEscalationCreator) CreateEscalation(project string, phase Phase, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.created = append(e.created, project+":"+string(phase))
	return nil
}

func (e *fakeEscalationCreator) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string{}, e.created...)
}

func TestWatchdogTriggersRetryOnStalledProgress(t *testing.T) {
	source := &fakeSource{}
	source.set(Project{Name: "p1", Dir: "/proj", Phase: PhaseBuild, HasRunningWorkers: true})
	probe := &fakeProbe{lastActivity: time.Now().Add(-1 * time.Hour)}
	advancer := &fakeWatchdogAdvancer{}
	esc := &fakeEscalationCreator{}
	bus := event.NewBus()

	wd := NewWatchdog(source, advancer, bus,
		WithWatchdogFileProbe(probe),
		WithWatchdogTickInterval(5*time.Millisecond),
		WithInactivityThreshold(time.Minute),
		WithMaxWatchdogRetries(2),
		WithEscalationCreator(esc))
	require.NoError(t, wd.Start(context.Background()))
	defer wd.Stop()

	require.Eventually(t, func() bool {
		return len(advancer.snapshot()) >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestWatchdogEscalatesAfterMaxRetries(t *testing.T) {
	source := &fakeSource{}
	source.set(Project{Name: "p1", Dir: "/proj", Phase: PhaseBuild, HasRunningWorkers: true})
	probe := &fakeProbe{lastActivity: time.Now().Add(-1 * time.Hour)}
	advancer := &fakeWatchdogAdvancer{}
	esc := &fakeEscalationCreator{}
	bus := event.NewBus()

	wd := NewWatchdog(source, advancer, bus,
		WithWatchdogFileProbe(probe),
		WithWatchdogTickInterval(5*time.Millisecond),
		WithInactivityThreshold(time.Minute),
		WithMaxWatchdogRetries(1),
		WithEscalationCreator(esc))
	require.NoError(t, wd.Start(context.Background()))
	defer wd.Stop()

	require.Eventually(t, func() bool {
		return len(esc.snapshot()) >= 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWatchdogResetsRetryCountWhenActivityResumes(t *testing.T) {
	source := &fakeSource{}
	source.set(Project{Name: "p1", Dir: "/proj", Phase: PhaseBuild, HasRunningWorkers: true})
	probe := &fakeProbe{lastActivity: time.Now().Add(-1 * time.Hour)}
	advancer := &fakeWatchdogAdvancer{}
	bus := event.NewBus()

	wd := NewWatchdog(source, advancer, bus,
		WithWatchdogFileProbe(probe),
		WithWatchdogTickInterval(5*time.Millisecond),
		WithInactivityThreshold(time.Minute),
		WithMaxWatchdogRetries(5))
	require.NoError(t, wd.Start(context.Background()))
	defer wd.Stop()

	require.Eventually(t, func() bool {
		return len(advancer.snapshot()) >= 1
	}, time.Second, 5*time.Millisecond)

	probe.mu.Lock()
	probe.lastActivity = time.Now()
	probe.mu.Unlock()
	time.Sleep(50 * time.Millisecond)

	wd.mu.Lock()
	_, ok := wd.retryCounts[triggerKey("p1", PhaseBuild)]
	wd.mu.Unlock()
	require.False(t, ok, "retry count should reset once activity resumes")
}


func TestWatchdogIgnoresNonBuildReviewPhases(t *testing.T) {
	source := &fakeSource{}
	source.set(Project{Name: "p1", Dir: "/proj", Phase: PhaseSpec, HasRunningWorkers: true})
	probe := &fakeProbe{lastActivity: time.Now().Add(-1 * time.Hour)}
	advancer := &fakeWatchdogAdvancer{}
	bus := event.NewBus()

	wd := NewWatchdog(source, advancer, bus,
		WithWatchdogFileProbe(probe),
		WithWatchdogTickInterval(5*time.Millisecond),
		WithInactivityThreshold(time.Minute))
	require.NoError(t, wd.Start(context.Background()))
	defer wd.Stop()

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, advancer.snapshot())
}
