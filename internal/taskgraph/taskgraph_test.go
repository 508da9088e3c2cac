package taskgraph

import (
	"testing"

	"github.com/stretchr/testify/require"

	swerrors "github.com/swarmops/orchestrator/internal/errors"
)

const sampleDoc = `## Phase 1
- [ ] Write parser @id(p) @role(builder)
- [ ] Write tests @id(t) @depends(p) @role(builder)
- [ ] Review @id(r) @depends(t) @role(reviewer)

## Phase 2
- [ ] Ship it @id(s) @depends(r) @role(builder)
`

func TestParseBuildsGraphAndPhases(t *testing.T) {
	g, err := Parse(sampleDoc)
	require.NoError(t, err)
	require.Len(t, g.Tasks, 4)
	require.Len(t, g.Phases, 2)
	require.Equal(t, []string{"p", "t", "r"}, g.Phases[0].TaskIDs)
	require.Equal(t, []string{"s"}, g.Phases[1].TaskIDs)
	require.Equal(t, []string{"p"}, g.Tasks["t"].DependsOn)
	require.Equal(t, "builder", g.Tasks["p"].Role)
	require.Equal(t, "Write parser", g.Tasks["p"].Title)
}

func TestParseDetectsDuplicateID(t *testing.T) {
	doc := "- [ ] A @id(x)\n- [ ] B @id(x)\n"
	_, err := Parse(doc)
	require.Error(t, err)
	require.True(t, swerrors.Is(err, swerrors.ErrDuplicateId))
}

func TestParseDetectsUnknownDependency(t *testing.T) {
	doc := "- [ ] A @id(x) @depends(missing)\n"
	_, err := Parse(doc)
	require.Error(t, err)
	require.True(t, swerrors.Is(err, swerrors.ErrUnknownDependency))
}

func TestParseDetectsCycle(t *testing.T) {
	doc := "- [ ] A @id(x) @depends(y)\n- [ ] B @id(y) @depends(x)\n"
	_, err := Parse(doc)
	require.Error(t, err)
	require.True(t, swerrors.Is(err, swerrors.ErrCycle))
}

func TestIsReadyRespectsDependencies(t *testing.T) {
	g, err := Parse(sampleDoc)
	require.NoError(t, err)

	require.True(t, g.IsReady(g.Tasks["p"]))
	require.False(t, g.IsReady(g.Tasks["t"]))

	g.Tasks["p"].Done = true
	require.True(t, g.IsReady(g.Tasks["t"]))
}

func TestReadyTasksScopesToPhase(t *testing.T) {
	g, err := Parse(sampleDoc)
	require.NoError(t, err)
	ready := g.ReadyTasks(1)
	require.Len(t, ready, 1)
	require.Equal(t, "p", ready[0].ID)
	require.Empty(t, g.ReadyTasks(2))
}

func TestPhaseStatusTransitions(t *testing.T) {
	g, err := Parse(sampleDoc)
	require.NoError(t, err)
	require.Equal(t, PhaseDocRunning, g.PhaseStatus(1))
	require.Equal(t, PhaseDocBlocked, g.PhaseStatus(2))

	for _, id := range []string{"p", "t", "r"} {
		g.Tasks[id].Done = true
	}
	require.Equal(t, PhaseDocComplete, g.PhaseStatus(1))
	require.Equal(t, PhaseDocRunning, g.PhaseStatus(2))
}

func TestTopologicalOrderRespectsDependencies(t *testing.T) {
	g, err := Parse(sampleDoc)
	require.NoError(t, err)
	order := g.TopologicalOrder([]string{"r", "t", "p"})
	require.Equal(t, []string{"p", "t", "r"}, order)
}

func TestParseSkipsAnnotationLessChecklistLines(t *testing.T) {
	doc := "- [ ] just a note\n- [ ] Real task @id(a)\n"
	g, err := Parse(doc)
	require.NoError(t, err)
	require.Len(t, g.Tasks, 1)
}

func TestMarkDoneFlipsOnlyTargetCheckbox(t *testing.T) {
	out, err := MarkDone(sampleDoc, "t")
	require.NoError(t, err)

	g, err := Parse(out)
	require.NoError(t, err)
	require.True(t, g.Tasks["t"].Done)
	require.False(t, g.Tasks["p"].Done)
	require.False(t, g.Tasks["r"].Done)
	require.False(t, g.Tasks["s"].Done)
	require.Equal(t, "Write tests", g.Tasks["t"].Title)
}

func TestMarkDoneIsIdempotent(t *testing.T) {
	once, err := MarkDone(sampleDoc, "p")
	require.NoError(t, err)
	twice, err := MarkDone(once, "p")
	require.NoError(t, err)
	require.Equal(t, once, twice)
}

func TestMarkDoneRejectsUnknownID(t *testing.T) {
	_, err := MarkDone(sampleDoc, "nope")
	require.Error(t, err)
}

func TestMarkDonePreservesAnnotations(t *testing.T) {
	out, err := MarkDone(sampleDoc, "r")
	require.NoError(t, err)
	require.Contains(t, out, "- [x] Review @id(r) @depends(t) @role(reviewer)")
}
