// Package taskgraph parses a project's progress document into a task DAG
// and an ordered phase list, and derives readiness from completion state.
// It never mutates the document; callers rewrite it through the Durable
// Store when a task is marked done.
package taskgraph

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	swerrors "github.com/swarmops/orchestrator/internal/errors"
)

// Task is one `- [ ]`/`- [x]` line in the progress document.
type Task struct {
	ID        string
	Title     string
	Done      bool
	Role      string
	DependsOn []string
	Phase     int
	Line      int
}

// PhaseStatus mirrors the derived (not persisted) status of a phase as
// seen purely from the document: it says nothing about worker dispatch.
type PhaseStatus string

const (
	PhaseDocPending  PhaseStatus = "pending"
	PhaseDocRunning  PhaseStatus = "running"
	PhaseDocBlocked  PhaseStatus = "blocked"
	PhaseDocComplete PhaseStatus = "completed"
)

// Phase is an ordered group of tasks, either from a `## Phase N:` header or
// the degenerate single phase covering the whole document.
type Phase struct {
	Number int
	Name   string
	TaskIDs []string
}

// Graph is the parsed result: tasks keyed by id, and phases in document order.
type Graph struct {
	Tasks  map[string]*Task
	Phases []*Phase
}

var (
	taskLineRe  = regexp.MustCompile(`^\s*-\s*\[([ xX])\]\s*(.*)$`)
	idAnnRe     = regexp.MustCompile(`@id\(([^)]+)\)`)
	dependsAnnRe = regexp.MustCompile(`@depends\(([^)]*)\)`)
	roleAnnRe   = regexp.MustCompile(`@role\(([^)]+)\)`)
	phaseHeaderRe = regexp.MustCompile(`(?i)^\s*#{1,3}\s*Phase\s+(\d+)\s*:?\s*(.*)$`)
	annotationRe = regexp.MustCompile(`@(?:id|depends|role)\([^)]*\)`)
	checkboxRe  = regexp.MustCompile(`\[([ xX])\]`)
)

// Parse parses text into a Graph. It fails with a *errors.ParseError
// wrapping ErrCycle, ErrUnknownDependency, or ErrDuplicateId.
func Parse(text string) (*Graph, error) {
	g := &Graph{Tasks: make(map[string]*Task)}

	currentPhase := &Phase{Number: 1, Name: ""}
	g.Phases = append(g.Phases, currentPhase)

	lines := strings.Split(text, "\n")
	for i, raw := range lines {
		lineNo := i + 1

		if m := phaseHeaderRe.FindStringSubmatch(raw); m != nil {
			num := 0
			fmt.Sscanf(m[1], "%d", &num)
			currentPhase = &Phase{Number: num, Name: strings.TrimSpace(m[2])}
			g.Phases = append(g.Phases, currentPhase)
			continue
		}

		m := taskLineRe.FindStringSubmatch(raw)
		if m == nil {
			continue
		}
		done := strings.EqualFold(m[1], "x")
		rest := m[2]

		idMatch := idAnnRe.FindStringSubmatch(rest)
		if idMatch == nil {
			// A checklist line without an @id is not part of the graph
			// (e.g. free-form notes); skip rather than error.
			continue
		}
		id := strings.TrimSpace(idMatch[1])
		if _, exists := g.Tasks[id]; exists {
			return nil, swerrors.NewParseError(swerrors.ErrDuplicateId, lineNo, fmt.Sprintf("duplicate @id(%s)", id))
		}

		var deps []string
		if dm := dependsAnnRe.FindStringSubmatch(rest); dm != nil && strings.TrimSpace(dm[1]) != "" {
			for _, d := range strings.Split(dm[1], ",") {
				d = strings.TrimSpace(d)
				if d != "" {
					deps = append(deps, d)
				}
			}
		}

		role := ""
		if rm := roleAnnRe.FindStringSubmatch(rest); rm != nil {
			role = strings.TrimSpace(rm[1])
		}

		title := strings.TrimSpace(annotationRe.ReplaceAllString(rest, ""))

		task := &Task{
			ID:        id,
			Title:     title,
			Done:      done,
			Role:      role,
			DependsOn: deps,
			Phase:     currentPhase.Number,
			Line:      lineNo,
		}
		g.Tasks[id] = task
		currentPhase.TaskIDs = append(currentPhase.TaskIDs, id)
	}

	// Drop the degenerate leading phase if any phase header exists and the
	// degenerate phase collected nothing (the common case where the
	// document opens with a header on its first task block).
	if len(g.Phases) > 1 && len(g.Phases[0].TaskIDs) == 0 {
		g.Phases = g.Phases[1:]
	}
	sort.SliceStable(g.Phases, func(i, j int) bool { return g.Phases[i].Number < g.Phases[j].Number })

	if err := validateDependencies(g); err != nil {
		return nil, err
	}
	if err := validateAcyclic(g); err != nil {
		return nil, err
	}

	return g, nil
}

// MarkDone flips the checkbox on taskID's line from "[ ]" to "[x]" and
// returns the rewritten document. Parse itself never mutates the document;
// this is the rewrite callers apply through the Durable Store when a
// worker's completion webhook reports a task done.
func MarkDone(text, taskID string) (string, error) {
	g, err := Parse(text)
	if err != nil {
		return "", err
	}
	t, ok := g.Tasks[taskID]
	if !ok {
		return "", fmt.Errorf("taskgraph: unknown task id %q", taskID)
	}
	if t.Done {
		return text, nil
	}

	lines := strings.Split(text, "\n")
	idx := t.Line - 1
	if idx < 0 || idx >= len(lines) {
		return "", fmt.Errorf("taskgraph: task %q line index out of range", taskID)
	}
	loc := checkboxRe.FindStringIndex(lines[idx])
	if loc == nil {
		return "", fmt.Errorf("taskgraph: no checkbox found on task %q's line", taskID)
	}
	lines[idx] = lines[idx][:loc[0]] + "[x]" + lines[idx][loc[1]:]
	return strings.Join(lines, "\n"), nil
}

func validateDependencies(g *Graph) error {
	for id, t := range g.Tasks {
		for _, dep := range t.DependsOn {
			if _, ok := g.Tasks[dep]; !ok {
				return swerrors.NewParseError(swerrors.ErrUnknownDependency, t.Line,
					fmt.Sprintf("task %s depends on unknown id %s", id, dep))
			}
		}
	}
	return nil
}

func validateAcyclic(g *Graph) error {
	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make(map[string]int, len(g.Tasks))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visited:
			return nil
		case visiting:
			return swerrors.NewParseError(swerrors.ErrCycle, g.Tasks[id].Line,
				fmt.Sprintf("dependency cycle through %s", id))
		}
		state[id] = visiting
		for _, dep := range g.Tasks[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = visited
		return nil
	}

	ids := make([]string, 0, len(g.Tasks))
	for id := range g.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// IsReady reports whether t is eligible for dispatch: not done, and every
// dependency is done.
func (g *Graph) IsReady(t *Task) bool {
	if t.Done {
		return false
	}
	for _, dep := range t.DependsOn {
		d, ok := g.Tasks[dep]
		if !ok || !d.Done {
			return false
		}
	}
	return true
}

// ReadyTasks returns the tasks in phase (by number) that are ready for
// dispatch, in document order.
func (g *Graph) ReadyTasks(phaseNumber int) []*Task {
	var ready []*Task
	for _, p := range g.Phases {
		if p.Number != phaseNumber {
			continue
		}
		for _, id := range p.TaskIDs {
			t := g.Tasks[id]
			if g.IsReady(t) {
				ready = append(ready, t)
			}
		}
	}
	return ready
}

// PhaseStatus derives a phase's document-level status: completed iff every
// member task is done; running iff it is the earliest incomplete phase and
// has a ready task; otherwise blocked.
func (g *Graph) PhaseStatus(phaseNumber int) PhaseStatus {
	var phase *Phase
	for _, p := range g.Phases {
		if p.Number == phaseNumber {
			phase = p
			break
		}
	}
	if phase == nil || len(phase.TaskIDs) == 0 {
		return PhaseDocComplete
	}

	if g.isPhaseDone(phase) {
		return PhaseDocComplete
	}

	if g.earliestIncompletePhase() == phaseNumber && len(g.ReadyTasks(phaseNumber)) > 0 {
		return PhaseDocRunning
	}
	return PhaseDocBlocked
}

func (g *Graph) isPhaseDone(phase *Phase) bool {
	if len(phase.TaskIDs) == 0 {
		return true
	}
	for _, id := range phase.TaskIDs {
		if !g.Tasks[id].Done {
			return false
		}
	}
	return true
}

// earliestIncompletePhase scans phase completion directly (isPhaseDone)
// rather than through PhaseStatus, which itself calls this to decide
// whether a phase is running; calling back into PhaseStatus here would
// recurse on the same phase forever.
func (g *Graph) earliestIncompletePhase() int {
	for _, p := range g.Phases {
		if !g.isPhaseDone(p) {
			return p.Number
		}
	}
	return 0
}

// TopologicalOrder returns task ids ordered so that every task appears
// after its dependencies (Kahn's algorithm), used by the Dispatcher to
// present stable spawn ordering within a phase.
func (g *Graph) TopologicalOrder(ids []string) []string {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}

	inDegree := make(map[string]int, len(ids))
	dependents := make(map[string][]string, len(ids))
	for _, id := range ids {
		inDegree[id] = 0
	}
	for _, id := range ids {
		for _, dep := range g.Tasks[id].DependsOn {
			if set[dep] {
				inDegree[id]++
				dependents[dep] = append(dependents[dep], id)
			}
		}
	}

	var queue, order []string
	for _, id := range ids {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	for len(queue) > 0 {
		sort.Strings(queue)
		order = append(order, queue...)
		var next []string
		for _, id := range queue {
			for _, dep := range dependents[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		queue = next
	}
	return order
}
