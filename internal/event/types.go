package event

// -----------------------------------------------------------------------------
// Worker lifecycle events
// -----------------------------------------------------------------------------

// WorkerStartedEvent is emitted when the Dispatcher successfully spawns a worker.
type WorkerStartedEvent struct {
	baseEvent
	RunID    string
	WorkerID string
	TaskID   string
	Branch   string
}

func NewWorkerStartedEvent(runID, workerID, taskID, branch string) WorkerStartedEvent {
	return WorkerStartedEvent{
		baseEvent: newBaseEvent("worker.started"),
		RunID:     runID, WorkerID: workerID, TaskID: taskID, Branch: branch,
	}
}

// WorkerCompletedEvent is emitted when a worker's webhook reports completion.
type WorkerCompletedEvent struct {
	baseEvent
	RunID    string
	WorkerID string
	TaskID   string
	Success  bool
	Error    string
}

func NewWorkerCompletedEvent(runID, workerID, taskID string, success bool, errMsg string) WorkerCompletedEvent {
	return WorkerCompletedEvent{
		baseEvent: newBaseEvent("worker.completed"),
		RunID:     runID, WorkerID: workerID, TaskID: taskID, Success: success, Error: errMsg,
	}
}

// -----------------------------------------------------------------------------
// Phase lifecycle events
// -----------------------------------------------------------------------------

// PhaseChangedEvent is emitted when a phase transitions status.
type PhaseChangedEvent struct {
	baseEvent
	RunID    string
	Phase    int
	Previous string
	Current  string
}

func NewPhaseChangedEvent(runID string, phase int, previous, current string) PhaseChangedEvent {
	return PhaseChangedEvent{
		baseEvent: newBaseEvent("phase.changed"),
		RunID:     runID, Phase: phase, Previous: previous, Current: current,
	}
}

// -----------------------------------------------------------------------------
// Review events
// -----------------------------------------------------------------------------

// ReviewDecisionEvent is emitted when a reviewer posts a decision.
type ReviewDecisionEvent struct {
	baseEvent
	RunID    string
	Phase    int
	Reviewer string
	Status   string
}

func NewReviewDecisionEvent(runID string, phase int, reviewer, status string) ReviewDecisionEvent {
	return ReviewDecisionEvent{
		baseEvent: newBaseEvent("review.decided"),
		RunID:     runID, Phase: phase, Reviewer: reviewer, Status: status,
	}
}

// -----------------------------------------------------------------------------
// Escalation and conflict events
// -----------------------------------------------------------------------------

// EscalationCreatedEvent is emitted when a new Escalation is recorded.
type EscalationCreatedEvent struct {
	baseEvent
	EscalationID string
	RunID        string
	Severity     string
}

func NewEscalationCreatedEvent(escalationID, runID, severity string) EscalationCreatedEvent {
	return EscalationCreatedEvent{
		baseEvent:    newBaseEvent("escalation.created"),
		EscalationID: escalationID, RunID: runID, Severity: severity,
	}
}

// ConflictDetectedEvent is emitted when a phase merge hits a git conflict.
type ConflictDetectedEvent struct {
	baseEvent
	RunID         string
	Phase         int
	Branch        string
	ConflictFiles []string
}

func NewConflictDetectedEvent(runID string, phase int, branch string, conflictFiles []string) ConflictDetectedEvent {
	return ConflictDetectedEvent{
		baseEvent: newBaseEvent("conflict.detected"),
		RunID:     runID, Phase: phase, Branch: branch, ConflictFiles: conflictFiles,
	}
}

// LedgerStatusChangedEvent is emitted whenever a work item's ledger status
// transitions, letting dashboards/CLIs react without polling the ledger.
type LedgerStatusChangedEvent struct {
	baseEvent
	ItemID string
	Status string
}

func NewLedgerStatusChangedEvent(itemID, status string) LedgerStatusChangedEvent {
	return LedgerStatusChangedEvent{
		baseEvent: newBaseEvent("ledger.status_changed"),
		ItemID:    itemID, Status: status,
	}
}

// -----------------------------------------------------------------------------
// Project phase watcher events
// -----------------------------------------------------------------------------

// ProjectPhaseAdvancedEvent is emitted when the Watcher detects a project's
// phase-completion predicate has been satisfied and advances it.
type ProjectPhaseAdvancedEvent struct {
	baseEvent
	Project string
	From    string
	To      string
}

func NewProjectPhaseAdvancedEvent(project, from, to string) ProjectPhaseAdvancedEvent {
	return ProjectPhaseAdvancedEvent{
		baseEvent: newBaseEvent("project.phase_advanced"),
		Project:   project, From: from, To: to,
	}
}

// WatchdogRetryEvent is emitted when the Progress Watchdog detects a stalled
// project phase (no file activity past the inactivity threshold) and
// triggers a watchdog-retry.
type WatchdogRetryEvent struct {
	baseEvent
	Project string
	Phase   string
	Attempt int
}

func NewWatchdogRetryEvent(project, phase string, attempt int) WatchdogRetryEvent {
	return WatchdogRetryEvent{
		baseEvent: newBaseEvent("project.watchdog_retry"),
		Project:   project, Phase: phase, Attempt: attempt,
	}
}

// -----------------------------------------------------------------------------
// Queue depth event
// -----------------------------------------------------------------------------

// QueueDepthChangedEvent reports that the ready-task count for a (run,
// phase) may have changed. No component in this module publishes it or
// subscribes to it.
type QueueDepthChangedEvent struct {
	baseEvent
	RunID string
	Phase int
}

func NewQueueDepthChangedEvent(runID string, phase int) QueueDepthChangedEvent {
	return QueueDepthChangedEvent{
		baseEvent: newBaseEvent("queue.depth_changed"),
		RunID:     runID, Phase: phase,
	}
}
