package schema

import "time"

// Event type constants for the run event log.
const (
	EventRunQueued    = "run_queued"
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"
	EventRunResumed   = "run_resumed"

	EventStepCompleted = "step_completed"
)

// RunStatus is the lifecycle state of a durable run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "Queued"
	RunStatusRunning   RunStatus = "Running"
	RunStatusCompleted RunStatus = "Completed"
	RunStatusFailed    RunStatus = "Failed"
	RunStatusCancelled RunStatus = "Cancelled"
)

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// Lifecycle event discriminators published on the debug channel.
const (
	LifecycleWorkflow = "workflow"
	LifecycleAction   = "action"
)

// WorkflowEvent reports the start or end of a workflow run.
type WorkflowEvent struct {
	Type      string       `json:"type"`
	Status    ActionStatus `json:"status"`
	StartedAt *time.Time   `json:"startedAt,omitempty"`
	EndedAt   *time.Time   `json:"endedAt,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// WorkflowActionEvent reports the start or end of a single action.
type WorkflowActionEvent struct {
	Type      string       `json:"type"`
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Kind      string       `json:"kind,omitempty"`
	Status    ActionStatus `json:"status"`
	StartedAt *time.Time   `json:"startedAt,omitempty"`
	EndedAt   *time.Time   `json:"endedAt,omitempty"`
	Input     any          `json:"input,omitempty"`
	Output    any          `json:"output,omitempty"`
	Error     string       `json:"error,omitempty"`
}
