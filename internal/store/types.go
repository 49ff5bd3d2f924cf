package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// WorkflowRecord is a stored workflow definition, kept in its flat
// (pre-extraction) form.
type WorkflowRecord struct {
	ID          string           `json:"id"`
	Name        string           `json:"name,omitempty"`
	Description string           `json:"description,omitempty"`
	Definition  *schema.Workflow `json:"definition"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// WorkflowFilter controls listing of workflow definitions.
type WorkflowFilter struct {
	Limit  int
	Offset int
}

// Run is one execution of a trigger event by the durable runtime.
type Run struct {
	ID         string           `json:"id"`
	EventID    string           `json:"event_id"`
	EventName  string           `json:"event_name"`
	WorkflowID string           `json:"workflow_id,omitempty"`
	Status     schema.RunStatus `json:"status"`
	Output     json.RawMessage  `json:"output,omitempty"`
	Error      string           `json:"error,omitempty"`
	Attempt    int              `json:"attempt"`
	CreatedAt  time.Time        `json:"created_at"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	EndedAt    *time.Time       `json:"ended_at,omitempty"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// RunUpdate holds the mutable fields of a run. Nil fields are left unchanged.
type RunUpdate struct {
	Status     *schema.RunStatus
	WorkflowID *string
	Output     json.RawMessage
	Error      *string
	Attempt    *int
	StartedAt  *time.Time
	EndedAt    *time.Time
}

// RunFilter selects runs. Zero values match everything.
type RunFilter struct {
	EventID  string
	Statuses []schema.RunStatus
	Since    *time.Time
	Limit    int
}

// RunEvent is an immutable entry in a run's append-only log.
type RunEvent struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Type      string          `json:"event_type"`
	StepName  string          `json:"step_name,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// Schedule is a cron-triggered event.
type Schedule struct {
	ID            string          `json:"id"`
	Cron          string          `json:"cron"`
	Trigger       string          `json:"trigger"`
	Data          json.RawMessage `json:"data,omitempty"`
	Enabled       bool            `json:"enabled"`
	LastRunAt     *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus string          `json:"last_run_status,omitempty"`
	LastEventID   string          `json:"last_event_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ScheduleUpdate holds the mutable fields of a schedule. Nil fields are left unchanged.
type ScheduleUpdate struct {
	Cron          *string
	Enabled       *bool
	LastRunAt     *time.Time
	NextRunAt     *time.Time
	LastRunStatus string
	LastEventID   string
}

// ScheduleFilter selects schedules.
type ScheduleFilter struct {
	Enabled *bool
	Trigger string
}
