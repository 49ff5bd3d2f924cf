package schema

import (
	"encoding/json"
	"time"
)

// TriggerWorkflowRun is the event name that starts a workflow run.
const TriggerWorkflowRun = "workflow/run"

// TriggerEvent is an event delivered to the durable runtime.
type TriggerEvent struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// WorkflowRunOptions is the payload of a workflow/run trigger.
// Either WorkflowID or an inline Workflow must be set.
type WorkflowRunOptions struct {
	WorkflowID string         `json:"workflow_id,omitempty"`
	Workflow   *Workflow      `json:"workflow,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	State      map[string]any `json:"state,omitempty"`
	Debug      bool           `json:"debug,omitempty"`
	Stream     bool           `json:"stream,omitempty"`
}

// RunOptions decodes the event payload as WorkflowRunOptions.
// An empty payload yields zero options.
func (e TriggerEvent) RunOptions() (WorkflowRunOptions, error) {
	var opts WorkflowRunOptions
	if len(e.Data) == 0 {
		return opts, nil
	}
	if err := json.Unmarshal(e.Data, &opts); err != nil {
		return opts, NewError(ErrCodeValidation, "invalid workflow run payload").WithCause(err)
	}
	return opts, nil
}

// DataMap decodes the event payload into a generic map, or nil.
func (e TriggerEvent) DataMap() map[string]any {
	if len(e.Data) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(e.Data, &m); err != nil {
		return nil
	}
	return m
}

// Payload is the data a workflow sees as its triggering event: the run input
// for workflow/run triggers, the decoded event data otherwise.
func (e TriggerEvent) Payload() map[string]any {
	if e.Name == TriggerWorkflowRun {
		opts, err := e.RunOptions()
		if err != nil {
			return nil
		}
		return opts.Input
	}
	return e.DataMap()
}
