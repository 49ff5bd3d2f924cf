package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/stepflow/pkg/schema"
)

// EventLog appends and replays a run's lifecycle events.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide event-sourcing operations.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// Append records an event for runID. payload is JSON encoded unless it is
// already a json.RawMessage; nil is stored as no payload.
func (el *EventLog) Append(ctx context.Context, runID, eventType, stepName string, payload any) (*RunEvent, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		raw = b
	}
	ev := &RunEvent{RunID: runID, Type: eventType, StepName: stepName, Payload: raw}
	if err := el.store.AppendRunEvent(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Events returns runID's events with sequence > since.
func (el *EventLog) Events(ctx context.Context, runID string, since int64) ([]*RunEvent, error) {
	return el.store.GetRunEvents(ctx, runID, since)
}

// RunSnapshot is the state of a run rebuilt from its event log.
type RunSnapshot struct {
	RunID        string
	Status       schema.RunStatus
	Attempts     int
	Steps        []string
	Error        string
	LastSequence int64
}

// Replay rebuilds the state of runID from its event log. It fails with a
// STORE_ERROR when the sequence has gaps and NOT_FOUND when the run has no
// events.
func (el *EventLog) Replay(ctx context.Context, runID string) (*RunSnapshot, error) {
	events, err := el.store.GetRunEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}
	if len(events) == 0 {
		return nil, storeNotFound("run log", runID)
	}

	for i, e := range events {
		if want := int64(i + 1); e.Sequence != want {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, want, e.Sequence)
		}
	}

	snap := &RunSnapshot{RunID: runID}
	for _, e := range events {
		snap.LastSequence = e.Sequence
		switch e.Type {
		case schema.EventRunQueued:
			snap.Status = schema.RunStatusQueued
		case schema.EventRunStarted, schema.EventRunResumed:
			snap.Status = schema.RunStatusRunning
			snap.Attempts++
		case schema.EventRunCompleted:
			snap.Status = schema.RunStatusCompleted
		case schema.EventRunFailed:
			snap.Status = schema.RunStatusFailed
			snap.Error = payloadError(e.Payload)
		case schema.EventRunCancelled:
			snap.Status = schema.RunStatusCancelled
		case schema.EventStepCompleted:
			snap.Steps = append(snap.Steps, e.StepName)
		}
	}
	return snap, nil
}

func payloadError(raw json.RawMessage) string {
	var p struct {
		Error string `json:"error"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &p) != nil {
		return ""
	}
	return p.Error
}
