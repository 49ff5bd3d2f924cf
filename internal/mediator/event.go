package mediator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// Default polling budget of SendEvent and the trace lookups: 200 polls
// 100ms apart, about 20 seconds.
const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultPollAttempts = 200
)

// RunInfo is the runtime's view of one run.
type RunInfo struct {
	ID        string           `json:"id"`
	EventID   string           `json:"event_id"`
	Status    schema.RunStatus `json:"status"`
	Output    json.RawMessage  `json:"output,omitempty"`
	Error     string           `json:"error,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	StartedAt *time.Time       `json:"started_at,omitempty"`
	EndedAt   *time.Time       `json:"ended_at,omitempty"`
}

// StepRecord is one checkpointed durable step of a run.
type StepRecord struct {
	Name      string          `json:"name"`
	Output    json.RawMessage `json:"output,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   time.Time       `json:"ended_at"`
}

// Bus is the durable event runtime the EventMediator drives.
type Bus interface {
	// Send submits a trigger event and returns its id.
	Send(ctx context.Context, event schema.TriggerEvent) (string, error)
	// Runs lists the runs started by eventID, newest first.
	Runs(ctx context.Context, eventID string) ([]RunInfo, error)
	CancelRun(ctx context.Context, runID string) error
	// Steps returns the run's steps in execution order, or nil when the run
	// has not produced a trace yet.
	Steps(ctx context.Context, runID string) ([]StepRecord, error)
	// Workflow returns the extracted workflow a run executes.
	Workflow(ctx context.Context, runID string) (*schema.Workflow, error)
}

// SendResult is the outcome of SendEvent. Status and Output are empty when
// the caller did not wait or the wait timed out.
type SendResult struct {
	EventID string           `json:"event_id"`
	RunID   string           `json:"run_id,omitempty"`
	Status  schema.RunStatus `json:"status,omitempty"`
	Output  any              `json:"output,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// EventMediator is a fire-and-wait RPC wrapper over a Bus.
type EventMediator struct {
	bus      Bus
	interval time.Duration
	attempts int
	logger   *slog.Logger
}

// Option configures an EventMediator.
type Option func(*EventMediator)

// WithPolling overrides the polling interval and attempt budget.
func WithPolling(interval time.Duration, attempts int) Option {
	return func(m *EventMediator) {
		if interval > 0 {
			m.interval = interval
		}
		if attempts > 0 {
			m.attempts = attempts
		}
	}
}

// WithLogger sets the mediator's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *EventMediator) { m.logger = l }
}

// NewEventMediator creates an EventMediator over bus.
func NewEventMediator(bus Bus, opts ...Option) *EventMediator {
	m := &EventMediator{
		bus:      bus,
		interval: DefaultPollInterval,
		attempts: DefaultPollAttempts,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SendEvent submits an event named triggerID. With waitOutput it polls until
// the event's latest run is terminal and returns that run's output. When the
// budget runs out the timeout is logged and a result without output is
// returned; the run itself may still finish later.
func (m *EventMediator) SendEvent(ctx context.Context, triggerID string, data any, waitOutput bool) (*SendResult, error) {
	if triggerID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "trigger id is required")
	}
	raw, err := encodeData(data)
	if err != nil {
		return nil, err
	}

	eventID, err := m.bus.Send(ctx, schema.TriggerEvent{Name: triggerID, Data: raw, Timestamp: time.Now().UTC()})
	if err != nil {
		return nil, err
	}
	res := &SendResult{EventID: eventID}
	if !waitOutput {
		return res, nil
	}

	for attempt := 0; attempt < m.attempts; attempt++ {
		runs, err := m.bus.Runs(ctx, eventID)
		if err != nil {
			return nil, err
		}
		if len(runs) > 0 {
			latest := runs[0]
			res.RunID = latest.ID
			if latest.Status.Terminal() {
				res.Status = latest.Status
				res.Error = latest.Error
				res.Output = decodeOutput(latest.Output)
				return res, nil
			}
		}
		if err := m.sleep(ctx); err != nil {
			return nil, err
		}
	}

	m.logger.WarnContext(ctx, "timed out waiting for event output",
		slog.String("event_id", eventID),
		slog.String("trigger", triggerID),
		slog.Duration("waited", m.interval*time.Duration(m.attempts)))
	return res, nil
}

// StopEvent cancels every running run of eventID. It reports false when the
// event has no running run.
func (m *EventMediator) StopEvent(ctx context.Context, eventID string) (bool, error) {
	runs, err := m.bus.Runs(ctx, eventID)
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			return false, nil
		}
		return false, err
	}

	stopped := false
	var errs []error
	for _, r := range runs {
		if r.Status != schema.RunStatusRunning {
			continue
		}
		if err := m.bus.CancelRun(ctx, r.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		stopped = true
		m.logger.InfoContext(ctx, "run cancelled", slog.String("event_id", eventID), slog.String("run_id", r.ID))
	}
	return stopped, errors.Join(errs...)
}

// EventTrace is the raw trace of an event's latest run.
type EventTrace struct {
	EventID string       `json:"event_id"`
	Run     RunInfo      `json:"run"`
	Steps   []StepRecord `json:"steps"`
	Output  any          `json:"output,omitempty"`
}

// GetEventTrace returns the steps of eventID's latest run. A run whose trace
// is not materialized yet is polled within the budget; exhausting it yields
// TRACE_NOT_READY. An event without runs yields NOT_FOUND.
func (m *EventMediator) GetEventTrace(ctx context.Context, eventID string) (*EventTrace, error) {
	run, steps, err := m.latestTrace(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return &EventTrace{
		EventID: eventID,
		Run:     run,
		Steps:   steps,
		Output:  decodeOutput(run.Output),
	}, nil
}

// GetEventStepTrace returns the trace of eventID's latest run with steps
// correlated against the run's workflow.
func (m *EventMediator) GetEventStepTrace(ctx context.Context, eventID string) (*StepTrace, error) {
	run, steps, err := m.latestTrace(ctx, eventID)
	if err != nil {
		return nil, err
	}
	wf, err := m.bus.Workflow(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	return &StepTrace{
		EventID: eventID,
		RunID:   run.ID,
		Status:  run.Status,
		Spans:   Correlate(wf, steps),
	}, nil
}

func (m *EventMediator) latestTrace(ctx context.Context, eventID string) (RunInfo, []StepRecord, error) {
	for attempt := 0; attempt < m.attempts; attempt++ {
		runs, err := m.bus.Runs(ctx, eventID)
		if err != nil {
			return RunInfo{}, nil, err
		}
		if len(runs) == 0 {
			return RunInfo{}, nil, schema.NewErrorf(schema.ErrCodeNotFound, "no run for event %q", eventID)
		}
		steps, err := m.bus.Steps(ctx, runs[0].ID)
		if err != nil {
			return RunInfo{}, nil, err
		}
		if steps != nil {
			return runs[0], steps, nil
		}
		if err := m.sleep(ctx); err != nil {
			return RunInfo{}, nil, err
		}
	}
	return RunInfo{}, nil, schema.NewErrorf(schema.ErrCodeTraceNotReady, "trace for event %q is not ready", eventID)
}

func (m *EventMediator) sleep(ctx context.Context) error {
	t := time.NewTimer(m.interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return schema.NewError(schema.ErrCodeCancelled, "wait cancelled").WithCause(ctx.Err())
	case <-t.C:
		return nil
	}
}

func encodeData(data any) (json.RawMessage, error) {
	switch d := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return d, nil
	case []byte:
		if !json.Valid(d) {
			return nil, schema.NewError(schema.ErrCodeValidation, "event data is not valid JSON")
		}
		return d, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "event data is not JSON encodable").WithCause(err)
	}
	return raw, nil
}

func decodeOutput(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
