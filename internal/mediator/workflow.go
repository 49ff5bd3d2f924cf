// Package mediator connects workflow runs to their observers and callers.
// The WorkflowMediator broadcasts lifecycle events on a per-run debug channel;
// the EventMediator submits trigger events to the durable runtime, waits for
// their runs, cancels them and rebuilds their step traces.
package mediator

import (
	"context"
	"log/slog"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
)

// TopicMessages is the topic lifecycle events are published under.
const TopicMessages = "messages"

// DebugChannel returns the channel that carries runID's lifecycle events.
func DebugChannel(runID string) string {
	return "workflow/debug/" + runID
}

// Sink accepts published messages. A streaming.Hub is a Sink.
type Sink interface {
	Publish(ctx context.Context, msg streaming.Message) error
}

// Publish sends event to runID's debug channel. A nil sink makes it a no-op;
// publish failures are logged to logger (slog.Default when nil) and never
// fail the run. A terminal workflow event is sent as the stream's final
// message.
func Publish(ctx context.Context, sink Sink, logger *slog.Logger, runID string, event any) {
	if sink == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	msg := streaming.Message{
		Channel: DebugChannel(runID),
		Topic:   TopicMessages,
		Data:    event,
		Final:   IsTerminal(event),
	}
	if err := sink.Publish(ctx, msg); err != nil {
		logger.DebugContext(ctx, "lifecycle event dropped",
			slog.String("run_id", runID), slog.String("error", err.Error()))
	}
}

// IsTerminal reports whether event is the workflow event that ends a run.
func IsTerminal(event any) bool {
	switch ev := event.(type) {
	case schema.WorkflowEvent:
		return ev.Status != schema.ActionRunning
	case *schema.WorkflowEvent:
		return ev != nil && ev.Status != schema.ActionRunning
	}
	return false
}

// WorkflowMediator binds a hub to the per-run debug channels.
type WorkflowMediator struct {
	hub    streaming.Hub
	logger *slog.Logger
}

// WorkflowOption configures a WorkflowMediator.
type WorkflowOption func(*WorkflowMediator)

// WithPublishLogger sets the logger publish failures are reported to.
func WithPublishLogger(logger *slog.Logger) WorkflowOption {
	return func(m *WorkflowMediator) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewWorkflowMediator creates a mediator over hub. A nil hub disables
// publishing and subscribing.
func NewWorkflowMediator(hub streaming.Hub, opts ...WorkflowOption) *WorkflowMediator {
	m := &WorkflowMediator{hub: hub, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Publisher returns the publish function handed to the engine for runID, or
// nil when the mediator has no hub.
func (m *WorkflowMediator) Publisher(runID string) actions.PublishFunc {
	if m == nil || m.hub == nil {
		return nil
	}
	return func(ctx context.Context, event any) {
		Publish(ctx, m.hub, m.logger, runID, event)
	}
}

// Subscribe opens runID's debug channel. The returned channel closes when
// cancel is called or ctx is done.
func (m *WorkflowMediator) Subscribe(ctx context.Context, runID string) (<-chan streaming.Message, func(), error) {
	if m == nil || m.hub == nil {
		ch := make(chan streaming.Message)
		close(ch)
		return ch, func() {}, nil
	}
	return m.hub.Subscribe(ctx, streaming.Filter{
		Channel: DebugChannel(runID),
		Topics:  []string{TopicMessages},
	})
}
