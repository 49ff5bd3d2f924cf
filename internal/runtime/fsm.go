package runtime

import (
	"context"
	"slices"
	"sync"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// TransitionHook runs around a run status transition.
type TransitionHook func(ctx context.Context, runID string, from, to schema.RunStatus) error

// EventAppender records run lifecycle events. *store.EventLog satisfies it.
type EventAppender interface {
	Append(ctx context.Context, runID, eventType, stepName string, payload any) (*store.RunEvent, error)
}

// validRunTransitions lists the allowed moves. The empty status is a run
// that does not exist yet; Running -> Running is a resume after a restart.
var validRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	"":                       {schema.RunStatusQueued},
	schema.RunStatusQueued:   {schema.RunStatusRunning, schema.RunStatusCancelled, schema.RunStatusFailed},
	schema.RunStatusRunning:  {schema.RunStatusRunning, schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusCompleted: nil,
	schema.RunStatusFailed:    nil,
	schema.RunStatusCancelled: nil,
}

type hookKey struct {
	from, to schema.RunStatus
}

// RunFSM validates run status transitions and logs each one.
type RunFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

// NewRunFSM creates a RunFSM that records transitions through appender.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{
		appender: appender,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook run before from -> to. A hook error aborts the
// transition.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := hookKey{from, to}
	f.before[k] = append(f.before[k], hook)
}

// OnAfter registers a hook run after from -> to.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := hookKey{from, to}
	f.after[k] = append(f.after[k], hook)
}

// Transition checks from -> to, runs the hooks and appends the matching
// lifecycle event with payload. Persisting the new status is the caller's job.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus, payload any) error {
	if !slices.Contains(validRunTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "invalid run transition: %q -> %q", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	f.mu.Lock()
	k := hookKey{from, to}
	before := slices.Clone(f.before[k])
	after := slices.Clone(f.after[k])
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(ctx, runID, from, to); err != nil {
			return err
		}
	}

	if _, err := f.appender.Append(ctx, runID, runEventType(from, to), "", payload); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "record %s transition of run %s", to, runID).WithCause(err)
	}

	for _, hook := range after {
		if err := hook(ctx, runID, from, to); err != nil {
			return err
		}
	}
	return nil
}

func runEventType(from, to schema.RunStatus) string {
	switch to {
	case schema.RunStatusQueued:
		return schema.EventRunQueued
	case schema.RunStatusRunning:
		if from == schema.RunStatusRunning {
			return schema.EventRunResumed
		}
		return schema.EventRunStarted
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	default:
		return schema.EventRunCancelled
	}
}
