package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

type mockAppender struct {
	mu     sync.Mutex
	events []*store.RunEvent
	err    error
}

func (m *mockAppender) Append(_ context.Context, runID, eventType, stepName string, _ any) (*store.RunEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	ev := &store.RunEvent{RunID: runID, Type: eventType, StepName: stepName, Sequence: int64(len(m.events) + 1)}
	m.events = append(m.events, ev)
	return ev, nil
}

func (m *mockAppender) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

func TestRunFSM_Lifecycle(t *testing.T) {
	app := &mockAppender{}
	fsm := NewRunFSM(app)
	ctx := context.Background()

	steps := [][2]schema.RunStatus{
		{"", schema.RunStatusQueued},
		{schema.RunStatusQueued, schema.RunStatusRunning},
		{schema.RunStatusRunning, schema.RunStatusRunning},
		{schema.RunStatusRunning, schema.RunStatusCompleted},
	}
	for _, s := range steps {
		require.NoError(t, fsm.Transition(ctx, "run-1", s[0], s[1], nil))
	}
	assert.Equal(t, []string{
		schema.EventRunQueued, schema.EventRunStarted, schema.EventRunResumed, schema.EventRunCompleted,
	}, app.types())
}

func TestRunFSM_InvalidTransitions(t *testing.T) {
	app := &mockAppender{}
	fsm := NewRunFSM(app)
	ctx := context.Background()

	invalid := [][2]schema.RunStatus{
		{"", schema.RunStatusRunning},
		{schema.RunStatusQueued, schema.RunStatusCompleted},
		{schema.RunStatusCompleted, schema.RunStatusRunning},
		{schema.RunStatusCancelled, schema.RunStatusCancelled},
		{schema.RunStatusFailed, schema.RunStatusQueued},
	}
	for _, s := range invalid {
		err := fsm.Transition(ctx, "run-1", s[0], s[1], nil)
		assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition), "%s -> %s", s[0], s[1])
	}
	assert.Empty(t, app.types())
}

func TestRunFSM_Hooks(t *testing.T) {
	app := &mockAppender{}
	fsm := NewRunFSM(app)
	ctx := context.Background()

	var order []string
	fsm.OnBefore(schema.RunStatusQueued, schema.RunStatusRunning, func(context.Context, string, schema.RunStatus, schema.RunStatus) error {
		order = append(order, "before")
		return nil
	})
	fsm.OnAfter(schema.RunStatusQueued, schema.RunStatusRunning, func(_ context.Context, runID string, _, to schema.RunStatus) error {
		order = append(order, "after:"+runID+":"+string(to))
		return nil
	})

	require.NoError(t, fsm.Transition(ctx, "r", schema.RunStatusQueued, schema.RunStatusRunning, nil))
	assert.Equal(t, []string{"before", "after:r:Running"}, order)
}

func TestRunFSM_BeforeHookAborts(t *testing.T) {
	app := &mockAppender{}
	fsm := NewRunFSM(app)
	veto := errors.New("veto")
	fsm.OnBefore(schema.RunStatusRunning, schema.RunStatusFailed, func(context.Context, string, schema.RunStatus, schema.RunStatus) error {
		return veto
	})

	err := fsm.Transition(context.Background(), "r", schema.RunStatusRunning, schema.RunStatusFailed, nil)
	assert.ErrorIs(t, err, veto)
	assert.Empty(t, app.types())
}

func TestRunFSM_AppendFailure(t *testing.T) {
	fsm := NewRunFSM(&mockAppender{err: errors.New("disk full")})
	err := fsm.Transition(context.Background(), "r", "", schema.RunStatusQueued, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
}
