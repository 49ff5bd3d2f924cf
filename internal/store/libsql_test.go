package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/durable"
	"github.com/rendis/stepflow/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	s, err := NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedEvent(t *testing.T, s *LibSQLStore, name string) *schema.TriggerEvent {
	t.Helper()
	ev := &schema.TriggerEvent{
		ID:        uuid.New().String(),
		Name:      name,
		Data:      json.RawMessage(`{"user":"ada"}`),
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, s.SaveEvent(context.Background(), ev))
	return ev
}

func seedRun(t *testing.T, s *LibSQLStore) *Run {
	t.Helper()
	ev := seedEvent(t, s, schema.TriggerWorkflowRun)
	run := &Run{
		ID:        uuid.New().String(),
		EventID:   ev.ID,
		EventName: ev.Name,
		Status:    schema.RunStatusQueued,
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

func sampleWorkflow(id string) *WorkflowRecord {
	return &WorkflowRecord{
		ID:   id,
		Name: "greet",
		Definition: &schema.Workflow{
			ID:      id,
			Actions: []schema.WorkflowAction{{ID: "a", Kind: "echo", Inputs: map[string]any{"msg": "hi"}}},
			Edges:   []schema.WorkflowEdge{},
		},
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	var version int
	require.NoError(t, s.DB().QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version))
	assert.Equal(t, 1, version)
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- comment only;\nCREATE TABLE a (x INT);\n\n-- trailing\nCREATE INDEX i ON a(x);")
	assert.Equal(t, []string{"CREATE TABLE a (x INT)", "-- trailing\nCREATE INDEX i ON a(x)"}, stmts)
}

// --- Workflows ---

func TestWorkflow_SaveGetUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := sampleWorkflow("greet")
	require.NoError(t, s.SaveWorkflow(ctx, wf))

	got, err := s.GetWorkflow(ctx, "greet")
	require.NoError(t, err)
	assert.Equal(t, "greet", got.Name)
	require.Len(t, got.Definition.Actions, 1)
	assert.Equal(t, "echo", got.Definition.Actions[0].Kind)
	assert.Equal(t, "hi", got.Definition.Actions[0].Inputs["msg"])

	wf.Name = "greet v2"
	wf.Definition.Actions = append(wf.Definition.Actions, schema.WorkflowAction{ID: "b", Kind: "log"})
	require.NoError(t, s.SaveWorkflow(ctx, wf))

	got, err = s.GetWorkflow(ctx, "greet")
	require.NoError(t, err)
	assert.Equal(t, "greet v2", got.Name)
	assert.Len(t, got.Definition.Actions, 2)
}

func TestWorkflow_NotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetWorkflow(ctx, "missing")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	err = s.DeleteWorkflow(ctx, "missing")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestWorkflow_SaveRequiresDefinition(t *testing.T) {
	s := newTestStore(t)
	err := s.SaveWorkflow(context.Background(), &WorkflowRecord{ID: "empty"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestWorkflow_ListAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, s.SaveWorkflow(ctx, sampleWorkflow(id)))
	}

	all, err := s.ListWorkflows(ctx, WorkflowFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].ID)

	page, err := s.ListWorkflows(ctx, WorkflowFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].ID)

	require.NoError(t, s.DeleteWorkflow(ctx, "b"))
	all, err = s.ListWorkflows(ctx, WorkflowFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// --- Events and runs ---

func TestEvent_SaveGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := seedEvent(t, s, "user/signup")
	got, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "user/signup", got.Name)
	assert.JSONEq(t, `{"user":"ada"}`, string(got.Data))

	_, err = s.GetEvent(ctx, "nope")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestRun_CreateUpdateGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusQueued, got.Status)
	assert.Nil(t, got.StartedAt)

	running := schema.RunStatusRunning
	started := time.Now().UTC()
	attempt := 1
	wfID := "greet"
	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{
		Status: &running, StartedAt: &started, Attempt: &attempt, WorkflowID: &wfID,
	}))

	completed := schema.RunStatusCompleted
	ended := started.Add(time.Second)
	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{
		Status: &completed, EndedAt: &ended, Output: json.RawMessage(`{"a":1}`),
	}))

	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, got.Status)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, "greet", got.WorkflowID)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.EndedAt)
	assert.JSONEq(t, `{"a":1}`, string(got.Output))
}

func TestRun_UpdateMissing(t *testing.T) {
	s := newTestStore(t)
	failed := schema.RunStatusFailed
	err := s.UpdateRun(context.Background(), "missing", RunUpdate{Status: &failed})
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	// no fields, no query
	assert.NoError(t, s.UpdateRun(context.Background(), "missing", RunUpdate{}))
}

func TestRun_ListFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := seedEvent(t, s, "order/created")
	statuses := []schema.RunStatus{schema.RunStatusRunning, schema.RunStatusCompleted, schema.RunStatusRunning}
	for i, st := range statuses {
		require.NoError(t, s.CreateRun(ctx, &Run{
			ID:        uuid.New().String(),
			EventID:   ev.ID,
			EventName: ev.Name,
			Status:    st,
			CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Second),
		}))
	}
	seedRun(t, s)

	byEvent, err := s.ListRuns(ctx, RunFilter{EventID: ev.ID})
	require.NoError(t, err)
	assert.Len(t, byEvent, 3)

	running, err := s.ListRuns(ctx, RunFilter{EventID: ev.ID, Statuses: []schema.RunStatus{schema.RunStatusRunning}})
	require.NoError(t, err)
	assert.Len(t, running, 2)

	latest, err := s.ListRuns(ctx, RunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, latest, 1)
}

// --- Checkpoints ---

func TestCheckpoints_LoadSaveList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	cp, err := s.LoadCheckpoint(ctx, run.ID, "n1")
	require.NoError(t, err)
	assert.Nil(t, cp)

	now := time.Now().UTC()
	for _, name := range []string{"n1:start", "n1", "n2"} {
		require.NoError(t, s.SaveCheckpoint(ctx, &durable.Checkpoint{
			RunID: run.ID, Name: name, Output: json.RawMessage(`"` + name + `"`), StartedAt: now, EndedAt: now,
		}))
	}
	// rewriting keeps the original position
	require.NoError(t, s.SaveCheckpoint(ctx, &durable.Checkpoint{
		RunID: run.ID, Name: "n1:start", Output: json.RawMessage(`"again"`), StartedAt: now, EndedAt: now,
	}))

	cp, err = s.LoadCheckpoint(ctx, run.ID, "n1:start")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.JSONEq(t, `"again"`, string(cp.Output))

	list, err := s.ListCheckpoints(ctx, run.ID)
	require.NoError(t, err)
	names := make([]string, len(list))
	for i, c := range list {
		names[i] = c.Name
	}
	assert.Equal(t, []string{"n1:start", "n1", "n2"}, names)
}

func TestCheckpoints_BackJournal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	calls := 0
	step := func(ctx context.Context) (any, error) {
		calls++
		return map[string]any{"n": calls}, nil
	}

	first := durable.NewJournal(run.ID, s)
	out, err := first.Run(ctx, "fetch", step)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(out))

	replay := durable.NewJournal(run.ID, s)
	out, err = replay.Run(ctx, "fetch", step)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(out))
	assert.Equal(t, 1, calls)

	executed, replayed := replay.Stats()
	assert.Equal(t, 0, executed)
	assert.Equal(t, 1, replayed)
}

// --- Schedules ---

func TestSchedules_CRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	next := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	sch := &Schedule{
		ID:        "nightly",
		Cron:      "0 3 * * *",
		Trigger:   schema.TriggerWorkflowRun,
		Data:      json.RawMessage(`{"workflow_id":"cleanup"}`),
		Enabled:   true,
		NextRunAt: &next,
	}
	require.NoError(t, s.SaveSchedule(ctx, sch))

	got, err := s.GetSchedule(ctx, "nightly")
	require.NoError(t, err)
	assert.Equal(t, "0 3 * * *", got.Cron)
	assert.True(t, got.Enabled)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, next.Equal(*got.NextRunAt))

	ran := time.Now().UTC()
	disabled := false
	require.NoError(t, s.UpdateSchedule(ctx, "nightly", ScheduleUpdate{
		LastRunAt: &ran, LastRunStatus: "sent", LastEventID: "ev-1", Enabled: &disabled,
	}))

	got, err = s.GetSchedule(ctx, "nightly")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, "sent", got.LastRunStatus)
	assert.Equal(t, "ev-1", got.LastEventID)

	enabled := true
	list, err := s.ListSchedules(ctx, ScheduleFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = s.ListSchedules(ctx, ScheduleFilter{Trigger: schema.TriggerWorkflowRun})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteSchedule(ctx, "nightly"))
	_, err = s.GetSchedule(ctx, "nightly")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestSchedules_ResaveKeepsNextRunForSameCron(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, s.SaveSchedule(ctx, &Schedule{ID: "s", Cron: "@hourly", Trigger: "tick", Enabled: true, NextRunAt: &first}))

	later := first.Add(24 * time.Hour)
	require.NoError(t, s.SaveSchedule(ctx, &Schedule{ID: "s", Cron: "@hourly", Trigger: "tick", Enabled: true, NextRunAt: &later}))

	got, err := s.GetSchedule(ctx, "s")
	require.NoError(t, err)
	assert.True(t, first.Equal(*got.NextRunAt))
}
