// Package runtime is the in-process durable event bus. It accepts trigger
// events, persists them, turns each into a run, executes runs on a bounded
// worker pool with store-backed step checkpoints, and resumes unfinished runs
// after a restart.
package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/durable"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/mediator"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// Config holds the runtime's collaborators.
type Config struct {
	Store  store.Store
	Engine *engine.Engine
	// Loader resolves the workflow of a run for traces. It should be the
	// loader the engine was built with.
	Loader engine.Loader
	// Mediator receives lifecycle events of runs that ask for them.
	Mediator *mediator.WorkflowMediator
	PoolSize int
	Logger   *slog.Logger
}

// Runtime executes trigger events as durable runs.
type Runtime struct {
	store    store.Store
	engine   *engine.Engine
	loader   engine.Loader
	mediator *mediator.WorkflowMediator
	fsm      *RunFSM
	pool     *WorkerPool
	logger   *slog.Logger

	root     context.Context
	stopRoot context.CancelFunc

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates a Runtime. Store and Engine are required.
func New(cfg Config) (*Runtime, error) {
	if cfg.Store == nil || cfg.Engine == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "runtime requires a store and an engine")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	root, stop := context.WithCancel(context.Background())
	rt := &Runtime{
		store:    cfg.Store,
		engine:   cfg.Engine,
		loader:   cfg.Loader,
		mediator: cfg.Mediator,
		fsm:      NewRunFSM(store.NewEventLog(cfg.Store)),
		pool:     NewWorkerPool(cfg.PoolSize),
		logger:   logger,
		root:     root,
		stopRoot: stop,
		cancels:  make(map[string]context.CancelFunc),
	}
	rt.pool.onPanic = func(v any) {
		logger.Error("run panicked", slog.Any("panic", v))
	}
	return rt, nil
}

// Send persists event, queues a run for it and returns the event id. Events
// without an id get a ULID so ids sort by arrival.
func (r *Runtime) Send(ctx context.Context, event schema.TriggerEvent) (string, error) {
	if event.Name == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "event name is required")
	}
	if event.ID == "" {
		event.ID = ulid.Make().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Name == schema.TriggerWorkflowRun {
		if _, err := event.RunOptions(); err != nil {
			return "", err
		}
	}
	if err := r.store.SaveEvent(ctx, &event); err != nil {
		return "", schema.NewError(schema.ErrCodeStore, "save event").WithCause(err)
	}

	run := &store.Run{
		ID:        uuid.New().String(),
		EventID:   event.ID,
		EventName: event.Name,
		Status:    schema.RunStatusQueued,
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return "", schema.NewError(schema.ErrCodeStore, "create run").WithCause(err)
	}
	if err := r.fsm.Transition(ctx, run.ID, "", schema.RunStatusQueued, map[string]any{"event": event.Name}); err != nil {
		return "", err
	}

	logging.LogWith(logging.WithEventID(ctx, event.ID), r.logger).InfoContext(ctx, "event accepted",
		slog.String("event", event.Name), slog.String("run_id", run.ID))

	if err := r.submit(ctx, run.ID, event, schema.RunStatusQueued); err != nil {
		return "", err
	}
	return event.ID, nil
}

// Runs lists the runs of eventID, newest first.
func (r *Runtime) Runs(ctx context.Context, eventID string) ([]mediator.RunInfo, error) {
	runs, err := r.store.ListRuns(ctx, store.RunFilter{EventID: eventID})
	if err != nil {
		return nil, err
	}
	out := make([]mediator.RunInfo, 0, len(runs))
	for _, run := range runs {
		out = append(out, runInfo(run))
	}
	return out, nil
}

// Run returns one run.
func (r *Runtime) Run(ctx context.Context, runID string) (mediator.RunInfo, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return mediator.RunInfo{}, err
	}
	return runInfo(run), nil
}

func runInfo(run *store.Run) mediator.RunInfo {
	return mediator.RunInfo{
		ID:        run.ID,
		EventID:   run.EventID,
		Status:    run.Status,
		Output:    run.Output,
		Error:     run.Error,
		CreatedAt: run.CreatedAt,
		StartedAt: run.StartedAt,
		EndedAt:   run.EndedAt,
	}
}

// CancelRun stops runID. A running run stops before its next step; a queued
// run is cancelled directly.
func (r *Runtime) CancelRun(ctx context.Context, runID string) error {
	r.mu.Lock()
	cancel, running := r.cancels[runID]
	r.mu.Unlock()
	if running {
		cancel()
		return nil
	}

	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s already %s", runID, run.Status)
	}
	return r.finish(ctx, runID, run.Status, schema.RunStatusCancelled, nil, "cancelled before start")
}

// Steps returns the checkpointed steps of runID in execution order, or nil
// while the run has not started.
func (r *Runtime) Steps(ctx context.Context, runID string) ([]mediator.StepRecord, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status == schema.RunStatusQueued {
		return nil, nil
	}
	cps, err := r.store.ListCheckpoints(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := make([]mediator.StepRecord, 0, len(cps))
	for _, cp := range cps {
		out = append(out, mediator.StepRecord{
			Name:      cp.Name,
			Output:    cp.Output,
			StartedAt: cp.StartedAt,
			EndedAt:   cp.EndedAt,
		})
	}
	return out, nil
}

// Workflow returns the extracted workflow runID executes.
func (r *Runtime) Workflow(ctx context.Context, runID string) (*schema.Workflow, error) {
	if r.loader == nil {
		return nil, schema.NewError(schema.ErrCodeWorkflowNotFound, "runtime has no workflow loader")
	}
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	event, err := r.store.GetEvent(ctx, run.EventID)
	if err != nil {
		return nil, err
	}
	wf, err := r.loader(ctx, *event)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "workflow of run %s not found", runID)
	}
	return engine.ExtractSubflows(wf), nil
}

// Recover resubmits runs a previous process left queued or running. Running
// runs resume from their checkpoints.
func (r *Runtime) Recover(ctx context.Context) (int, error) {
	runs, err := r.store.ListRuns(ctx, store.RunFilter{
		Statuses: []schema.RunStatus{schema.RunStatusQueued, schema.RunStatusRunning},
	})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, run := range runs {
		r.mu.Lock()
		_, active := r.cancels[run.ID]
		r.mu.Unlock()
		if active {
			continue
		}
		event, err := r.store.GetEvent(ctx, run.EventID)
		if err != nil {
			r.logger.WarnContext(ctx, "skip recovery of run without event",
				slog.String("run_id", run.ID), slog.String("error", err.Error()))
			continue
		}
		if err := r.submit(ctx, run.ID, *event, run.Status); err != nil {
			return recovered, err
		}
		recovered++
	}
	if recovered > 0 {
		r.logger.InfoContext(ctx, "runs recovered", slog.Int("count", recovered))
	}
	return recovered, nil
}

// Metrics returns the worker pool counters.
func (r *Runtime) Metrics() PoolMetrics { return r.pool.Metrics() }

// Wait blocks until every submitted run has finished.
func (r *Runtime) Wait() { r.pool.Wait() }

// Shutdown cancels running runs and waits for them to stop. Their status
// stays Running so Recover picks them up on the next start.
func (r *Runtime) Shutdown() {
	r.stopRoot()
	r.pool.Shutdown()
}

func (r *Runtime) submit(ctx context.Context, runID string, event schema.TriggerEvent, from schema.RunStatus) error {
	runCtx, cancel := context.WithCancel(r.root)
	r.mu.Lock()
	r.cancels[runID] = cancel
	r.mu.Unlock()

	err := r.pool.Submit(ctx, runCtx, func(ctx context.Context) error {
		defer r.release(runID)
		return r.execute(ctx, runID, event, from)
	})
	if err != nil {
		r.release(runID)
		return schema.NewErrorf(schema.ErrCodeExecution, "submit run %s", runID).WithCause(err)
	}
	return nil
}

func (r *Runtime) release(runID string) {
	r.mu.Lock()
	if cancel, ok := r.cancels[runID]; ok {
		cancel()
		delete(r.cancels, runID)
	}
	r.mu.Unlock()
}

// execute runs one attempt of runID.
func (r *Runtime) execute(ctx context.Context, runID string, event schema.TriggerEvent, from schema.RunStatus) error {
	ctx = logging.WithEventID(logging.WithRunID(ctx, runID), event.ID)
	logger := logging.LogWith(ctx, r.logger)

	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != from {
		// cancelled while queued
		return nil
	}
	if ctx.Err() != nil && r.root.Err() == nil {
		return r.finish(ctx, runID, from, schema.RunStatusCancelled, nil, "cancelled before start")
	}
	if err := r.fsm.Transition(ctx, runID, from, schema.RunStatusRunning, map[string]any{"attempt": run.Attempt + 1}); err != nil {
		return err
	}
	running := schema.RunStatusRunning
	attempt := run.Attempt + 1
	now := time.Now().UTC()
	update := store.RunUpdate{Status: &running, Attempt: &attempt}
	if run.StartedAt == nil {
		update.StartedAt = &now
	}
	if opts, err := event.RunOptions(); err == nil && event.Name == schema.TriggerWorkflowRun && opts.WorkflowID != "" {
		update.WorkflowID = &opts.WorkflowID
	}
	if err := r.store.UpdateRun(ctx, runID, update); err != nil {
		return err
	}

	runOpts := engine.RunOptions{
		RunID:   runID,
		Event:   event,
		Step:    durable.NewJournal(runID, &recordingCheckpointer{store: r.store, events: r.fsm.appender}),
		Publish: r.publisher(runID, event),
	}
	if event.Name == schema.TriggerWorkflowRun {
		opts, _ := event.RunOptions()
		runOpts.State = opts.State
	}

	state, runErr := r.engine.Run(ctx, runOpts)
	// A shutdown leaves the run Running for Recover.
	if runErr != nil && r.root.Err() != nil {
		logger.InfoContext(ctx, "run interrupted by shutdown")
		return runErr
	}

	switch {
	case runErr == nil:
		return r.finish(ctx, runID, schema.RunStatusRunning, schema.RunStatusCompleted, state, "")
	case schema.HasCode(runErr, schema.ErrCodeCancelled) || ctx.Err() != nil:
		return r.finish(ctx, runID, schema.RunStatusRunning, schema.RunStatusCancelled, state, runErr.Error())
	default:
		if err := r.finish(ctx, runID, schema.RunStatusRunning, schema.RunStatusFailed, state, runErr.Error()); err != nil {
			return err
		}
		return runErr
	}
}

// finish moves runID to a terminal status and stores its output. It uses a
// context detached from the run so a cancelled run still records its end.
func (r *Runtime) finish(ctx context.Context, runID string, from, to schema.RunStatus, state engine.RunState, msg string) error {
	ctx = context.WithoutCancel(ctx)
	var payload map[string]any
	if msg != "" {
		payload = map[string]any{"error": msg}
	}
	if err := r.fsm.Transition(ctx, runID, from, to, payload); err != nil {
		return err
	}

	ended := time.Now().UTC()
	update := store.RunUpdate{Status: &to, EndedAt: &ended}
	if msg != "" {
		update.Error = &msg
	}
	if state != nil {
		raw, err := json.Marshal(state)
		if err != nil {
			r.logger.WarnContext(ctx, "run output is not JSON encodable", slog.String("run_id", runID), slog.String("error", err.Error()))
		} else {
			update.Output = raw
		}
	}
	if err := r.store.UpdateRun(ctx, runID, update); err != nil {
		return err
	}
	logging.LogWith(ctx, r.logger).InfoContext(ctx, "run finished", slog.String("run_id", runID), slog.String("status", string(to)))
	return nil
}

// publisher returns the lifecycle sink of a run. workflow/run events publish
// only when they ask for debug or stream output; other events always do.
func (r *Runtime) publisher(runID string, event schema.TriggerEvent) actions.PublishFunc {
	if event.Name == schema.TriggerWorkflowRun {
		opts, err := event.RunOptions()
		if err != nil || (!opts.Debug && !opts.Stream) {
			return nil
		}
	}
	return r.mediator.Publisher(runID)
}

// recordingCheckpointer saves checkpoints to the store and logs a
// step_completed event for each.
type recordingCheckpointer struct {
	store  store.Store
	events EventAppender
}

func (c *recordingCheckpointer) LoadCheckpoint(ctx context.Context, runID, name string) (*durable.Checkpoint, error) {
	return c.store.LoadCheckpoint(ctx, runID, name)
}

func (c *recordingCheckpointer) SaveCheckpoint(ctx context.Context, cp *durable.Checkpoint) error {
	if err := c.store.SaveCheckpoint(ctx, cp); err != nil {
		return err
	}
	_, err := c.events.Append(ctx, cp.RunID, schema.EventStepCompleted, cp.Name, nil)
	return err
}

var _ mediator.Bus = (*Runtime)(nil)
