// Package engine interprets workflow graphs. It extracts subflows, validates
// the result, and walks the graph from its start points, dispatching every
// action through the action registry.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/durable"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/refs"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// Loader resolves the workflow a trigger event refers to.
// A nil workflow with a nil error means the workflow does not exist.
type Loader func(ctx context.Context, event schema.TriggerEvent) (*schema.Workflow, error)

// Validator checks an extracted workflow before it runs.
type Validator interface {
	ValidateWorkflow(wf *schema.Workflow) error
}

// RunState maps action ids to their outputs.
type RunState map[string]any

// Config holds the engine's collaborators.
type Config struct {
	Registry *actions.Registry
	Loader   Loader
	// Validator defaults to a validation.WorkflowValidator backed by Registry.
	Validator Validator
	Resolver  *refs.Resolver
	Logger    *slog.Logger
}

// RunOptions describes one run. Workflow is optional when a Loader is configured.
type RunOptions struct {
	RunID    string
	Event    schema.TriggerEvent
	Step     durable.Step
	Workflow *schema.Workflow
	// State seeds the run on top of Workflow.State.
	State   map[string]any
	Publish actions.PublishFunc
}

// Engine runs workflows. It holds no per-run state and is safe for
// concurrent use by independent runs.
type Engine struct {
	registry  *actions.Registry
	loader    Loader
	validator Validator
	resolver  *refs.Resolver
	logger    *slog.Logger
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires an action registry")
	}
	e := &Engine{
		registry:  cfg.Registry,
		loader:    cfg.Loader,
		validator: cfg.Validator,
		resolver:  cfg.Resolver,
		logger:    cfg.Logger,
	}
	if e.validator == nil {
		v, err := validation.NewWorkflowValidator(cfg.Registry)
		if err != nil {
			return nil, err
		}
		e.validator = v
	}
	if e.resolver == nil {
		e.resolver = refs.NewResolver(nil)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e, nil
}

// Prepare loads (when wf is nil), extracts and validates the workflow for
// event. It publishes nothing.
func (e *Engine) Prepare(ctx context.Context, wf *schema.Workflow, event schema.TriggerEvent) (*schema.Workflow, error) {
	if wf == nil {
		if e.loader == nil {
			return nil, schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "no workflow supplied for event %q and no loader configured", event.Name)
		}
		loaded, err := e.loader(ctx, event)
		if err != nil {
			var fe *schema.FlowError
			if errors.As(err, &fe) {
				return nil, err
			}
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "load workflow for event %q", event.Name).WithCause(err)
		}
		if loaded == nil {
			return nil, schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "workflow not found for event %q", event.Name)
		}
		wf = loaded
	}

	extracted := ExtractSubflows(wf)
	if err := e.validator.ValidateWorkflow(extracted); err != nil {
		return nil, err
	}
	return extracted, nil
}

// Run executes a workflow to completion and returns the accumulated state.
// Loading and definition errors are returned before anything is published.
// Otherwise exactly one RUNNING workflow event and one terminal workflow
// event are published, the latter also when the walk fails.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (state RunState, err error) {
	if opts.Step == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "no durable step runtime")
	}
	if opts.RunID != "" {
		ctx = logging.WithRunID(ctx, opts.RunID)
	}
	if opts.Event.ID != "" {
		ctx = logging.WithEventID(ctx, opts.Event.ID)
	}
	logger := logging.LogWith(ctx, e.logger)

	wf, err := e.Prepare(ctx, opts.Workflow, opts.Event)
	if err != nil {
		logger.WarnContext(ctx, "workflow not started", slog.String("error", err.Error()))
		return nil, err
	}

	state = make(RunState)
	for k, v := range schema.CloneMap(wf.State) {
		state[k] = v
	}
	for k, v := range schema.CloneMap(opts.State) {
		state[k] = v
	}

	started := time.Now().UTC()
	publish(ctx, opts.Publish, schema.WorkflowEvent{
		Type:      schema.LifecycleWorkflow,
		Status:    schema.ActionRunning,
		StartedAt: &started,
	})
	defer func() {
		ended := time.Now().UTC()
		ev := schema.WorkflowEvent{
			Type:      schema.LifecycleWorkflow,
			Status:    schema.ActionCompleted,
			StartedAt: &started,
			EndedAt:   &ended,
		}
		if err != nil {
			ev.Status = schema.ActionFailed
			ev.Error = err.Error()
		}
		// A cancelled run still reports how it ended.
		publish(context.WithoutCancel(ctx), opts.Publish, ev)
	}()

	logger.InfoContext(ctx, "workflow started", slog.Int("actions", len(wf.Actions)), slog.Int("subflows", len(wf.Subflows)))

	w := &walker{
		engine:  e,
		runID:   opts.RunID,
		event:   opts.Event,
		payload: opts.Event.Payload(),
		step:    opts.Step,
		publish: opts.Publish,
		logger:  logger,
	}
	if err = w.walk(ctx, wf, state); err != nil {
		logger.WarnContext(ctx, "workflow failed", slog.String("error", err.Error()))
		return state, err
	}

	logger.InfoContext(ctx, "workflow completed", slog.Duration("duration", time.Since(started)))
	return state, nil
}

func publish(ctx context.Context, fn actions.PublishFunc, event any) {
	if fn != nil {
		fn(ctx, event)
	}
}

// walker carries what stays fixed across one run, including its subflow runs.
type walker struct {
	engine  *Engine
	runID   string
	event   schema.TriggerEvent
	payload map[string]any
	step    durable.Step
	publish actions.PublishFunc
	logger  *slog.Logger
}

// pending is an action waiting to run, with the output that led to it.
type pending struct {
	id   string
	prev any
}

// walk runs wf against state, which it mutates. Actions are visited
// breadth-first in declaration order; each runs at most once per walk.
func (w *walker) walk(ctx context.Context, wf *schema.Workflow, state RunState) error {
	byID := make(map[string]schema.WorkflowAction, len(wf.Actions))
	for _, a := range wf.Actions {
		byID[a.ID] = a
	}
	outgoing := make(map[string][]schema.WorkflowEdge)
	for _, edge := range wf.Edges {
		outgoing[edge.From] = append(outgoing[edge.From], edge)
	}

	queue := make([]pending, 0, len(wf.Actions))
	for _, id := range startPoints(wf, byID) {
		queue = append(queue, pending{id: id})
	}
	queued := make(map[string]bool, len(wf.Actions))
	for _, p := range queue {
		queued[p.id] = true
	}

	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]

		action, ok := byID[p.id]
		if !ok {
			w.logger.WarnContext(ctx, "edge target is not an action of this workflow", slog.String("target", p.id))
			continue
		}
		if err := ctx.Err(); err != nil {
			return schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithAction(action.ID).WithCause(err)
		}

		res, err := w.execute(ctx, wf, action, state, p.prev)
		if err != nil {
			return err
		}

		switch res.Status {
		case schema.ActionFailed:
			state[action.ID] = res.Data
			return schema.NewErrorf(schema.ErrCodeActionFailed, "action %s failed", action.ID).
				WithAction(action.ID).
				WithDetails(map[string]any{"output": res.Data})
		case schema.ActionBreak:
			state[action.ID] = res.Data
			w.logger.DebugContext(ctx, "branch stopped", slog.String("action_id", action.ID))
			continue
		case schema.ActionRunning:
			state[action.ID] = res.Data
			continue
		}

		state[action.ID] = res.Data
		scope := w.scope(state, res.Data)
		for _, edge := range w.engine.resolver.SelectEdges(ctx, outgoing[action.ID], scope) {
			if queued[edge.To] {
				continue
			}
			queued[edge.To] = true
			queue = append(queue, pending{id: edge.To, prev: res.Data})
		}
	}
	return nil
}

// execute resolves the action's inputs and dispatches it to the registry,
// wiring a child walk when the action owns a subflow.
func (w *walker) execute(ctx context.Context, wf *schema.Workflow, action schema.WorkflowAction, state RunState, prev any) (*schema.ActionResult, error) {
	inputs := w.engine.resolver.ResolveInputs(ctx, action.Inputs, w.scope(state, prev))

	inv := actions.Invocation{
		RunID:   w.runID,
		Action:  action,
		Inputs:  inputs,
		State:   map[string]any(state),
		Event:   w.event,
		Step:    w.step,
		Publish: w.publish,
		Logger:  w.engine.logger,
	}
	if sub, ok := wf.Subflows[action.ID]; ok && sub != nil {
		inv.Subflow = func(ctx context.Context, child map[string]any) (map[string]any, error) {
			return w.runSubflow(ctx, sub, child)
		}
	}
	return w.engine.registry.Invoke(ctx, inv)
}

// runSubflow walks sub on the child state and returns the outputs of the
// subflow's own actions.
func (w *walker) runSubflow(ctx context.Context, sub *schema.Workflow, child map[string]any) (map[string]any, error) {
	state := RunState(child)
	if err := w.walk(ctx, sub, state); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(sub.Actions))
	for _, a := range sub.Actions {
		if v, ok := state[a.ID]; ok {
			out[a.ID] = v
		}
	}
	return out, nil
}

// scope is the ref resolution scope: the run state plus the reserved
// $event and $prev entries.
func (w *walker) scope(state RunState, prev any) map[string]any {
	scope := make(map[string]any, len(state)+2)
	for k, v := range state {
		scope[k] = v
	}
	scope[refs.EventKey] = w.payload
	scope[refs.PreviousKey] = prev
	return scope
}

// startPoints returns the targets of "$source" edges when the workflow has
// any, otherwise every action without an incoming edge from an action of the
// same workflow. Order follows declaration order.
func startPoints(wf *schema.Workflow, byID map[string]schema.WorkflowAction) []string {
	var starts []string
	seen := make(map[string]bool)
	for _, e := range wf.Edges {
		if e.From == schema.SourceID && !seen[e.To] {
			seen[e.To] = true
			starts = append(starts, e.To)
		}
	}
	if len(starts) > 0 {
		return starts
	}

	incoming := make(map[string]bool)
	for _, e := range wf.Edges {
		if _, ok := byID[e.From]; ok {
			incoming[e.To] = true
		}
	}
	for _, a := range wf.Actions {
		if !incoming[a.ID] {
			starts = append(starts, a.ID)
		}
	}
	return starts
}

