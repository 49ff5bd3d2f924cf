package actions

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/stepflow/internal/durable"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/refs"
	"github.com/rendis/stepflow/pkg/schema"
)

// StartSuffix names the durable step that captures an action's resolved input.
const StartSuffix = ":start"

// SubflowRunner runs the subflow owned by the invoked action against state
// and returns the outputs of the subflow's actions.
type SubflowRunner func(ctx context.Context, state map[string]any) (map[string]any, error)

// Invocation carries everything needed to execute one workflow action.
type Invocation struct {
	RunID   string
	Action  schema.WorkflowAction
	Inputs  map[string]any
	State   map[string]any
	Event   schema.TriggerEvent
	Step    durable.Step
	Publish PublishFunc
	// Subflow is nil when the action owns no subflow.
	Subflow SubflowRunner
	Logger  *slog.Logger
}

type startRecord struct {
	Input     map[string]any `json:"input"`
	StartedAt time.Time      `json:"startedAt"`
}

// Invoke executes one action through its registered mode. It publishes a
// RUNNING action event before the handler runs and a terminal action event
// after, carrying the input on failure.
func (r *Registry) Invoke(ctx context.Context, inv Invocation) (*schema.ActionResult, error) {
	id := inv.Action.ID
	ea, err := r.Get(inv.Action.Kind)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionUnavailable, "action kind %q not registered", inv.Action.Kind).
			WithAction(id).WithCause(err)
	}
	if inv.Step == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "no durable step runtime").WithAction(id)
	}

	logger := inv.Logger
	if logger == nil {
		logger = r.logger
	}
	ctx = logging.WithActionID(ctx, id)

	start, err := durable.Do(ctx, inv.Step, id+StartSuffix, func(context.Context) (startRecord, error) {
		return startRecord{Input: inv.Inputs, StartedAt: time.Now().UTC()}, nil
	})
	if err != nil {
		return nil, err
	}
	if start.Input == nil {
		start.Input = map[string]any{}
	}

	actx := &Context{
		RunID:       inv.RunID,
		ID:          id,
		Name:        inv.Action.Name,
		Kind:        inv.Action.Kind,
		Description: inv.Action.Description,
		Inputs:      start.Input,
		State:       inv.State,
		Event:       inv.Event,
		Publish:     inv.Publish,
		Logger:      logging.LogWith(ctx, logger),
	}

	event := schema.WorkflowActionEvent{
		Type:      schema.LifecycleAction,
		ID:        id,
		Name:      displayName(inv.Action),
		Kind:      inv.Action.Kind,
		Status:    schema.ActionRunning,
		StartedAt: &start.StartedAt,
		Input:     start.Input,
	}
	publish(ctx, inv.Publish, event)

	var res *schema.ActionResult
	switch ea.Mode {
	case ModeNested:
		res, err = r.runNested(ctx, ea, actx, inv)
	case ModeEach:
		res, err = r.runEach(ctx, ea, actx, inv)
	default:
		res, err = r.runPlain(ctx, ea, actx, inv)
	}

	ended := time.Now().UTC()
	event.EndedAt = &ended
	if err != nil {
		event.Status = schema.ActionFailed
		event.Error = err.Error()
		publish(ctx, inv.Publish, event)
		logger.WarnContext(ctx, "action failed", slog.String("kind", inv.Action.Kind), slog.String("error", err.Error()))
		return nil, schema.NewErrorf(schema.ErrCodeActionFailed, "%s", err.Error()).WithAction(id).WithCause(err)
	}

	event.Status = res.Status
	event.Output = res.Data
	publish(ctx, inv.Publish, event)
	return res, nil
}

func (r *Registry) runPlain(ctx context.Context, ea EngineAction, actx *Context, inv Invocation) (*schema.ActionResult, error) {
	raw, err := inv.Step.Run(ctx, actx.ID, func(ctx context.Context) (any, error) {
		return ea.Handler.Execute(ctx, actx)
	})
	if err != nil {
		return nil, err
	}
	res, err := DecodeResult(raw)
	if err != nil {
		return nil, err
	}
	return runSubflowOnce(ctx, res, inv)
}

// runNested lets the handler checkpoint its own inner steps and only
// checkpoints the outer result.
func (r *Registry) runNested(ctx context.Context, ea EngineAction, actx *Context, inv Invocation) (*schema.ActionResult, error) {
	actx.Step = inv.Step
	out, err := ea.Handler.Execute(ctx, actx)
	if err != nil {
		return nil, err
	}
	raw, err := inv.Step.Run(ctx, actx.ID, func(context.Context) (any, error) {
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	res, err := DecodeResult(raw)
	if err != nil {
		return nil, err
	}
	return runSubflowOnce(ctx, res, inv)
}

// runEach drives the enumerator: INIT checkpoints First, every ADVANCE
// checkpoints Next under the same step name, and the subflow runs once per
// element that carries data. An empty sequence completes with zero runs.
func (r *Registry) runEach(ctx context.Context, ea EngineAction, actx *Context, inv Invocation) (*schema.ActionResult, error) {
	enum := ea.Enumerator
	cur, err := durable.Do(ctx, inv.Step, actx.ID, func(ctx context.Context) (*schema.EnumeratorData, error) {
		return enum.First(ctx, actx)
	})
	if err != nil {
		return nil, err
	}

	iterations := 0
	outputs := make([]any, 0)
	for cur != nil && !cur.EOF && refs.Truthy(cur.Data) {
		if inv.Subflow != nil {
			child := schema.CloneMap(inv.State)
			if child == nil {
				child = make(map[string]any)
			}
			child[actx.ID] = enumeratorState(cur)
			out, err := inv.Subflow(ctx, child)
			if err != nil {
				return nil, err
			}
			outputs = append(outputs, out)
		}
		iterations++

		actx.Index = iterations
		if cur.Current != nil {
			actx.Index = *cur.Current + 1
		}
		cur, err = durable.Do(ctx, inv.Step, actx.ID, func(ctx context.Context) (*schema.EnumeratorData, error) {
			return enum.Next(ctx, actx)
		})
		if err != nil {
			return nil, err
		}
	}

	return schema.Completed(map[string]any{
		"iterations": iterations,
		"outputs":    outputs,
	}), nil
}

// runSubflowOnce runs the owned subflow a single time after a completed
// plain or nested action, with the action's output in the child state.
func runSubflowOnce(ctx context.Context, res *schema.ActionResult, inv Invocation) (*schema.ActionResult, error) {
	if inv.Subflow == nil || res.Status != schema.ActionCompleted {
		return res, nil
	}
	child := schema.CloneMap(inv.State)
	if child == nil {
		child = make(map[string]any)
	}
	child[inv.Action.ID] = res.Data
	if _, err := inv.Subflow(ctx, child); err != nil {
		return nil, err
	}
	return res, nil
}

func enumeratorState(e *schema.EnumeratorData) map[string]any {
	out := map[string]any{"data": e.Data, "eof": e.EOF}
	if e.Current != nil {
		out["current"] = *e.Current
	}
	return out
}

// DecodeResult turns a checkpointed handler output into an ActionResult.
func DecodeResult(raw json.RawMessage) (*schema.ActionResult, error) {
	var v any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "decode action output").WithCause(err)
		}
	}
	return NormalizeResult(v), nil
}

// NormalizeResult adapts whatever a handler returned into an ActionResult.
// A value shaped exactly like {status, data} with a known status is taken
// as a result; anything else becomes the data of a COMPLETED result.
func NormalizeResult(raw any) *schema.ActionResult {
	switch v := raw.(type) {
	case *schema.ActionResult:
		if v == nil {
			return schema.Completed(nil)
		}
		return v
	case schema.ActionResult:
		return &v
	case map[string]any:
		status, ok := v["status"].(string)
		if !ok || !schema.ActionStatus(status).Valid() {
			break
		}
		for k := range v {
			if k != "status" && k != "data" {
				return schema.Completed(raw)
			}
		}
		return &schema.ActionResult{Status: schema.ActionStatus(status), Data: v["data"]}
	}
	return schema.Completed(raw)
}

func displayName(a schema.WorkflowAction) string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

func publish(ctx context.Context, fn PublishFunc, event any) {
	if fn != nil {
		fn(ctx, event)
	}
}
