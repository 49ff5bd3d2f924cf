package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/stepflow/pkg/schema"
)

// ExpressionActions returns the expression evaluation actions: expr, jq and cel.
func ExpressionActions(deps BuiltinDeps) []EngineAction {
	return []EngineAction{
		{
			Kind:        "expr",
			Description: "Evaluate an Expr expression with state, inputs and event in scope",
			Handler:     NodeFunc(func(ctx context.Context, actx *Context) (any, error) {
				return deps.Expr.Evaluate(ctx, stringParam(actx.Inputs, "expression", ""), evalScope(actx))
			}),
			Inputs: expressionSchema,
		},
		{
			Kind:        "jq",
			Description: "Run a jq query over inputs.input, or over the run state when omitted",
			Handler:     NodeFunc(func(ctx context.Context, actx *Context) (any, error) {
				input, ok := actx.Inputs["input"]
				if !ok {
					input = actx.State
				}
				return deps.JQ.Query(ctx, stringParam(actx.Inputs, "query", ""), input)
			}),
			Inputs: json.RawMessage(`{"type":"object","required":["query"],"properties":{"query":{"type":"string","minLength":1},"input":{}}}`),
		},
		{
			Kind:        "cel",
			Description: "Evaluate a CEL expression; a boolean result is typically branched on with an if edge",
			Handler:     NodeFunc(func(ctx context.Context, actx *Context) (any, error) {
				out, err := deps.CEL.Evaluate(ctx, stringParam(actx.Inputs, "expression", ""), evalScope(actx))
				if err != nil {
					return nil, err
				}
				if b, ok := out.(bool); ok {
					return map[string]any{"result": b}, nil
				}
				return map[string]any{"result": out}, nil
			}),
			Inputs: expressionSchema,
		},
	}
}

var expressionSchema = json.RawMessage(`{"type":"object","required":["expression"],"properties":{"expression":{"type":"string","minLength":1}}}`)

// evalScope exposes state, inputs and event data to expression actions.
func evalScope(actx *Context) map[string]any {
	state := actx.State
	if state == nil {
		state = map[string]any{}
	}
	event := actx.Event.Payload()
	if event == nil {
		event = map[string]any{}
	}
	return map[string]any{
		"state":  state,
		"inputs": actx.Inputs,
		"event":  event,
	}
}

// requireString fails the action when key is missing or empty.
func requireString(actx *Context, key string) (string, error) {
	v := stringParam(actx.Inputs, key, "")
	if v == "" {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "%s: missing required input %q", actx.Kind, key)
	}
	return v, nil
}
