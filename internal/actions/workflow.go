package actions

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rendis/stepflow/pkg/schema"
)

// FlowActions returns the flow-control actions: echo, log, emit, fail and break.
func FlowActions(deps BuiltinDeps) []EngineAction {
	return []EngineAction{
		{Kind: "echo", Description: "Return inputs.value, or all inputs when value is absent", Handler: NodeFunc(echo)},
		{
			Kind:        "log",
			Description: "Write a structured log entry with run correlation",
			Handler:     &logAction{logger: deps.Logger},
			Inputs:      json.RawMessage(`{"type":"object","required":["message"],"properties":{"message":{"type":"string"},"level":{"enum":["debug","info","warn","error"]},"data":{}}}`),
		},
		{
			Kind:        "emit",
			Description: "Publish a custom message on the run's debug channel",
			Handler:     NodeFunc(emit),
			Inputs:      json.RawMessage(`{"type":"object","required":["name"],"properties":{"name":{"type":"string","minLength":1},"data":{}}}`),
		},
		{
			Kind:        "fail",
			Description: "Fail the run with a reason",
			Handler:     NodeFunc(fail),
		},
		{
			Kind:        "break",
			Description: "Stop this branch without failing the run",
			Handler: NodeFunc(func(_ context.Context, actx *Context) (any, error) {
				return schema.Break(actx.Inputs["value"]), nil
			}),
		},
	}
}

func echo(_ context.Context, actx *Context) (any, error) {
	if v, ok := actx.Inputs["value"]; ok {
		return v, nil
	}
	return actx.Inputs, nil
}

func fail(_ context.Context, actx *Context) (any, error) {
	return schema.Failed(map[string]any{
		"reason": stringParam(actx.Inputs, "reason", "fail action invoked"),
	}), nil
}

// CustomEvent is what the emit action publishes.
type CustomEvent struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name"`
	Data any    `json:"data,omitempty"`
}

func emit(ctx context.Context, actx *Context) (any, error) {
	name, err := requireString(actx, "name")
	if err != nil {
		return nil, err
	}
	if actx.Publish == nil {
		return map[string]any{"emitted": false}, nil
	}
	actx.Publish(ctx, CustomEvent{Type: "custom", ID: actx.ID, Name: name, Data: actx.Inputs["data"]})
	return map[string]any{"emitted": true}, nil
}

type logAction struct {
	logger *slog.Logger
}

func (a *logAction) Execute(ctx context.Context, actx *Context) (any, error) {
	message, err := requireString(actx, "message")
	if err != nil {
		return nil, err
	}

	logger := actx.Logger
	if logger == nil {
		logger = a.logger
	}

	var attrs []any
	if data, ok := actx.Inputs["data"]; ok {
		attrs = append(attrs, slog.Any("data", data))
	}

	switch stringParam(actx.Inputs, "level", "info") {
	case "debug":
		logger.DebugContext(ctx, message, attrs...)
	case "warn":
		logger.WarnContext(ctx, message, attrs...)
	case "error":
		logger.ErrorContext(ctx, message, attrs...)
	default:
		logger.InfoContext(ctx, message, attrs...)
	}
	return map[string]any{"logged": true}, nil
}
