package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/diagram"
	"github.com/rendis/stepflow/internal/loader"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// handleSend fires a trigger event. With notify the run's lifecycle events
// are pushed to the calling session.
func (s *StepflowServer) handleSend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	trigger, err := req.RequireString("trigger")
	if err != nil {
		return mcp.NewToolResultError("trigger is required"), nil
	}
	data := req.GetArguments()["data"]
	wait := req.GetBool("wait", false)

	res, err := s.events.SendEvent(ctx, trigger, data, wait)
	if err != nil {
		return toolError(err), nil
	}

	if req.GetBool("notify", false) && s.debug != nil {
		if s.captureSession(ctx, res.EventID) && !res.Status.Terminal() {
			go s.watch(context.WithoutCancel(ctx), res.EventID)
		}
	}
	return marshalResult(res)
}

func (s *StepflowServer) handleStop(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	eventID, err := req.RequireString("event_id")
	if err != nil {
		return mcp.NewToolResultError("event_id is required"), nil
	}
	stopped, err := s.events.StopEvent(ctx, eventID)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"event_id": eventID, "stopped": stopped})
}

func (s *StepflowServer) handleTrace(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	eventID, err := req.RequireString("event_id")
	if err != nil {
		return mcp.NewToolResultError("event_id is required"), nil
	}
	switch detail := req.GetString("detail", "steps"); detail {
	case "raw":
		trace, err := s.events.GetEventTrace(ctx, eventID)
		if err != nil {
			return toolError(err), nil
		}
		return marshalResult(trace)
	case "steps":
		trace, err := s.events.GetEventStepTrace(ctx, eventID)
		if err != nil {
			return toolError(err), nil
		}
		return marshalResult(trace)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown detail %q", detail)), nil
	}
}

// handleDefine validates a definition the same way a run would and stores it.
func (s *StepflowServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("id is required"), nil
	}
	def, ok := req.GetArguments()["definition"]
	if !ok || def == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	raw, err := json.Marshal(def)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	wf, err := loader.Parse(raw)
	if err != nil {
		return toolError(err), nil
	}
	if _, err := s.engine.Prepare(ctx, wf, schema.TriggerEvent{Name: id}); err != nil {
		return toolError(err), nil
	}
	wf.ID = id

	now := time.Now().UTC()
	rec := &store.WorkflowRecord{
		ID:         id,
		Name:       wf.Name,
		Definition: wf,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.SaveWorkflow(ctx, rec); err != nil {
		return toolError(err), nil
	}
	s.logger.Info("workflow defined", slog.String("workflow_id", id), slog.Int("actions", len(wf.Actions)))
	return marshalResult(map[string]any{"id": id, "stored": true})
}

func (s *StepflowServer) handleActions(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(s.registry.List())
}

// handleDiagram draws an event's latest run, or a stored definition when
// only workflow_id is given.
func (s *StepflowServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	eventID := req.GetString("event_id", "")
	workflowID := req.GetString("workflow_id", "")
	format := req.GetString("format", "mermaid")

	var (
		wf *schema.Workflow
		ov diagram.Overlay
	)
	switch {
	case eventID != "":
		trace, err := s.events.GetEventTrace(ctx, eventID)
		if err != nil {
			return toolError(err), nil
		}
		wf, err = s.bus.Workflow(ctx, trace.Run.ID)
		if err != nil {
			return toolError(err), nil
		}
		ov = diagram.NewOverlay(wf, trace.Run.Status, trace.Steps)
	case workflowID != "":
		var err error
		wf, err = s.workflow(ctx, workflowID)
		if err != nil {
			return toolError(err), nil
		}
	default:
		return mcp.NewToolResultError("event_id or workflow_id is required"), nil
	}

	model, err := diagram.Build(wf, ov)
	if err != nil {
		return toolError(err), nil
	}
	switch format {
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "image":
		img, err := diagram.RenderImage(ctx, model, diagram.FormatPNG)
		if err != nil {
			return toolError(err), nil
		}
		return mcp.NewToolResultImage(model.Title, base64.StdEncoding.EncodeToString(img), "image/png"), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown format %q", format)), nil
	}
}

func (s *StepflowServer) workflow(ctx context.Context, id string) (*schema.Workflow, error) {
	if s.lookup != nil {
		wf, err := s.lookup(ctx, id)
		if err == nil && wf == nil {
			err = schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "workflow %q not found", id)
		}
		return wf, err
	}
	rec, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.Definition, nil
}

// captureSession maps eventID to the calling session. It reports false
// when the call did not come through a session.
func (s *StepflowServer) captureSession(ctx context.Context, eventID string) bool {
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return false
	}
	s.sessions.Register(eventID, session.SessionID())
	return true
}

// --- Helpers ---

// toolError renders err as a tool error. FlowErrors keep their code and
// details as JSON.
func toolError(err error) *mcp.CallToolResult {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		data, mErr := json.Marshal(fe)
		if mErr == nil {
			return mcp.NewToolResultError(string(data))
		}
	}
	return mcp.NewToolResultError(err.Error())
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
