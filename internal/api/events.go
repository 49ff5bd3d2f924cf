package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/stepflow/internal/diagram"
	"github.com/rendis/stepflow/pkg/schema"
)

type sendEventRequest struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
	Wait bool            `json:"wait,omitempty"`
}

// handleSendEvent submits a trigger event. With wait it blocks until the
// event's run ends or the polling budget runs out.
func (s *Server) handleSendEvent(w http.ResponseWriter, r *http.Request) {
	var body sendEventRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Name == "" {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "name is required"))
		return
	}

	var data any
	if len(body.Data) > 0 {
		data = body.Data
	}
	res, err := s.deps.Events.SendEvent(r.Context(), body.Name, data, body.Wait)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusAccepted
	if res.Status.Terminal() {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) handleEventRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.deps.Runtime.Runs(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleStopEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	stopped, err := s.deps.Events.StopEvent(r.Context(), eventID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event_id": eventID, "stopped": stopped})
}

func (s *Server) handleEventTrace(w http.ResponseWriter, r *http.Request) {
	trace, err := s.deps.Events.GetEventTrace(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trace)
}

func (s *Server) handleEventSteps(w http.ResponseWriter, r *http.Request) {
	trace, err := s.deps.Events.GetEventStepTrace(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trace)
}

// handleEventDiagram draws the workflow of the event's latest run with the
// run's progress overlaid. format is mermaid (default), ascii, svg or png.
func (s *Server) handleEventDiagram(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	trace, err := s.deps.Events.GetEventTrace(ctx, chi.URLParam(r, "eventID"))
	if err != nil {
		writeError(w, err)
		return
	}
	wf, err := s.deps.Runtime.Workflow(ctx, trace.Run.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	model, err := diagram.Build(wf, diagram.NewOverlay(wf, trace.Run.Status, trace.Steps))
	if err != nil {
		writeError(w, err)
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "mermaid":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(diagram.RenderMermaid(model)))
	case "ascii":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(diagram.RenderASCII(model)))
	case "svg", "png":
		img, err := diagram.RenderImage(ctx, model, diagram.ImageFormat(format))
		if err != nil {
			writeError(w, err)
			return
		}
		if format == "svg" {
			w.Header().Set("Content-Type", "image/svg+xml")
		} else {
			w.Header().Set("Content-Type", "image/png")
		}
		_, _ = w.Write(img)
	default:
		writeError(w, schema.NewErrorf(schema.ErrCodeValidation, "unknown diagram format %q", format))
	}
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Runtime.Run(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
