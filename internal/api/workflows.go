package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/stepflow/internal/loader"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.Store.ListWorkflows(r.Context(), store.WorkflowFilter{
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []*store.WorkflowRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Store.GetWorkflow(r.Context(), chi.URLParam(r, "*"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handlePutWorkflow stores a definition under the path id after validating
// it. The body is a workflow document in JSON or YAML.
func (s *Server) handlePutWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "*")
	if id == "" {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "workflow id is required"))
		return
	}

	wf, err := readWorkflow(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.deps.Engine.Prepare(ctx, wf, schema.TriggerEvent{Name: id}); err != nil {
		writeError(w, err)
		return
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
	if err := s.deps.Store.SaveWorkflow(ctx, rec); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteWorkflow(r.Context(), chi.URLParam(r, "*")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleValidateWorkflow reports every validation issue of a document
// without storing it.
func (s *Server) handleValidateWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := readWorkflow(r)
	if err != nil {
		writeError(w, err)
		return
	}
	extracted, err := s.deps.Engine.Prepare(r.Context(), wf, schema.TriggerEvent{})
	if err != nil {
		var fe *schema.FlowError
		if !errors.As(err, &fe) {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "error": fe})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "workflow": extracted})
}

func readWorkflow(r *http.Request) (*schema.Workflow, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "read body").WithCause(err)
	}
	return loader.Parse(body)
}

type createScheduleRequest struct {
	ID      string          `json:"id"`
	Cron    string          `json:"cron"`
	Trigger string          `json:"trigger"`
	Data    json.RawMessage `json:"data,omitempty"`
	Enabled *bool           `json:"enabled,omitempty"`
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.deps.Store.ListSchedules(r.Context(), store.ScheduleFilter{Trigger: r.URL.Query().Get("trigger")})
	if err != nil {
		writeError(w, err)
		return
	}
	if schedules == nil {
		schedules = []*store.Schedule{}
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var body createScheduleRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	sch := &store.Schedule{
		ID:        body.ID,
		Cron:      body.Cron,
		Trigger:   body.Trigger,
		Data:      body.Data,
		Enabled:   body.Enabled == nil || *body.Enabled,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.deps.Scheduler.Register(r.Context(), sch); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sch)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteSchedule(r.Context(), chi.URLParam(r, "scheduleID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
