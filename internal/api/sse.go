package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/stepflow/pkg/schema"
)

// DefaultStatusInterval is how often an open stream re-reads its run status.
const DefaultStatusInterval = time.Second

// handleRunStream streams a run's lifecycle events as server-sent events.
// The stream ends after the run's terminal workflow event, or with a single
// "run" event once the stored run status is terminal.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := chi.URLParam(r, "runID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, schema.NewError(schema.ErrCodeExecution, "streaming not supported"))
		return
	}

	// Subscribe before reading the status so no terminal event slips between.
	ch, cancel, err := s.deps.Debug.Subscribe(ctx, runID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer cancel()

	run, err := s.deps.Runtime.Run(ctx, runID)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if run.Status.Terminal() {
		writeSSE(w, "run", run)
		flusher.Flush()
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(s.deps.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run, err := s.deps.Runtime.Run(ctx, runID)
			if err != nil || !run.Status.Terminal() {
				continue
			}
			writeSSE(w, "run", run)
			flusher.Flush()
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			name, done := sseEventName(msg.Data)
			done = done || msg.Final
			if err := writeSSE(w, name, msg.Data); err != nil {
				s.deps.Logger.Debug("sse write failed", slog.String("run_id", runID), slog.String("error", err.Error()))
				return
			}
			flusher.Flush()
			if done {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// sseEventName names a lifecycle event and reports whether it ends the run.
func sseEventName(v any) (string, bool) {
	switch e := v.(type) {
	case schema.WorkflowEvent:
		return schema.LifecycleWorkflow, e.Status != schema.ActionRunning
	case *schema.WorkflowEvent:
		return schema.LifecycleWorkflow, e.Status != schema.ActionRunning
	case schema.WorkflowActionEvent, *schema.WorkflowActionEvent:
		return schema.LifecycleAction, false
	}
	return "message", false
}
