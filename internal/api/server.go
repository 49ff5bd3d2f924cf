// Package api serves the HTTP ingress of stepflow: sending and stopping
// events, run traces and diagrams, a server-sent debug stream per run, and
// management of workflow definitions and schedules.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/mediator"
	"github.com/rendis/stepflow/internal/runtime"
	"github.com/rendis/stepflow/internal/scheduler"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// Runtime is the part of the durable runtime the API reads from.
type Runtime interface {
	mediator.Bus
	Run(ctx context.Context, runID string) (mediator.RunInfo, error)
	Metrics() runtime.PoolMetrics
}

// Preparer extracts and validates workflow definitions.
type Preparer interface {
	Prepare(ctx context.Context, wf *schema.Workflow, event schema.TriggerEvent) (*schema.Workflow, error)
}

// Deps holds the server's collaborators. Scheduler may be nil, which
// disables the schedule routes. MCP, when set, is served at /mcp.
// StatusInterval defaults to DefaultStatusInterval.
type Deps struct {
	Runtime   Runtime
	Events    *mediator.EventMediator
	Debug     *mediator.WorkflowMediator
	Store     store.Store
	Registry  *actions.Registry
	Engine    Preparer
	Scheduler *scheduler.Scheduler
	MCP       http.Handler
	Logger    *slog.Logger

	StatusInterval time.Duration
}

// Server is the HTTP API.
type Server struct {
	deps   Deps
	router chi.Router
}

// NewServer creates a Server and builds its routes.
func NewServer(deps Deps) (*Server, error) {
	if deps.Runtime == nil || deps.Store == nil || deps.Registry == nil || deps.Engine == nil {
		return nil, errors.New("api: runtime, store, registry and engine are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.StatusInterval <= 0 {
		deps.StatusInterval = DefaultStatusInterval
	}
	if deps.Events == nil {
		deps.Events = mediator.NewEventMediator(deps.Runtime, mediator.WithLogger(deps.Logger))
	}
	s := &Server{deps: deps}
	s.router = s.buildRouter()
	return s, nil
}

// ServeHTTP delegates to the chi router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.deps.Logger.Info("http api listening", slog.String("addr", addr))

	select {
	case err := <-errCh:
		return fmt.Errorf("api: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	return nil
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/actions", s.handleListActions)

	r.Route("/events", func(r chi.Router) {
		r.Post("/", s.handleSendEvent)
		r.Route("/{eventID}", func(r chi.Router) {
			r.Get("/runs", s.handleEventRuns)
			r.Post("/stop", s.handleStopEvent)
			r.Get("/trace", s.handleEventTrace)
			r.Get("/steps", s.handleEventSteps)
			r.Get("/diagram", s.handleEventDiagram)
		})
	})

	r.Get("/runs/{runID}", s.handleGetRun)
	r.Get("/runs/{runID}/stream", s.handleRunStream)

	r.Route("/workflows", func(r chi.Router) {
		r.Get("/", s.handleListWorkflows)
		r.Post("/validate", s.handleValidateWorkflow)
		// Workflow ids are event names and may contain slashes.
		r.Get("/*", s.handleGetWorkflow)
		r.Put("/*", s.handlePutWorkflow)
		r.Delete("/*", s.handleDeleteWorkflow)
	})

	if s.deps.Scheduler != nil {
		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", s.handleListSchedules)
			r.Post("/", s.handleCreateSchedule)
			r.Delete("/{scheduleID}", s.handleDeleteSchedule)
		})
	}
	if s.deps.MCP != nil {
		r.Handle("/mcp", s.deps.MCP)
	}
	return r
}

// requestLogger logs one line per request through the server's slog logger.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.deps.Logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"pool":             s.deps.Runtime.Metrics(),
		"actions":          s.deps.Registry.Count(),
		"registry_version": s.deps.Registry.Version(),
	})
}

func (s *Server) handleListActions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Registry.List())
}
