// Package mcp exposes stepflow to agents as MCP tools over stdio or
// streamable HTTP.
package mcp

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/mediator"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

const (
	// DefaultWatchTimeout bounds how long a notify watch follows one run.
	DefaultWatchTimeout = 10 * time.Minute
	// DefaultStatusInterval is how often a watch re-reads its run status.
	DefaultStatusInterval = time.Second
)

// Preparer extracts and validates workflow definitions.
type Preparer interface {
	Prepare(ctx context.Context, wf *schema.Workflow, event schema.TriggerEvent) (*schema.Workflow, error)
}

// LookupFunc resolves a workflow definition by id.
type LookupFunc func(ctx context.Context, id string) (*schema.Workflow, error)

// ServerDeps holds the dependencies for creating a StepflowServer. Debug
// and Lookup are optional: without Debug the notify flag of stepflow.send
// is ignored, without Lookup stepflow.diagram only draws events.
type ServerDeps struct {
	Bus      mediator.Bus
	Events   *mediator.EventMediator
	Debug    *mediator.WorkflowMediator
	Store    store.Store
	Registry *actions.Registry
	Engine   Preparer
	Lookup   LookupFunc
	Logger   *slog.Logger
	Version  string
}

// StepflowServer wraps an MCP server with stepflow tool handlers.
type StepflowServer struct {
	bus          mediator.Bus
	events       *mediator.EventMediator
	debug        *mediator.WorkflowMediator
	store        store.Store
	registry     *actions.Registry
	engine       Preparer
	lookup       LookupFunc
	logger       *slog.Logger
	sessions     *SessionRegistry
	notifier     Notifier
	watchTimeout time.Duration
	statusEvery  time.Duration
	mcpServer    *server.MCPServer
}

// NewStepflowServer creates a StepflowServer with every tool registered.
func NewStepflowServer(deps ServerDeps) (*StepflowServer, error) {
	if deps.Bus == nil || deps.Store == nil || deps.Registry == nil || deps.Engine == nil {
		return nil, errors.New("mcp: bus, store, registry and engine are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	events := deps.Events
	if events == nil {
		events = mediator.NewEventMediator(deps.Bus, mediator.WithLogger(logger))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &StepflowServer{
		bus:          deps.Bus,
		events:       events,
		debug:        deps.Debug,
		store:        deps.Store,
		registry:     deps.Registry,
		engine:       deps.Engine,
		lookup:       deps.Lookup,
		logger:       logger,
		sessions:     NewSessionRegistry(),
		watchTimeout: DefaultWatchTimeout,
		statusEvery:  DefaultStatusInterval,
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"stepflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Stepflow runs event-triggered workflows. Use stepflow.send to fire a trigger event, stepflow.stop to cancel it, stepflow.trace to inspect what its run did, stepflow.define to store a workflow, stepflow.actions to list the action kinds workflows may use, and stepflow.diagram to draw a workflow or a run."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s, nil
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *StepflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// HTTPHandler returns a streamable HTTP transport for mounting next to the
// REST API.
func (s *StepflowServer) HTTPHandler() *server.StreamableHTTPServer {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *StepflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *StepflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: sendTool(), Handler: s.handleSend},
		{Tool: stopTool(), Handler: s.handleStop},
		{Tool: traceTool(), Handler: s.handleTrace},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: actionsTool(), Handler: s.handleActions},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func sendTool() mcp.Tool {
	return mcp.NewTool("stepflow.send",
		mcp.WithDescription("Send a trigger event and optionally wait for the output of the run it starts"),
		mcp.WithString("trigger", mcp.Required(), mcp.Description("Event name; it selects the workflow to run")),
		mcp.WithObject("data", mcp.Description("Event payload, available to workflows as $.$event")),
		mcp.WithBoolean("wait", mcp.Description("Block until the run ends or the wait budget runs out")),
		mcp.WithBoolean("notify", mcp.Description("Push the run's lifecycle events to this session")),
	)
}

func stopTool() mcp.Tool {
	return mcp.NewTool("stepflow.stop",
		mcp.WithDescription("Cancel the running runs of an event"),
		mcp.WithString("event_id", mcp.Required(), mcp.Description("ID returned by stepflow.send")),
	)
}

func traceTool() mcp.Tool {
	return mcp.NewTool("stepflow.trace",
		mcp.WithDescription("Get the trace of an event's latest run"),
		mcp.WithString("event_id", mcp.Required(), mcp.Description("ID returned by stepflow.send")),
		mcp.WithString("detail",
			mcp.Enum("raw", "steps"),
			mcp.Description("raw returns checkpointed steps, steps correlates them into per-action spans (default: steps)"),
		),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("stepflow.define",
		mcp.WithDescription("Validate and store a workflow definition"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Workflow id; events with this name run it")),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition with actions and edges")),
	)
}

func actionsTool() mcp.Tool {
	return mcp.NewTool("stepflow.actions",
		mcp.WithDescription("List the registered action kinds"),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("stepflow.diagram",
		mcp.WithDescription("Draw a workflow, or an event's run with its progress overlaid"),
		mcp.WithString("event_id", mcp.Description("Draw the latest run of this event")),
		mcp.WithString("workflow_id", mcp.Description("Draw a stored workflow definition")),
		mcp.WithString("format",
			mcp.Enum("mermaid", "ascii", "image"),
			mcp.Description("Output format; image is a PNG (default: mermaid)"),
		),
	)
}
