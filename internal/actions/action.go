package actions

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rendis/stepflow/internal/durable"
	"github.com/rendis/stepflow/pkg/schema"
)

// Mode selects how the registry drives a handler.
type Mode string

const (
	// ModePlain wraps the whole handler call in one named durable step.
	ModePlain Mode = "plain"
	// ModeNested hands the handler the step runtime; only the outer result
	// extraction is wrapped in a named step.
	ModeNested Mode = "nested"
	// ModeEach drives an Enumerator and runs the attached subflow once per element.
	ModeEach Mode = "each"
)

// Node is the handler of a plain or nested action. The returned value is
// either an *schema.ActionResult or raw data, which is wrapped as COMPLETED.
type Node interface {
	Execute(ctx context.Context, actx *Context) (any, error)
}

// NodeFunc adapts a function to Node.
type NodeFunc func(ctx context.Context, actx *Context) (any, error)

func (f NodeFunc) Execute(ctx context.Context, actx *Context) (any, error) {
	return f(ctx, actx)
}

// Enumerator is the handler of an each action. First positions the cursor on
// the first element; Next is called with Context.Index set to the requested
// position. Either returns EOF when no element exists at that position.
type Enumerator interface {
	First(ctx context.Context, actx *Context) (*schema.EnumeratorData, error)
	Next(ctx context.Context, actx *Context) (*schema.EnumeratorData, error)
}

// PublishFunc delivers a lifecycle event to the run's debug channel.
type PublishFunc func(ctx context.Context, event any)

// Context is what a handler sees of the run.
type Context struct {
	RunID       string
	ID          string
	Name        string
	Kind        string
	Description string
	Inputs      map[string]any
	State       map[string]any
	Event       schema.TriggerEvent
	// Step is set only for nested-mode handlers.
	Step durable.Step
	// Index is the position requested from Enumerator.Next.
	Index   int
	Publish PublishFunc
	Logger  *slog.Logger
}

// EngineAction is a registered action kind. Immutable after registration.
type EngineAction struct {
	Kind        string
	Name        string
	Description string
	Mode        Mode
	Handler     Node
	Enumerator  Enumerator
	// Inputs and Outputs are JSON Schemas used by tooling, never at execution.
	Inputs  json.RawMessage
	Outputs json.RawMessage
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Kind        string          `json:"kind"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Mode        Mode            `json:"mode"`
	Inputs      json.RawMessage `json:"inputs,omitempty"`
	Outputs     json.RawMessage `json:"outputs,omitempty"`
}

func stringParam(m map[string]any, key, fallback string) string {
	if m == nil {
		return fallback
	}
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
