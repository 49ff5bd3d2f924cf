// Package loader resolves the workflow a trigger event runs. Lookups go
// through a chain: the inline definition of a workflow/run event, then the
// definition store, then a directory of YAML or JSON files.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// Definitions is the part of the store the loader reads.
type Definitions interface {
	GetWorkflow(ctx context.Context, id string) (*store.WorkflowRecord, error)
}

// Loader looks workflows up by id. Its Load method is an engine.Loader.
type Loader struct {
	defs   Definitions
	dir    string
	logger *slog.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithStore adds the definition store to the chain.
func WithStore(defs Definitions) Option {
	return func(l *Loader) { l.defs = defs }
}

// WithDir adds a directory of <id>.yaml, <id>.yml or <id>.json files.
func WithDir(dir string) Option {
	return func(l *Loader) { l.dir = dir }
}

// WithLogger sets the loader's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}

// New creates a Loader.
func New(opts ...Option) *Loader {
	l := &Loader{logger: slog.Default()}
	for _, o := range opts {
		o(l)
	}
	return l
}

// WorkflowID returns the id of the workflow event runs: the workflow_id of a
// workflow/run payload, or the event name for any other event.
func WorkflowID(event schema.TriggerEvent) (string, error) {
	if event.Name != schema.TriggerWorkflowRun {
		return event.Name, nil
	}
	opts, err := event.RunOptions()
	if err != nil {
		return "", err
	}
	return opts.WorkflowID, nil
}

// Load resolves event's workflow. It returns nil, nil when no source knows
// the workflow.
func (l *Loader) Load(ctx context.Context, event schema.TriggerEvent) (*schema.Workflow, error) {
	if event.Name == schema.TriggerWorkflowRun {
		opts, err := event.RunOptions()
		if err != nil {
			return nil, err
		}
		if opts.Workflow != nil {
			return opts.Workflow, nil
		}
	}

	id, err := WorkflowID(event)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow/run event names neither a workflow id nor an inline workflow")
	}
	return l.ByID(ctx, id)
}

// ByID resolves a workflow by id through the store and the directory.
func (l *Loader) ByID(ctx context.Context, id string) (*schema.Workflow, error) {
	if l.defs != nil {
		rec, err := l.defs.GetWorkflow(ctx, id)
		switch {
		case err == nil:
			return withID(rec.Definition, id), nil
		case !schema.HasCode(err, schema.ErrCodeNotFound):
			return nil, schema.NewErrorf(schema.ErrCodeStore, "load workflow %q", id).WithCause(err)
		}
	}

	if l.dir != "" {
		wf, err := l.fromDir(id)
		if err != nil {
			return nil, err
		}
		if wf != nil {
			return withID(wf, id), nil
		}
	}

	l.logger.DebugContext(ctx, "workflow not found", slog.String("workflow_id", id))
	return nil, nil
}

func (l *Loader) fromDir(id string) (*schema.Workflow, error) {
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid workflow id %q", id)
	}
	for _, ext := range []string{".yaml", ".yml", ".json"} {
		path := filepath.Join(l.dir, id+ext)
		wf, err := ParseFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return wf, nil
	}
	return nil, nil
}

// List returns the ids of the workflows in the directory.
func (l *Loader) List() ([]string, error) {
	if l.dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read workflow dir: %w", err)
	}
	var ids []string
	seen := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if !isWorkflowExt(ext) {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ext)
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func withID(wf *schema.Workflow, id string) *schema.Workflow {
	if wf != nil && wf.ID == "" {
		wf = wf.Clone()
		wf.ID = id
	}
	return wf
}

func isWorkflowExt(ext string) bool {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
