package actions

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// Loader contributes actions during Initialize.
type Loader func(r *Registry) error

// Registry holds the action kinds available to the engine. It is built once
// per process, read concurrently afterwards, and passed to whoever needs it.
type Registry struct {
	mu          sync.RWMutex
	actions     map[string]EngineAction
	order       []string
	version     int64
	initialized bool
	initErr     error

	validator *validation.JSONSchemaValidator
	logger    *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithValidator sets the validator used by ValidateInputs.
func WithValidator(v *validation.JSONSchemaValidator) Option {
	return func(r *Registry) { r.validator = v }
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		actions: make(map[string]EngineAction),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Initialize runs loaders exactly once. Later calls return the first result
// without running anything.
func (r *Registry) Initialize(loaders ...Loader) error {
	r.mu.Lock()
	if r.initialized {
		err := r.initErr
		r.mu.Unlock()
		return err
	}
	r.initialized = true
	r.mu.Unlock()

	for _, load := range loaders {
		if err := load(r); err != nil {
			r.mu.Lock()
			r.initErr = err
			r.mu.Unlock()
			return err
		}
	}
	r.logger.Debug("action registry initialized", slog.Int("actions", r.Count()), slog.Int64("version", r.Version()))
	return nil
}

// Add registers an action. Duplicate kinds are rejected.
func (r *Registry) Add(a EngineAction) error {
	if a.Kind == "" {
		return schema.NewError(schema.ErrCodeValidation, "action kind is empty")
	}
	if a.Mode == "" {
		a.Mode = ModePlain
	}
	switch a.Mode {
	case ModePlain, ModeNested:
		if a.Handler == nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "action %q has no handler", a.Kind)
		}
	case ModeEach:
		if a.Enumerator == nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "each action %q has no enumerator", a.Kind)
		}
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "action %q has unknown mode %q", a.Kind, a.Mode)
	}
	if a.Name == "" {
		a.Name = a.Kind
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[a.Kind]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", a.Kind)
	}
	r.actions[a.Kind] = a
	r.order = append(r.order, a.Kind)
	r.bumpVersion()
	return nil
}

// bumpVersion advances the version token to the current time, or by one
// when the clock has not moved. Callers hold mu.
func (r *Registry) bumpVersion() {
	now := time.Now().UnixNano()
	if now <= r.version {
		now = r.version + 1
	}
	r.version = now
}

// Version returns a token that strictly increases on every Add.
func (r *Registry) Version() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Actions returns a copy of the registered actions in registration order.
func (r *Registry) Actions() []EngineAction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]EngineAction, 0, len(r.order))
	for _, kind := range r.order {
		out = append(out, r.actions[kind])
	}
	return out
}

// Get retrieves an action by kind.
func (r *Registry) Get(kind string) (EngineAction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.actions[kind]
	if !ok {
		return EngineAction{}, schema.NewErrorf(schema.ErrCodeActionUnavailable, "action %q not registered", kind)
	}
	return a, nil
}

// Has checks if an action kind is registered.
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[kind]
	return ok
}

// Count returns the number of registered actions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions)
}

// List returns info for all registered actions, sorted by kind.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ActionInfo, 0, len(r.actions))
	for _, a := range r.actions {
		infos = append(infos, ActionInfo{
			Kind:        a.Kind,
			Name:        a.Name,
			Description: a.Description,
			Mode:        a.Mode,
			Inputs:      a.Inputs,
			Outputs:     a.Outputs,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Kind < infos[j].Kind
	})
	return infos
}

// ValidateInputs checks inputs against the declared input schema of kind.
// Kinds without a schema accept anything.
func (r *Registry) ValidateInputs(kind string, inputs map[string]any) error {
	a, err := r.Get(kind)
	if err != nil {
		return err
	}
	if len(a.Inputs) == 0 {
		return nil
	}
	v, err := r.inputValidator()
	if err != nil {
		return err
	}
	return v.ValidateInput(inputs, a.Inputs)
}

func (r *Registry) inputValidator() (*validation.JSONSchemaValidator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.validator == nil {
		v, err := validation.NewJSONSchemaValidator()
		if err != nil {
			return nil, err
		}
		r.validator = v
	}
	return r.validator, nil
}

var _ validation.ActionLookup = (*Registry)(nil)
