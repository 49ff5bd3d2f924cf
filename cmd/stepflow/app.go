package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/loader"
	"github.com/rendis/stepflow/internal/mediator"
	"github.com/rendis/stepflow/internal/runtime"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
)

// app is the wired process: store, registry, engine and durable runtime.
type app struct {
	cfg      Config
	logger   *slog.Logger
	store    *store.LibSQLStore
	registry *actions.Registry
	loader   *loader.Loader
	engine   *engine.Engine
	runtime  *runtime.Runtime
	debug    *mediator.WorkflowMediator
	events   *mediator.EventMediator
}

// newEngine builds the registry and engine without storage, enough to
// validate and draw definitions.
func newEngine(l *loader.Loader, logger *slog.Logger) (*actions.Registry, *engine.Engine, error) {
	reg := actions.NewRegistry()
	if err := reg.Initialize(actions.BuiltinLoader(actions.BuiltinDeps{Logger: logger})); err != nil {
		return nil, nil, fmt.Errorf("register builtins: %w", err)
	}
	eng, err := engine.New(engine.Config{Registry: reg, Loader: l.Load, Logger: logger})
	if err != nil {
		return nil, nil, err
	}
	return reg, eng, nil
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	if dir := filepath.Dir(cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	opts := []loader.Option{loader.WithStore(st), loader.WithLogger(logger)}
	if cfg.WorkflowDir != "" {
		opts = append(opts, loader.WithDir(cfg.WorkflowDir))
	}
	l := loader.New(opts...)

	reg, eng, err := newEngine(l, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	debug := mediator.NewWorkflowMediator(streaming.NewMemoryHub(256), mediator.WithPublishLogger(logger))
	rt, err := runtime.New(runtime.Config{
		Store:    st,
		Engine:   eng,
		Loader:   l.Load,
		Mediator: debug,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	attempts := int(time.Duration(cfg.WaitTimeout) / mediator.DefaultPollInterval)
	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		registry: reg,
		loader:   l,
		engine:   eng,
		runtime:  rt,
		debug:    debug,
		events: mediator.NewEventMediator(rt,
			mediator.WithPolling(mediator.DefaultPollInterval, attempts),
			mediator.WithLogger(logger)),
	}, nil
}

// Close drains the runtime, then closes the store.
func (a *app) Close() {
	a.runtime.Shutdown()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", slog.String("error", err.Error()))
	}
}
