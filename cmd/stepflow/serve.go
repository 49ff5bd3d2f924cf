package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/stepflow/internal/api"
	"github.com/rendis/stepflow/internal/scheduler"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/mcp"
)

type serveOptions struct {
	addr  string
	stdio bool
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, MCP endpoint and cron scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.ListenAddr = opts.addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger, opts.stdio)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "", "listen address (overrides listen_addr)")
	cmd.Flags().BoolVar(&opts.stdio, "stdio", false, "serve MCP over stdio instead of HTTP")
	return cmd
}

func serve(ctx context.Context, cfg Config, logger *slog.Logger, stdio bool) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if n, err := a.runtime.Recover(ctx); err != nil {
		logger.Warn("recover runs", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("resumed interrupted runs", slog.Int("count", n))
	}

	sched := scheduler.New(a.store, a.runtime, logger)
	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Warn("recover missed schedules", slog.String("error", err.Error()))
	}
	if err := registerSchedules(ctx, a.store, sched, cfg.Schedules); err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = sched.Stop() }()

	mcpSrv, err := mcp.NewStepflowServer(mcp.ServerDeps{
		Bus:      a.runtime,
		Events:   a.events,
		Debug:    a.debug,
		Store:    a.store,
		Registry: a.registry,
		Engine:   a.engine,
		Lookup:   a.loader.ByID,
		Logger:   logger,
		Version:  version,
	})
	if err != nil {
		return err
	}
	if stdio {
		err := mcpSrv.Serve(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	srv, err := api.NewServer(api.Deps{
		Runtime:   a.runtime,
		Events:    a.events,
		Debug:     a.debug,
		Store:     a.store,
		Registry:  a.registry,
		Engine:    a.engine,
		Scheduler: sched,
		MCP:       mcpSrv.HTTPHandler(),
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	return srv.ListenAndServe(ctx, cfg.ListenAddr)
}

// registerSchedules upserts the schedules declared in settings. A stored
// schedule with the same cron, trigger and data keeps its run history.
func registerSchedules(ctx context.Context, st store.Store, sched *scheduler.Scheduler, schedules []ScheduleConfig) error {
	for _, sc := range schedules {
		id := sc.ID
		if id == "" {
			id = sc.Trigger
		}
		if prev, err := st.GetSchedule(ctx, id); err == nil && prev.Cron == sc.Cron && prev.Trigger == sc.Trigger && string(prev.Data) == string(sc.Data) {
			continue
		}
		err := sched.Register(ctx, &store.Schedule{
			ID:        id,
			Cron:      sc.Cron,
			Trigger:   sc.Trigger,
			Data:      sc.Data,
			Enabled:   true,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
	}
	return nil
}
