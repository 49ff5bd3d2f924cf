package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// DefaultInterval is how often the scheduler looks for due schedules.
const DefaultInterval = 60 * time.Second

// EventSender submits trigger events. Satisfied by the runtime.
type EventSender interface {
	Send(ctx context.Context, event schema.TriggerEvent) (string, error)
}

// Scheduler polls the store for due schedules and fires their events.
type Scheduler struct {
	store    store.Store
	sender   EventSender
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently firing
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval overrides the polling interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler.
func New(st store.Store, sender EventSender, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:    st,
		sender:   sender,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		interval: DefaultInterval,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register validates a schedule's cron expression and saves it. A new
// schedule's first run is the next cron match after now.
func (s *Scheduler) Register(ctx context.Context, sch *store.Schedule) error {
	if sch.ID == "" || sch.Trigger == "" {
		return schema.NewError(schema.ErrCodeValidation, "schedule requires id and trigger")
	}
	next, err := s.CalculateNextRun(sch.Cron, s.now())
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	sch.NextRunAt = &next
	if err := s.store.SaveSchedule(ctx, sch); err != nil {
		return schema.NewError(schema.ErrCodeStore, "save schedule").WithCause(err)
	}
	s.logger.Info("schedule registered",
		slog.String("schedule_id", sch.ID),
		slog.String("trigger", sch.Trigger),
		slog.Time("next_run_at", next))
	return nil
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every enabled schedule that is due and returns how many fired.
func (s *Scheduler) Tick(ctx context.Context) int {
	enabled := true
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list schedules", slog.String("error", err.Error()))
		return 0
	}

	now := s.now()
	fired := 0
	for _, sch := range schedules {
		if sch.NextRunAt != nil && sch.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(sch.ID) {
			continue
		}
		if err := s.fire(ctx, sch, now); err != nil {
			s.logger.Error("failed to fire schedule",
				slog.String("schedule_id", sch.ID),
				slog.String("error", err.Error()),
			)
		} else {
			fired++
		}
		s.release(sch.ID)
	}
	return fired
}

// fire sends the schedule's event and advances its next run.
func (s *Scheduler) fire(ctx context.Context, sch *store.Schedule, now time.Time) error {
	s.logger.Info("firing schedule",
		slog.String("schedule_id", sch.ID),
		slog.String("trigger", sch.Trigger),
	)

	eventID, err := s.sender.Send(ctx, schema.TriggerEvent{
		Name:      sch.Trigger,
		Data:      sch.Data,
		Timestamp: now,
	})
	status := "sent"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled event rejected",
			slog.String("schedule_id", sch.ID),
			slog.String("error", err.Error()),
		)
	}

	nextRun, cerr := s.CalculateNextRun(sch.Cron, now)
	if cerr != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", sch.ID, cerr)
	}
	if uerr := s.store.UpdateSchedule(ctx, sch.ID, store.ScheduleUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
		LastEventID:   eventID,
	}); uerr != nil {
		return uerr
	}
	return err
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop shuts down the scheduling loop and waits for it to exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed fires once every schedule whose next run passed while the
// process was down.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed schedules: %w", err)
	}

	now := s.now()
	recovered := 0
	for _, sch := range schedules {
		if sch.NextRunAt == nil || !sch.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(sch.ID) {
			continue
		}
		if err := s.fire(ctx, sch, now); err != nil {
			s.logger.Error("failed to recover missed schedule",
				slog.String("schedule_id", sch.ID),
				slog.String("error", err.Error()),
			)
			s.release(sch.ID)
			continue
		}
		s.release(sch.ID)
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed schedules", slog.Int("count", recovered))
	}
	return nil
}
