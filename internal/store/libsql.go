package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/stepflow/internal/durable"
	"github.com/rendis/stepflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/stepflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so they go through QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB (used by the event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflow definitions ---

// SaveWorkflow inserts or replaces a workflow definition.
func (s *LibSQLStore) SaveWorkflow(ctx context.Context, wf *WorkflowRecord) error {
	if wf.Definition == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "workflow %q has no definition", wf.ID)
	}
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, description, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, description=excluded.description,
		   definition=excluded.definition, updated_at=excluded.updated_at`,
		wf.ID, nullStr(wf.Name), nullStr(wf.Description), string(def), timeOrNow(wf.CreatedAt), now,
	)
	return err
}

const workflowColumns = `id, name, description, definition, created_at, updated_at`

func scanWorkflow(row interface{ Scan(...any) error }) (*WorkflowRecord, error) {
	wf := &WorkflowRecord{}
	var name, desc sql.NullString
	var defJSON string
	if err := row.Scan(&wf.ID, &name, &desc, &defJSON, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.Name = name.String
	wf.Description = desc.String
	def, err := schema.ParseWorkflowJSON([]byte(defJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal definition of %s: %w", wf.ID, err)
	}
	wf.Definition = def
	return wf, nil
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*WorkflowRecord, error) {
	wf, err := scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*WorkflowRecord, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows ORDER BY id ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WorkflowRecord
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// --- Trigger events ---

func (s *LibSQLStore) SaveEvent(ctx context.Context, event *schema.TriggerEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trigger_events (id, name, data, ts) VALUES (?, ?, ?, ?)`,
		event.ID, event.Name, nullRaw(event.Data), timeOrNow(event.Timestamp),
	)
	return err
}

func (s *LibSQLStore) GetEvent(ctx context.Context, id string) (*schema.TriggerEvent, error) {
	ev := &schema.TriggerEvent{}
	var data sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, data, ts FROM trigger_events WHERE id = ?`, id,
	).Scan(&ev.ID, &ev.Name, &data, &ev.Timestamp)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("event", id)
	}
	if err != nil {
		return nil, err
	}
	ev.Data = rawOrNil(data)
	return ev, nil
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, event_id, event_name, workflow_id, status, output, error, attempt, created_at, started_at, ended_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.EventID, run.EventName, nullStr(run.WorkflowID), string(run.Status),
		nullRaw(run.Output), nullStr(run.Error), run.Attempt,
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.EndedAt), now,
	)
	return err
}

const runColumns = `id, event_id, event_name, workflow_id, status, output, error, attempt, created_at, started_at, ended_at, updated_at`

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	r := &Run{}
	var (
		workflowID, output, errMsg sql.NullString
		startedAt, endedAt         sql.NullTime
		status                     string
	)
	if err := row.Scan(&r.ID, &r.EventID, &r.EventName, &workflowID, &status, &output, &errMsg,
		&r.Attempt, &r.CreatedAt, &startedAt, &endedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.WorkflowID = workflowID.String
	r.Status = schema.RunStatus(status)
	r.Output = rawOrNil(output)
	r.Error = errMsg.String
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		r.EndedAt = &endedAt.Time
	}
	return r, nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return r, err
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.WorkflowID != nil {
		sets = append(sets, "workflow_id = ?")
		args = append(args, nullStr(*update.WorkflowID))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullStr(*update.Error))
	}
	if update.Attempt != nil {
		sets = append(sets, "attempt = ?")
		args = append(args, *update.Attempt)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.EndedAt != nil {
		sets = append(sets, "ended_at = ?")
		args = append(args, *update.EndedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

// ListRuns returns matching runs, newest first.
func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.EventID != "" {
		where = append(where, "event_id = ?")
		args = append(args, filter.EventID)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// --- Checkpoints ---

// LoadCheckpoint returns nil, nil when the step has no checkpoint.
func (s *LibSQLStore) LoadCheckpoint(ctx context.Context, runID, name string) (*durable.Checkpoint, error) {
	cp := &durable.Checkpoint{}
	var output sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, name, output, started_at, ended_at FROM checkpoints WHERE run_id = ? AND name = ?`,
		runID, name,
	).Scan(&cp.RunID, &cp.Name, &output, &cp.StartedAt, &cp.EndedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cp.Output = rawOrNil(output)
	return cp, nil
}

// SaveCheckpoint writes a checkpoint. Rewriting an existing step keeps its
// original position in the run's step order.
func (s *LibSQLStore) SaveCheckpoint(ctx context.Context, cp *durable.Checkpoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (run_id, name, output, started_at, ended_at, seq)
		 VALUES (?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM checkpoints WHERE run_id = ?))
		 ON CONFLICT(run_id, name) DO UPDATE SET output=excluded.output,
		   started_at=excluded.started_at, ended_at=excluded.ended_at`,
		cp.RunID, cp.Name, nullRaw(cp.Output), cp.StartedAt, cp.EndedAt, cp.RunID,
	)
	return err
}

// ListCheckpoints returns a run's checkpoints in write order.
func (s *LibSQLStore) ListCheckpoints(ctx context.Context, runID string) ([]*durable.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, name, output, started_at, ended_at FROM checkpoints WHERE run_id = ? ORDER BY seq ASC`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*durable.Checkpoint
	for rows.Next() {
		cp := &durable.Checkpoint{}
		var output sql.NullString
		if err := rows.Scan(&cp.RunID, &cp.Name, &output, &cp.StartedAt, &cp.EndedAt); err != nil {
			return nil, err
		}
		cp.Output = rawOrNil(output)
		out = append(out, cp)
	}
	return out, rows.Err()
}

// --- Run events ---

// AppendRunEvent appends an event with the next per-run sequence number.
func (s *LibSQLStore) AppendRunEvent(ctx context.Context, event *RunEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, event_type, step_name, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, event.Type, nullStr(event.StepName), nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert run event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run event: %w", err)
	}
	return nil
}

// GetRunEvents returns events with sequence > since, in sequence order.
func (s *LibSQLStore) GetRunEvents(ctx context.Context, runID string, since int64) ([]*RunEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, event_type, step_name, payload, timestamp, sequence
		 FROM run_events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*RunEvent
	for rows.Next() {
		e := &RunEvent{}
		var stepName, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.Type, &stepName, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepName = stepName.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Schedules ---

// SaveSchedule inserts or replaces a schedule definition. Run bookkeeping
// (last/next run) of an existing schedule is preserved.
func (s *LibSQLStore) SaveSchedule(ctx context.Context, sch *Schedule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, cron, trigger_name, data, enabled, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET cron=excluded.cron, trigger_name=excluded.trigger_name,
		   data=excluded.data, enabled=excluded.enabled,
		   next_run_at=CASE WHEN schedules.cron = excluded.cron THEN schedules.next_run_at ELSE excluded.next_run_at END`,
		sch.ID, sch.Cron, sch.Trigger, nullRaw(sch.Data), sch.Enabled, nullTime(sch.NextRunAt), timeOrNow(sch.CreatedAt),
	)
	return err
}

const scheduleColumns = `id, cron, trigger_name, data, enabled, last_run_at, next_run_at, last_run_status, last_event_id, created_at`

func scanSchedule(row interface{ Scan(...any) error }) (*Schedule, error) {
	sch := &Schedule{}
	var (
		data, status, lastEvent sql.NullString
		lastRun, nextRun        sql.NullTime
	)
	if err := row.Scan(&sch.ID, &sch.Cron, &sch.Trigger, &data, &sch.Enabled,
		&lastRun, &nextRun, &status, &lastEvent, &sch.CreatedAt); err != nil {
		return nil, err
	}
	sch.Data = rawOrNil(data)
	sch.LastRunStatus = status.String
	sch.LastEventID = lastEvent.String
	if lastRun.Valid {
		sch.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		sch.NextRunAt = &nextRun.Time
	}
	return sch, nil
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	sch, err := scanSchedule(s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", id)
	}
	return sch, err
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any

	if update.Cron != nil {
		sets = append(sets, "cron = ?")
		args = append(args, *update.Cron)
	}
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if update.LastEventID != "" {
		sets = append(sets, "last_event_id = ?")
		args = append(args, update.LastEventID)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE schedules SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if filter.Trigger != "" {
		where = append(where, "trigger_name = ?")
		args = append(args, filter.Trigger)
	}

	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

var _ Store = (*LibSQLStore)(nil)
