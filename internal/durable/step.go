// Package durable implements replay-safe named steps. A step's result is
// checkpointed the first time it succeeds; replays of the same run return the
// checkpoint instead of invoking the step function again.
package durable

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// Func is the body of a durable step.
type Func func(ctx context.Context) (any, error)

// Step runs named, idempotent units of work.
type Step interface {
	Run(ctx context.Context, name string, fn Func) (json.RawMessage, error)
}

// Checkpoint is the persisted result of one step occurrence.
type Checkpoint struct {
	RunID     string          `json:"run_id"`
	Name      string          `json:"name"`
	Output    json.RawMessage `json:"output,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   time.Time       `json:"ended_at"`
}

// Checkpointer persists step checkpoints.
type Checkpointer interface {
	// LoadCheckpoint returns nil, nil when no checkpoint exists.
	LoadCheckpoint(ctx context.Context, runID, name string) (*Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
}

// Journal is the Step implementation for a single run attempt.
// Repeated names get an occurrence suffix (name, name:1, name:2, ...) so a
// deterministic replay addresses the same checkpoints in the same order.
type Journal struct {
	runID string
	store Checkpointer

	mu       sync.Mutex
	seen     map[string]int
	executed int
	replayed int
}

// NewJournal creates a Journal for runID backed by store.
func NewJournal(runID string, store Checkpointer) *Journal {
	return &Journal{runID: runID, store: store, seen: make(map[string]int)}
}

// RunID returns the run this journal records.
func (j *Journal) RunID() string {
	return j.runID
}

// Run returns the checkpointed output of name or executes fn and checkpoints
// its JSON-encoded result. Failed executions are not checkpointed. No new
// step starts once ctx is done.
func (j *Journal) Run(ctx context.Context, name string, fn Func) (json.RawMessage, error) {
	key := j.occurrence(name)

	cp, err := j.store.LoadCheckpoint(ctx, j.runID, key)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load checkpoint %s", key).WithCause(err)
	}
	if cp != nil {
		j.mu.Lock()
		j.replayed++
		j.mu.Unlock()
		return cp.Output, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCancelled, "step %s not started: run cancelled", key).WithCause(err)
	}

	started := time.Now().UTC()
	out, err := fn(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := Encode(out)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "step %s returned a value that is not JSON encodable", key).WithCause(err)
	}

	cp = &Checkpoint{
		RunID:     j.runID,
		Name:      key,
		Output:    raw,
		StartedAt: started,
		EndedAt:   time.Now().UTC(),
	}
	if err := j.store.SaveCheckpoint(ctx, cp); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "save checkpoint %s", key).WithCause(err)
	}

	j.mu.Lock()
	j.executed++
	j.mu.Unlock()
	return raw, nil
}

// Stats returns how many steps executed and how many were replayed.
func (j *Journal) Stats() (executed, replayed int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.executed, j.replayed
}

func (j *Journal) occurrence(name string) string {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := j.seen[name]
	j.seen[name] = n + 1
	if n == 0 {
		return name
	}
	return name + ":" + strconv.Itoa(n)
}

// Encode renders a step result as JSON. Raw messages pass through; nil becomes null.
func Encode(v any) (json.RawMessage, error) {
	switch val := v.(type) {
	case json.RawMessage:
		if len(val) == 0 {
			return json.RawMessage("null"), nil
		}
		return val, nil
	case nil:
		return json.RawMessage("null"), nil
	}
	return json.Marshal(v)
}

// Do runs a typed step: fn's result is checkpointed and decoded back into T,
// so first execution and replay observe identical values.
func Do[T any](ctx context.Context, step Step, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	raw, err := step.Run(ctx, name, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return out, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, schema.NewErrorf(schema.ErrCodeExecution, "decode step %s output", name).WithCause(err)
	}
	return out, nil
}

var _ Step = (*Journal)(nil)
