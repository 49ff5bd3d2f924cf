package durable

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rendis/stepflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournal_RunCheckpointsAndReplays(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpoints()
	calls := 0
	fn := func(ctx context.Context) (any, error) {
		calls++
		return map[string]any{"n": calls}, nil
	}

	first := NewJournal("run-1", store)
	raw, err := first.Run(ctx, "fetch", fn)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(raw))

	replay := NewJournal("run-1", store)
	raw, err = replay.Run(ctx, "fetch", fn)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(raw))
	assert.Equal(t, 1, calls, "replay must not invoke the step again")

	executed, replayed := replay.Stats()
	assert.Equal(t, 0, executed)
	assert.Equal(t, 1, replayed)
}

func TestJournal_OccurrenceSuffix(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpoints()
	j := NewJournal("run-1", store)

	for i := 0; i < 3; i++ {
		i := i
		_, err := j.Run(ctx, "each", func(context.Context) (any, error) { return i, nil })
		require.NoError(t, err)
	}

	cps, err := store.ListCheckpoints(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, cps, 3)
	assert.Equal(t, "each", cps[0].Name)
	assert.Equal(t, "each:1", cps[1].Name)
	assert.Equal(t, "each:2", cps[2].Name)
	assert.Equal(t, json.RawMessage("2"), cps[2].Output)
}

func TestJournal_FailureIsNotCheckpointed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpoints()
	boom := errors.New("boom")

	_, err := NewJournal("run-1", store).Run(ctx, "a", func(context.Context) (any, error) { return nil, boom })
	require.ErrorIs(t, err, boom)

	raw, err := NewJournal("run-1", store).Run(ctx, "a", func(context.Context) (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, `"ok"`, string(raw))
}

func TestJournal_CancelledRunStartsNoSteps(t *testing.T) {
	store := NewMemoryCheckpoints()
	_, err := NewJournal("run-1", store).Run(context.Background(), "done", func(context.Context) (any, error) { return 1, nil })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	j := NewJournal("run-1", store)
	raw, err := j.Run(ctx, "done", func(context.Context) (any, error) { return 2, nil })
	require.NoError(t, err, "checkpointed steps still replay")
	assert.Equal(t, "1", string(raw))

	called := false
	_, err = j.Run(ctx, "next", func(context.Context) (any, error) { called = true; return nil, nil })
	assert.True(t, schema.HasCode(err, schema.ErrCodeCancelled))
	assert.False(t, called)
}

func TestJournal_UnencodableResult(t *testing.T) {
	_, err := NewJournal("r", NewMemoryCheckpoints()).Run(context.Background(), "x", func(context.Context) (any, error) {
		return make(chan int), nil
	})
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))
}

func TestDo_Typed(t *testing.T) {
	type out struct {
		Items []string `json:"items"`
	}
	ctx := context.Background()
	store := NewMemoryCheckpoints()

	got, err := Do(ctx, NewJournal("r", store), "list", func(context.Context) (out, error) {
		return out{Items: []string{"a"}}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got.Items)

	again, err := Do(ctx, NewJournal("r", store), "list", func(context.Context) (out, error) {
		return out{}, errors.New("must not run")
	})
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestEncode(t *testing.T) {
	raw, err := Encode(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(raw))

	raw, err = Encode(json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(raw))
}
