package actions

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rendis/stepflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubAction(kind string) EngineAction {
	return EngineAction{
		Kind:    kind,
		Handler: NodeFunc(func(context.Context, *Context) (any, error) { return map[string]any{"ok": true}, nil }),
	}
}

func TestRegistry_Add(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Add(stubAction("fetch")))

	assert.True(t, reg.Has("fetch"))
	assert.Equal(t, 1, reg.Count())

	got, err := reg.Get("fetch")
	require.NoError(t, err)
	assert.Equal(t, ModePlain, got.Mode, "mode defaults to plain")
	assert.Equal(t, "fetch", got.Name, "name defaults to kind")
}

func TestRegistry_Add_Rejects(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Add(stubAction("dup")))

	tests := []struct {
		name   string
		action EngineAction
		code   string
	}{
		{"duplicate", stubAction("dup"), schema.ErrCodeConflict},
		{"empty kind", stubAction(""), schema.ErrCodeValidation},
		{"plain without handler", EngineAction{Kind: "x"}, schema.ErrCodeValidation},
		{"each without enumerator", EngineAction{Kind: "y", Mode: ModeEach}, schema.ErrCodeValidation},
		{"unknown mode", EngineAction{Kind: "z", Mode: "parallel", Handler: stubAction("z").Handler}, schema.ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.Add(tt.action)
			var fe *schema.FlowError
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, tt.code, fe.Code)
		})
	}
	assert.Equal(t, 1, reg.Count())
}

func TestRegistry_Get_NotFound(t *testing.T) {
	_, err := NewRegistry().Get("missing")
	assert.True(t, schema.HasCode(err, schema.ErrCodeActionUnavailable))
}

func TestRegistry_InitializeRunsOnce(t *testing.T) {
	reg := NewRegistry()
	calls := 0
	loader := func(r *Registry) error {
		calls++
		return r.Add(stubAction("a"))
	}

	require.NoError(t, reg.Initialize(loader))
	require.NoError(t, reg.Initialize(loader))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, reg.Count())
}

func TestRegistry_InitializeRemembersError(t *testing.T) {
	reg := NewRegistry()
	boom := errors.New("boom")

	require.ErrorIs(t, reg.Initialize(func(*Registry) error { return boom }), boom)
	require.ErrorIs(t, reg.Initialize(), boom)
}

func TestRegistry_VersionIsMonotonic(t *testing.T) {
	reg := NewRegistry()
	assert.Zero(t, reg.Version())

	prev := reg.Version()
	for _, kind := range []string{"a", "b", "c", "d"} {
		require.NoError(t, reg.Add(stubAction(kind)))
		v := reg.Version()
		assert.Greater(t, v, prev)
		prev = v
	}
}

func TestRegistry_ActionsIsDefensiveCopy(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Add(stubAction("a")))
	require.NoError(t, reg.Add(stubAction("b")))

	list := reg.Actions()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Kind)
	list[0].Kind = "mutated"

	again := reg.Actions()
	require.Len(t, again, 2)
	assert.Equal(t, "a", again[0].Kind)
}

func TestRegistry_List_Sorted(t *testing.T) {
	reg := NewRegistry()
	for _, kind := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, reg.Add(stubAction(kind)))
	}
	infos := reg.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "alpha", infos[0].Kind)
	assert.Equal(t, "mid", infos[1].Kind)
	assert.Equal(t, "zeta", infos[2].Kind)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = reg.Add(stubAction(string(rune('a' + i%26))))
		}(i)
		go func() {
			defer wg.Done()
			_ = reg.Actions()
			_ = reg.Version()
		}()
	}
	wg.Wait()
	assert.Equal(t, 26, reg.Count())
}

func TestRegistry_ValidateInputs(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Initialize(BuiltinLoader(BuiltinDeps{})))

	assert.NoError(t, reg.ValidateInputs("expr", map[string]any{"expression": "1 + 1"}))
	assert.Error(t, reg.ValidateInputs("expr", map[string]any{}))
	assert.NoError(t, reg.ValidateInputs("echo", nil), "kinds without schema accept anything")
	assert.True(t, schema.HasCode(reg.ValidateInputs("nope", nil), schema.ErrCodeActionUnavailable))
}
