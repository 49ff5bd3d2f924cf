package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	_, ok := r.SessionFor("evt-1")
	assert.False(t, ok)

	r.Register("evt-1", "session-abc")
	sid, ok := r.SessionFor("evt-1")
	assert.True(t, ok)
	assert.Equal(t, "session-abc", sid)
}

func TestSessionRegistry_Overwrite(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("evt-1", "session-old")
	r.Register("evt-1", "session-new")

	sid, ok := r.SessionFor("evt-1")
	assert.True(t, ok)
	assert.Equal(t, "session-new", sid)
}

func TestSessionRegistry_Remove(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("evt-1", "session-abc")
	r.Register("evt-2", "session-abc")
	r.Register("evt-3", "session-xyz")

	r.Remove("session-abc")

	_, ok := r.SessionFor("evt-1")
	assert.False(t, ok, "evt-1 should be removed")

	_, ok = r.SessionFor("evt-2")
	assert.False(t, ok, "evt-2 should be removed")

	sid, ok := r.SessionFor("evt-3")
	assert.True(t, ok, "evt-3 should still exist")
	assert.Equal(t, "session-xyz", sid)
	assert.Equal(t, 1, r.Len())
}

func TestSessionRegistry_Forget(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("evt-1", "session-abc")
	r.Register("evt-2", "session-abc")
	r.Forget("evt-1")

	_, ok := r.SessionFor("evt-1")
	assert.False(t, ok)
	_, ok = r.SessionFor("evt-2")
	assert.True(t, ok)
}
