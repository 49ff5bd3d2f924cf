package mcp

import "sync"

// SessionRegistry maps event IDs to the MCP sessions that asked to be
// notified about them.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // eventID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates an event ID with a session ID, replacing any
// previous session.
func (r *SessionRegistry) Register(eventID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[eventID] = sessionID
}

// SessionFor returns the session watching the given event.
func (r *SessionRegistry) SessionFor(eventID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[eventID]
	return sid, ok
}

// Forget drops the mapping of one event.
func (r *SessionRegistry) Forget(eventID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, eventID)
}

// Remove deletes every event mapped to the given session. Called when a
// session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for eid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, eid)
		}
	}
}

// Len returns the number of watched events.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
