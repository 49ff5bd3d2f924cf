package durable

import (
	"context"
	"sync"
)

// MemoryCheckpoints is an in-process Checkpointer. Checkpoints survive
// across Journals for the same run, which is what replay needs.
type MemoryCheckpoints struct {
	mu    sync.RWMutex
	byRun map[string][]*Checkpoint
}

// NewMemoryCheckpoints creates an empty checkpoint store.
func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{byRun: make(map[string][]*Checkpoint)}
}

func (m *MemoryCheckpoints) LoadCheckpoint(_ context.Context, runID, name string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cp := range m.byRun[runID] {
		if cp.Name == name {
			c := *cp
			return &c, nil
		}
	}
	return nil, nil
}

func (m *MemoryCheckpoints) SaveCheckpoint(_ context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.byRun[cp.RunID]
	for i, existing := range list {
		if existing.Name == cp.Name {
			c := *cp
			list[i] = &c
			return nil
		}
	}
	c := *cp
	m.byRun[cp.RunID] = append(list, &c)
	return nil
}

// ListCheckpoints returns a run's checkpoints in the order they were written.
func (m *MemoryCheckpoints) ListCheckpoints(_ context.Context, runID string) ([]*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Checkpoint, 0, len(m.byRun[runID]))
	for _, cp := range m.byRun[runID] {
		c := *cp
		out = append(out, &c)
	}
	return out, nil
}

var _ Checkpointer = (*MemoryCheckpoints)(nil)
