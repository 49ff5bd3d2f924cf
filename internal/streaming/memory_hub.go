package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
)

const defaultChannelBuffer = 64

type subscriber struct {
	ch     chan Message
	filter Filter
	once   sync.Once
}

// MemoryHub is an in-process Hub backed by buffered channels.
type MemoryHub struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	seq    atomic.Uint64
	buffer int
}

// NewMemoryHub creates a MemoryHub whose subscriber channels hold buffer
// messages; buffer <= 0 selects the default.
func NewMemoryHub(buffer int) *MemoryHub {
	if buffer <= 0 {
		buffer = defaultChannelBuffer
	}
	return &MemoryHub{subs: make(map[uint64]*subscriber), buffer: buffer}
}

// Publish delivers msg to every matching subscriber without blocking: a
// subscriber whose buffer is full misses the message, unless msg is Final,
// in which case its oldest buffered messages are evicted to make room.
func (h *MemoryHub) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.filter.matches(msg) {
			continue
		}
		select {
		case sub.ch <- msg:
			continue
		default:
		}
		if msg.Final {
			deliverFinal(sub.ch, msg)
		}
	}
	return nil
}

// deliverFinal must run under the read lock so cancel cannot close ch.
func deliverFinal(ch chan Message, msg Message) {
	for {
		select {
		case ch <- msg:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Subscribe registers a subscriber for filter.
func (h *MemoryHub) Subscribe(ctx context.Context, filter Filter) (<-chan Message, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	sub := &subscriber{ch: make(chan Message, h.buffer), filter: filter}

	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()

	done := make(chan struct{})
	cancel := func() {
		sub.once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.ch)
			close(done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()

	return sub.ch, cancel, nil
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (f Filter) matches(msg Message) bool {
	if f.Channel != "" && f.Channel != msg.Channel {
		return false
	}
	return len(f.Topics) == 0 || slices.Contains(f.Topics, msg.Topic)
}

var _ Hub = (*MemoryHub)(nil)
