package handoff

import (
	"sync"

	"github.com/ashureev/chatbridge/internal/domain"
)

// Hub fans session state out to subscribers. Slow subscribers only ever see
// the latest state.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan domain.State
	last   *domain.State
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan domain.State)}
}

// Subscribe registers a subscriber. The current state, if any, is delivered
// first. Call the returned func to unsubscribe.
func (h *Hub) Subscribe() (<-chan domain.State, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan domain.State, 1)
	if h.last != nil {
		ch <- *h.last
	}
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
}

// Publish delivers s to every subscriber without blocking.
func (h *Hub) Publish(s domain.State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = &s
	for _, ch := range h.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

// Count returns the number of subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
