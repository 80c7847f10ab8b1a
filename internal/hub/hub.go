// Package hub fans out state-change events to connected observers.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// There is no replay buffer: an observer that connects after an event was
// published has missed it.
package hub

import (
	"sync"
	"sync/atomic"
)

// Well-known event names.
const (
	EventStatus   = "status"
	EventNewImage = "new_image"
	EventToast    = "toast"
)

// Event is one pushed message: a name tag plus a small, JSON-serializable
// payload.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Toast is the payload of EventToast.
type Toast struct {
	Type    string `json:"type"` // "ok" | "warn" | "error"
	Message string `json:"message"`
}

type Hub struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func New() *Hub {
	return &Hub{subs: map[uint64]chan Event{}}
}

// Publish delivers the event to every current subscriber, best effort.
// A full subscriber buffer drops the event for that subscriber only; a
// concurrently-closed channel is tolerated.
func (h *Hub) Publish(name string, data any) {
	e := Event{Event: name, Data: data}

	// Snapshot subscribers so Publish doesn't hold locks while sending.
	h.mu.RLock()
	chs := make([]chan Event, 0, len(h.subs))
	for _, ch := range h.subs {
		chs = append(chs, ch)
	}
	h.mu.RUnlock()

	for _, ch := range chs {
		// If a subscriber unsubscribes concurrently and the channel closes,
		// recover from the send panic rather than taking down the publisher.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

// Subscribe registers an observer. The returned unsubscribe func is
// idempotent and prunes the observer from the registry.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := h.seq.Add(1)

	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}

// Observers reports the current subscriber count.
func (h *Hub) Observers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
