package source

import (
	"sync"
	"sync/atomic"

	"github.com/hb9tf/hfstream/sdr"
)

const subscriberBuffer = 64

// Hub fans receiver events out to subscribers. Publishing never blocks: a
// subscriber that does not keep up loses events.
type Hub struct {
	mu      sync.Mutex
	subs    map[int]chan sdr.Event
	next    int
	dropped atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{subs: map[int]chan sdr.Event{}}
}

// Subscribe returns a channel of future events and a function that ends the
// subscription and closes the channel.
func (h *Hub) Subscribe() (<-chan sdr.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan sdr.Event, subscriberBuffer)
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
	}
}

func (h *Hub) Publish(ev sdr.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Close ends all subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

// Dropped returns the number of events not delivered to slow subscribers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
