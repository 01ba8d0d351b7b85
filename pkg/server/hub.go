package server

import (
	"sync"

	"github.com/ericogr/k2000-logger/pkg/acquisition"
)

// Hub fans status snapshots out to websocket subscribers. Slow subscribers
// miss intermediate snapshots rather than blocking the controller.
type Hub struct {
	mu     sync.Mutex
	subs   map[chan acquisition.Status]struct{}
	done   chan struct{}
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan acquisition.Status]struct{}), done: make(chan struct{})}
}

// Broadcast is suitable as acquisition.Options.Notify.
func (h *Hub) Broadcast(st acquisition.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- st:
		default:
			// keep the newest snapshot
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}

func (h *Hub) subscribe() chan acquisition.Status {
	ch := make(chan acquisition.Status, 8)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan acquisition.Status) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// Close ends every websocket stream.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.done)
	}
}
