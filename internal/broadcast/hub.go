// Package broadcast fans out server-initiated pushes (a newly-completed
// file) to every connected client session: one outbound channel per
// session, dropped the moment a send to it would block.
package broadcast

import "sync"

// Hub fans out messages to every currently-registered subscriber.
type Hub struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan []byte]struct{})}
}

// Register adds a new subscriber channel and returns it. The channel is
// buffered so a slow session doesn't stall the publisher; Unregister must
// be called when the session ends.
func (h *Hub) Register() chan []byte {
	ch := make(chan []byte, 32)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unregister removes and closes a subscriber channel.
func (h *Hub) Unregister(ch chan []byte) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// Publish sends msg to every subscriber. A subscriber whose buffer is full
// is dropped rather than allowed to block the publisher or other
// subscribers, since a lagging session will simply re-sync on ListFiles.
func (h *Hub) Publish(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- msg:
		default:
			delete(h.subs, ch)
			close(ch)
		}
	}
}
