package audio

import (
	"log/slog"
	"sync"
)

// Hub fans frames from a single [Source] channel out to any number of
// subscribers. Slow subscribers lose frames rather than stall the microphone.
//
// A Hub is created per session; the session is the only owner of the
// microphone, and every consumer reads through the hub.
type Hub struct {
	mu      sync.Mutex
	subs    map[int]*subscriber
	nextID  int
	closed  bool
	dropped int
}

type subscriber struct {
	ch   chan AudioFrame
	once sync.Once
}

func (s *subscriber) close() { s.once.Do(func() { close(s.ch) }) }

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]*subscriber)}
}

// Run copies frames from in to every subscriber until in is closed, then
// closes all subscriber channels. Run blocks; call it in its own goroutine.
func (h *Hub) Run(in <-chan AudioFrame) {
	for frame := range in {
		h.mu.Lock()
		for _, s := range h.subs {
			select {
			case s.ch <- frame:
			default:
				h.dropped++
				if h.dropped == 1 || h.dropped%500 == 0 {
					slog.Debug("audio hub: subscriber lagging, dropping frames", "dropped", h.dropped)
				}
			}
		}
		h.mu.Unlock()
	}

	h.mu.Lock()
	h.closed = true
	for id, s := range h.subs {
		s.close()
		delete(h.subs, id)
	}
	h.mu.Unlock()
}

// Subscribe registers a new consumer with the given channel buffer. The
// returned cancel func unregisters it and closes the channel; it is safe to
// call more than once. Subscribing to a hub whose source has ended yields an
// already-closed channel.
func (h *Hub) Subscribe(buffer int) (<-chan AudioFrame, func()) {
	s := &subscriber{ch: make(chan AudioFrame, buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.close()
		return s.ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = s

	return s.ch, func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		s.close()
	}
}

// Subscribers returns the number of registered consumers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
