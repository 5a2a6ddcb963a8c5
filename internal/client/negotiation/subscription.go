package negotiation

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Subscription is one consumer of coordinator events. Its channel is closed
// on Unsubscribe or when the coordinator is cleaned up.
type Subscription struct {
	hub *hub
	ch  chan Event
}

func (s *Subscription) Events() <-chan Event { return s.ch }

func (s *Subscription) Unsubscribe() { s.hub.remove(s) }

// hub fans events out to subscribers without ever blocking the producer.
type hub struct {
	mu     sync.Mutex
	size   int
	subs   map[*Subscription]struct{}
	closed bool
}

func newHub(size int) *hub {
	if size <= 0 {
		size = 64
	}
	return &hub{size: size, subs: make(map[*Subscription]struct{})}
}

func (h *hub) add() *Subscription {
	s := &Subscription{hub: h, ch: make(chan Event, h.size)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(s.ch)
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

func (h *hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
}

func (h *hub) emit(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			log.Warn().Str("module", "negotiation").Str("event", ev.Kind.String()).Msg("subscriber full, event dropped")
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		close(s.ch)
		delete(h.subs, s)
	}
}
