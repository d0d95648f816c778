// Package broadcast fans aggregate updates out to per-event subscriber
// groups. Delivery is best-effort: a publisher never blocks on a slow
// subscriber and never observes a delivery failure.
package broadcast

import (
	"sync"

	"rollcall/internal/attendance"
)

// Subscriber receives aggregates for one event over a buffered channel. A
// subscriber that falls behind misses snapshots; the next mutation publishes
// a fresh one, so dashboards converge anyway.
type Subscriber struct {
	ch chan attendance.Aggregate
}

// C is the receive side of the subscription.
func (s *Subscriber) C() <-chan attendance.Aggregate {
	return s.ch
}

type group struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

// Hub maintains subscriber groups keyed by event id.
type Hub struct {
	mu     sync.RWMutex
	groups map[string]*group
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{groups: make(map[string]*group)}
}

// Subscribe attaches a new subscriber to the event's group. buffer bounds how
// many undelivered snapshots a subscriber may lag behind.
func (h *Hub) Subscribe(eventID string, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 8
	}
	sub := &Subscriber{ch: make(chan attendance.Aggregate, buffer)}

	h.mu.Lock()
	g, ok := h.groups[eventID]
	if !ok {
		g = &group{subs: make(map[*Subscriber]struct{})}
		h.groups[eventID] = g
	}
	h.mu.Unlock()

	g.mu.Lock()
	g.subs[sub] = struct{}{}
	g.mu.Unlock()
	return sub
}

// Unsubscribe detaches the subscriber and closes its channel.
func (h *Hub) Unsubscribe(eventID string, sub *Subscriber) {
	h.mu.RLock()
	g := h.groups[eventID]
	h.mu.RUnlock()
	if g == nil {
		return
	}

	g.mu.Lock()
	if _, ok := g.subs[sub]; ok {
		delete(g.subs, sub)
		close(sub.ch)
	}
	g.mu.Unlock()
}

// Publish delivers the aggregate to every current subscriber of the event.
// The group mutex is held across the sends, so two publishes for one event
// cannot interleave; publishes for different events run independently. A full
// subscriber buffer drops the snapshot for that subscriber only.
func (h *Hub) Publish(eventID string, agg attendance.Aggregate) {
	h.mu.RLock()
	g := h.groups[eventID]
	h.mu.RUnlock()
	if g == nil {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for sub := range g.subs {
		select {
		case sub.ch <- agg:
		default:
		}
	}
}

// Subscribers returns the current subscriber count for an event.
func (h *Hub) Subscribers(eventID string) int {
	h.mu.RLock()
	g := h.groups[eventID]
	h.mu.RUnlock()
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}
