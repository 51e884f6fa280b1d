package eventbus

import "sync"

// DefaultHistoryCapacity is the per-type ring size when none is configured.
const DefaultHistoryCapacity = 50

// eventHistory retains the last N events per type in fixed-size rings.
type eventHistory struct {
	capacity int
	rings    map[string]*eventRing
	mu       sync.RWMutex
}

func newEventHistory(capacity int) *eventHistory {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &eventHistory{
		capacity: capacity,
		rings:    make(map[string]*eventRing),
	}
}

// record appends an event to its type's ring, evicting the oldest entry
// once the ring is full.
func (h *eventHistory) record(event *Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ring, exists := h.rings[event.Type]
	if !exists {
		ring = &eventRing{events: make([]*Event, h.capacity)}
		h.rings[event.Type] = ring
	}
	ring.push(event)
}

// recent returns up to limit retained events of a type, oldest first.
// limit <= 0 means everything retained.
func (h *eventHistory) recent(eventType string, limit int) []*Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ring, exists := h.rings[eventType]
	if !exists {
		return nil
	}
	all := ring.ordered()
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all
}

// clear drops all retained events.
func (h *eventHistory) clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rings = make(map[string]*eventRing)
}

// eventRing is a fixed-size circular buffer of events.
type eventRing struct {
	events []*Event
	next   int
	full   bool
}

func (r *eventRing) push(event *Event) {
	r.events[r.next] = event
	r.next = (r.next + 1) % len(r.events)
	if r.next == 0 {
		r.full = true
	}
}

// ordered returns the ring contents oldest first.
func (r *eventRing) ordered() []*Event {
	if !r.full {
		out := make([]*Event, r.next)
		copy(out, r.events[:r.next])
		return out
	}
	out := make([]*Event, 0, len(r.events))
	out = append(out, r.events[r.next:]...)
	out = append(out, r.events[:r.next]...)
	return out
}
