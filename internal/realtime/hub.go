package realtime

import (
	"strings"
	"sync"
	"time"

	"github.com/typerush/typerush/pkg/wire"
)

// Room name prefixes used by the engine.
const (
	RoomPrefixUser = "user:"
	RoomPrefixTest = "test:"
	RoomPrefixRace = "race:"
)

// UserRoom returns the personal room name for an identity.
func UserRoom(identityID string) string { return RoomPrefixUser + identityID }

// TestRoom returns the room name for a typing test session.
func TestRoom(testID string) string { return RoomPrefixTest + testID }

// RaceRoom returns the room name for a race.
func RaceRoom(raceID string) string { return RoomPrefixRace + raceID }

// room is an append-order fan-out queue addressed by name. Publishing holds
// the room lock for the whole subscriber walk, which is what guarantees
// per-room FIFO delivery order.
type room struct {
	name string

	mu          sync.Mutex
	subscribers map[string]*Conn
	seq         uint64
	emptySince  time.Time
}

// Hub is the topic-based pub/sub fabric connecting engines to subscribers.
// Rooms are created lazily on first subscribe and reclaimed after staying
// empty for a grace period. No ordering is guaranteed across rooms.
type Hub struct {
	mu         sync.RWMutex
	rooms      map[string]*room
	emptyGrace time.Duration
	now        func() time.Time
}

// HubOption customises a Hub.
type HubOption func(*Hub)

// WithEmptyGrace overrides how long an empty room survives before reclaim.
func WithEmptyGrace(grace time.Duration) HubOption {
	return func(h *Hub) {
		if grace > 0 {
			h.emptyGrace = grace
		}
	}
}

// WithHubClock overrides the hub clock, primarily for testing.
func WithHubClock(now func() time.Time) HubOption {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHub constructs an empty room fabric.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		rooms:      make(map[string]*room),
		emptyGrace: 30 * time.Second,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe adds the connection to the named room, creating it on first use.
func (h *Hub) Subscribe(name string, c *Conn) {
	name = normalizeRoom(name)
	if name == "" || c == nil {
		return
	}

	rm := h.roomFor(name, true)

	rm.mu.Lock()
	rm.subscribers[c.ID] = c
	rm.emptySince = time.Time{}
	rm.mu.Unlock()
}

// Unsubscribe removes the connection from the named room. The last leave
// marks the room empty; reclaim happens after the grace period.
func (h *Hub) Unsubscribe(name string, c *Conn) {
	name = normalizeRoom(name)
	if name == "" || c == nil {
		return
	}

	rm := h.roomFor(name, false)
	if rm == nil {
		return
	}

	rm.mu.Lock()
	delete(rm.subscribers, c.ID)
	if len(rm.subscribers) == 0 {
		rm.emptySince = h.now()
	}
	rm.mu.Unlock()
}

// UnsubscribeAll removes the connection from every room it is part of.
func (h *Hub) UnsubscribeAll(c *Conn) {
	if c == nil {
		return
	}

	h.mu.RLock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, rm := range h.rooms {
		rooms = append(rooms, rm)
	}
	h.mu.RUnlock()

	now := h.now()
	for _, rm := range rooms {
		rm.mu.Lock()
		if _, ok := rm.subscribers[c.ID]; ok {
			delete(rm.subscribers, c.ID)
			if len(rm.subscribers) == 0 {
				rm.emptySince = now
			}
		}
		rm.mu.Unlock()
	}
}

// Publish fans an event out to every current subscriber of the room in the
// order the publisher called it. Critical envelopes are exempt from the
// drop-oldest backpressure policy.
func (h *Hub) Publish(name, eventType string, payload any, critical bool) {
	name = normalizeRoom(name)
	if name == "" {
		return
	}

	rm := h.roomFor(name, false)
	if rm == nil {
		return
	}

	env := wire.Event(eventType, payload, h.now())

	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.seq++
	for _, c := range rm.subscribers {
		c.Enqueue(env, critical)
	}
}

// Subscribers returns a snapshot of the room's current subscribers.
func (h *Hub) Subscribers(name string) []*Conn {
	rm := h.roomFor(normalizeRoom(name), false)
	if rm == nil {
		return nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	out := make([]*Conn, 0, len(rm.subscribers))
	for _, c := range rm.subscribers {
		out = append(out, c)
	}
	return out
}

// IsSubscribed reports whether the connection is in the named room.
func (h *Hub) IsSubscribed(name string, c *Conn) bool {
	rm := h.roomFor(normalizeRoom(name), false)
	if rm == nil || c == nil {
		return false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	_, ok := rm.subscribers[c.ID]
	return ok
}

// ReapEmpty reclaims rooms that have stayed empty past the grace period.
// Invoked by the housekeeping scheduler. Returns the number reclaimed.
func (h *Hub) ReapEmpty() int {
	now := h.now()

	h.mu.Lock()
	defer h.mu.Unlock()

	removed := 0
	for name, rm := range h.rooms {
		rm.mu.Lock()
		stale := len(rm.subscribers) == 0 && !rm.emptySince.IsZero() && now.Sub(rm.emptySince) >= h.emptyGrace
		rm.mu.Unlock()
		if stale {
			delete(h.rooms, name)
			removed++
		}
	}
	return removed
}

// RoomCount reports how many rooms currently exist, including empty ones in
// their grace period.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.rooms)
}

func (h *Hub) roomFor(name string, create bool) *room {
	h.mu.RLock()
	rm, ok := h.rooms[name]
	h.mu.RUnlock()
	if ok || !create {
		return rm
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if rm, ok = h.rooms[name]; ok {
		return rm
	}

	rm = &room{
		name:        name,
		subscribers: make(map[string]*Conn),
	}
	h.rooms[name] = rm
	return rm
}

func normalizeRoom(name string) string {
	return strings.TrimSpace(name)
}
