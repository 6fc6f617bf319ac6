package rooms

import "sync"

// SubscribeFunc and UnsubscribeFunc bridge room membership to the transport-level
// topic subscription (Transport Adapter's subscribe/unsubscribe), so that a room
// join also arms the pub/sub path toRoom relies on.
type SubscribeFunc func(topic string) error
type UnsubscribeFunc func(topic string) error

// BroadcastFunc emits route/payload to every member of room. connection.Manager
// supplies it, wired to the connection's send.Sender, so rooms.Handle.Broadcast
// can act as the shortcut described in the specification
// ("send.<route>(payload).toRoom([room_id])") without importing send directly.
type BroadcastFunc func(route, room string, payload any) error

// Handle is the per-connection view of room membership exposed to handlers as
// ctx.rooms. Per I7, a Handle's local subscription set is read and mutated only
// from tasks scoped to its own connection, so no locking would strictly be
// required there — the mutex guards against a handler's middleware-spawned
// goroutines racing each other on the same connection, which the specification
// permits (I6 only orders handler starts, not internal concurrency).
type Handle struct {
	mu            sync.RWMutex
	clientID      string
	registry      *Registry
	subscriptions map[string]struct{}
	subscribe     SubscribeFunc
	unsubscribe   UnsubscribeFunc
	broadcast     BroadcastFunc
}

// NewHandle creates a Handle bound to one connection.
func NewHandle(registry *Registry, clientID string, subscribe SubscribeFunc, unsubscribe UnsubscribeFunc, broadcast BroadcastFunc) *Handle {
	return &Handle{
		clientID:      clientID,
		registry:      registry,
		subscriptions: make(map[string]struct{}),
		subscribe:     subscribe,
		unsubscribe:   unsubscribe,
		broadcast:     broadcast,
	}
}

// Join adds room to the connection's subscription set and arms the transport-level
// topic. Idempotent (I3): re-joining an already-joined room is a no-op beyond the
// idempotent underlying calls.
func (h *Handle) Join(room string) error {
	h.mu.Lock()
	_, already := h.subscriptions[room]
	h.subscriptions[room] = struct{}{}
	h.mu.Unlock()

	h.registry.Join(h.clientID, room)
	if already || h.subscribe == nil {
		return nil
	}
	return h.subscribe(room)
}

// Leave removes room from the connection's subscription set. A no-op if the
// connection was never a member.
func (h *Handle) Leave(room string) error {
	h.mu.Lock()
	_, member := h.subscriptions[room]
	delete(h.subscriptions, room)
	h.mu.Unlock()

	if !member {
		return nil
	}
	h.registry.Leave(h.clientID, room)
	if h.unsubscribe == nil {
		return nil
	}
	return h.unsubscribe(room)
}

// Current returns a read-only snapshot of the connection's subscription set.
func (h *Handle) Current() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.subscriptions))
	for room := range h.subscriptions {
		out = append(out, room)
	}
	return out
}

// Has reports whether the connection currently belongs to room.
func (h *Handle) Has(room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.subscriptions[room]
	return ok
}

// Broadcast is the shortcut for send.<route>(payload).toRoom([room]) from within a
// handler, bypassing the typed sender on purpose for dynamic room-scoped events.
func (h *Handle) Broadcast(route, room string, payload any) error {
	if h.broadcast == nil {
		return nil
	}
	return h.broadcast(route, room, payload)
}

// Teardown unsubscribes every room the connection belongs to and returns the final
// snapshot, for connection.Manager to hand to on_disconnect before the Handle is
// discarded (I4: on_disconnect observes the final subscription set before it is
// torn down).
func (h *Handle) Teardown() []string {
	h.mu.Lock()
	final := make([]string, 0, len(h.subscriptions))
	for room := range h.subscriptions {
		final = append(final, room)
	}
	h.subscriptions = make(map[string]struct{})
	h.mu.Unlock()

	h.registry.LeaveAllGlobal(h.clientID, final)
	if h.unsubscribe != nil {
		for _, room := range final {
			h.unsubscribe(room)
		}
	}
	return final
}
