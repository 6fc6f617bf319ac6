// Package rooms implements the Room Registry: per-connection subscription
// bookkeeping and the per-topic membership index used for fan-out.
//
// A room is named, has no configuration of its own, and exists for as long as at
// least one connection is subscribed to it — the registry never materializes an
// empty room, mirroring the map-of-sets bookkeeping the teacher uses for its
// etcd-backed service registry (registry/registry.go), applied here to connection
// membership instead of service instances.
package rooms

import "sync"

// Registry is the process-wide membership index: room -> set of client IDs.
// Safe for concurrent use; required because the live connection table and the
// room index are both mutated from per-connection goroutines (I7 of the
// specification).
type Registry struct {
	mu      sync.RWMutex
	members map[string]map[string]struct{}
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{members: make(map[string]map[string]struct{})}
}

// Join adds clientID to room. Idempotent (I3): joining twice leaves the set
// unchanged.
func (r *Registry) Join(clientID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.members[room]
	if !ok {
		set = make(map[string]struct{})
		r.members[room] = set
	}
	set[clientID] = struct{}{}
}

// Leave removes clientID from room. A no-op if clientID was never a member.
// Deletes the room entirely once its last member leaves.
func (r *Registry) Leave(clientID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.members[room]
	if !ok {
		return
	}
	delete(set, clientID)
	if len(set) == 0 {
		delete(r.members, room)
	}
}

// Members returns a snapshot of the client IDs currently in room.
func (r *Registry) Members(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.members[room]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Has reports whether clientID is a member of room.
func (r *Registry) Has(clientID, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[room][clientID]
	return ok
}

// LeaveAllGlobal removes clientID from each room listed in subscriptions and
// returns the rooms it was actually a member of. Rooms not listed are not
// visited. Handle.Teardown calls it with the connection's final subscription
// set.
func (r *Registry) LeaveAllGlobal(clientID string, subscriptions []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	left := make([]string, 0, len(subscriptions))
	for _, room := range subscriptions {
		set, ok := r.members[room]
		if !ok {
			continue
		}
		if _, member := set[clientID]; member {
			delete(set, clientID)
			left = append(left, room)
			if len(set) == 0 {
				delete(r.members, room)
			}
		}
	}
	return left
}
