// Package presence tracks which connections are subscribed to which rooms.
package presence

import (
	"sort"
	"sync"
	"time"

	"collabhub/pkg/types"
)

// Member is one connection's presence in a room.
type Member struct {
	ConnectionID string
	User         types.UserSummary
	JoinedAt     time.Time
}

// Participant converts a member into its wire form.
func (m Member) Participant() types.Participant {
	return types.Participant{ConnectionID: m.ConnectionID, User: m.User, JoinedAt: m.JoinedAt}
}

// Registry maps room keys to the connections joined to them
// ARCHITECTURAL DISCOVERY: Rooms hold connection ids, never connection handles.
// Lookups go through the connection arena so a closed connection cannot be
// reached through a stale room entry
type Registry struct {
	mu     sync.RWMutex                          // TECHNICAL DISCOVERY: one global lock, presence writes are rare next to reads
	rooms  map[types.RoomKey]map[string]Member   // room -> connID -> member
	byConn map[string]map[types.RoomKey]struct{} // connID -> rooms, for disconnect sweeps
}

// NewRegistry creates an empty presence registry
func NewRegistry() *Registry {
	return &Registry{
		rooms:  make(map[types.RoomKey]map[string]Member),
		byConn: make(map[string]map[types.RoomKey]struct{}),
	}
}

// Join adds member to room and returns the members that were already there.
// Joining a room twice refreshes the member and is otherwise a no-op.
func (r *Registry) Join(key types.RoomKey, member Member) []Member {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[key]
	if !ok {
		members = make(map[string]Member)
		r.rooms[key] = members
	}

	existing := make([]Member, 0, len(members))
	for id, m := range members {
		if id != member.ConnectionID {
			existing = append(existing, m)
		}
	}

	if prev, ok := members[member.ConnectionID]; ok {
		member.JoinedAt = prev.JoinedAt
	}
	members[member.ConnectionID] = member

	rooms, ok := r.byConn[member.ConnectionID]
	if !ok {
		rooms = make(map[types.RoomKey]struct{})
		r.byConn[member.ConnectionID] = rooms
	}
	rooms[key] = struct{}{}

	sortMembers(existing)
	return existing
}

// Leave removes connID from room. It reports whether the connection was a member.
func (r *Registry) Leave(key types.RoomKey, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(key, connID)
}

func (r *Registry) leaveLocked(key types.RoomKey, connID string) bool {
	members, ok := r.rooms[key]
	if !ok {
		return false
	}
	if _, ok := members[connID]; !ok {
		return false
	}

	delete(members, connID)
	// TECHNICAL DISCOVERY: Empty rooms are removed so room count tracks live rooms only
	if len(members) == 0 {
		delete(r.rooms, key)
	}

	if rooms, ok := r.byConn[connID]; ok {
		delete(rooms, key)
		if len(rooms) == 0 {
			delete(r.byConn, connID)
		}
	}
	return true
}

// RemoveConnection removes connID from every room and returns the rooms it left.
// Safe to call for connections that never joined anything.
func (r *Registry) RemoveConnection(connID string) []types.RoomKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := r.byConn[connID]
	left := make([]types.RoomKey, 0, len(rooms))
	for key := range rooms {
		left = append(left, key)
	}
	for _, key := range left {
		r.leaveLocked(key, connID)
	}

	sort.Slice(left, func(i, j int) bool { return left[i] < left[j] })
	return left
}

// Members returns the current members of room ordered by join time.
func (r *Registry) Members(key types.RoomKey) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[key]
	out := make([]Member, 0, len(members))
	for _, m := range members {
		out = append(out, m)
	}
	sortMembers(out)
	return out
}

// ConnectionIDs returns the ids of room members other than exclude.
func (r *Registry) ConnectionIDs(key types.RoomKey, exclude string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[key]
	ids := make([]string, 0, len(members))
	for id := range members {
		if id != exclude {
			ids = append(ids, id)
		}
	}
	return ids
}

// Contains reports whether connID is a member of room.
func (r *Registry) Contains(key types.RoomKey, connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[key][connID]
	return ok
}

// Stats returns registry statistics for monitoring
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := map[string]int{
		"project_rooms":      0,
		"sheet_rooms":        0,
		"joined_connections": len(r.byConn),
	}
	for key := range r.rooms {
		switch key.Kind() {
		case types.RoomProject:
			stats["project_rooms"]++
		case types.RoomSheet:
			stats["sheet_rooms"]++
		}
	}
	return stats
}

func sortMembers(members []Member) {
	sort.Slice(members, func(i, j int) bool {
		if !members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].JoinedAt.Before(members[j].JoinedAt)
		}
		return members[i].ConnectionID < members[j].ConnectionID
	})
}
