package websocket

import (
	"sort"
	"sync"

	"collabhub/pkg/interfaces"
)

// Registry is the connection arena: every live connection keyed by its id,
// plus an index by identity for user-targeted notifications
// ARCHITECTURAL DISCOVERY: Presence and collaboration state refer to
// connections only by id and resolve them here, so removing a connection
// from the arena makes it unreachable everywhere at once
type Registry struct {
	mu          sync.RWMutex                                // TECHNICAL DISCOVERY: RWMutex optimizes for read-heavy lookup patterns
	connections map[string]interfaces.Connection            // connID -> Connection
	byIdentity  map[string]map[string]interfaces.Connection // identityID -> connID -> Connection
}

// NewRegistry creates a new connection registry
// FUNCTIONAL DISCOVERY: Initialize all maps to prevent nil pointer access during concurrent operations
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]interfaces.Connection),
		byIdentity:  make(map[string]map[string]interfaces.Connection),
	}
}

// Register adds an authenticated connection to the arena
// FUNCTIONAL DISCOVERY: One identity may hold several connections (tabs, devices);
// none of them replaces another
func (r *Registry) Register(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	identity := conn.Identity()
	if identity == nil {
		return ErrConnectionNotAuthenticated
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[conn.ID()]; exists {
		return ErrDuplicateConnection
	}
	r.connections[conn.ID()] = conn

	conns, ok := r.byIdentity[identity.ID]
	if !ok {
		conns = make(map[string]interfaces.Connection)
		r.byIdentity[identity.ID] = conns
	}
	conns[conn.ID()] = conn
	return nil
}

// Unregister removes a connection from the arena. It reports whether the
// connection was registered; repeated calls are no-ops.
func (r *Registry) Unregister(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.connections[connID]
	if !exists {
		return false
	}
	delete(r.connections, connID)

	// TECHNICAL DISCOVERY: Clean up empty maps to prevent memory leaks
	identityID := conn.Identity().ID
	if conns, ok := r.byIdentity[identityID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.byIdentity, identityID)
		}
	}
	return true
}

// Lookup returns the live connection with id connID.
func (r *Registry) Lookup(connID string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[connID]
	return conn, ok
}

// LookupAll resolves ids to live connections, skipping ids no longer registered.
func (r *Registry) LookupAll(connIDs []string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]interfaces.Connection, 0, len(connIDs))
	for _, id := range connIDs {
		if conn, ok := r.connections[id]; ok {
			out = append(out, conn)
		}
	}
	return out
}

// ForIdentity returns every live connection of identityID, oldest first.
func (r *Registry) ForIdentity(identityID string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byIdentity[identityID]
	out := make([]interfaces.Connection, 0, len(conns))
	for _, conn := range conns {
		out = append(out, conn)
	}
	sortByCreation(out)
	return out
}

// All returns a snapshot of every live connection.
func (r *Registry) All() []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]interfaces.Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		out = append(out, conn)
	}
	sortByCreation(out)
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// GetStats returns registry statistics for monitoring and debugging
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": len(r.connections),
		"unique_identities": len(r.byIdentity),
	}
}

func sortByCreation(conns []interfaces.Connection) {
	sort.Slice(conns, func(i, j int) bool {
		ci, cj := conns[i].CreatedAt(), conns[j].CreatedAt()
		if !ci.Equal(cj) {
			return ci.Before(cj)
		}
		return conns[i].ID() < conns[j].ID()
	})
}
