package realtime

import (
	"sync"

	"github.com/typerush/typerush/pkg/metrics"
)

// Registry is the process-wide table of live connections with a secondary
// index from identity id to its connections. All methods are safe for
// concurrent use; iteration always works on a snapshot.
type Registry struct {
	mu         sync.RWMutex
	conns      map[string]*Conn
	byIdentity map[string]map[string]*Conn
}

// NewRegistry constructs an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:      make(map[string]*Conn),
		byIdentity: make(map[string]map[string]*Conn),
	}
}

// Register records a connection under its id and identity.
func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[c.ID] = c

	identity := c.Identity.ID
	if r.byIdentity[identity] == nil {
		r.byIdentity[identity] = make(map[string]*Conn)
	}
	r.byIdentity[identity][c.ID] = c

	metrics.ActiveConnections.Set(float64(len(r.conns)))
}

// Unregister removes a connection. Removing an unknown id is a no-op.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(r.conns, connID)

	identity := c.Identity.ID
	if set := r.byIdentity[identity]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.byIdentity, identity)
		}
	}

	metrics.ActiveConnections.Set(float64(len(r.conns)))
}

// Get looks up a connection by id.
func (r *Registry) Get(connID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[connID]
	return c, ok
}

// SocketsOf returns a snapshot of the identity's connections.
func (r *Registry) SocketsOf(identityID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byIdentity[identityID]
	out := make([]*Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// IsOnline reports whether the identity has at least one live connection.
func (r *Registry) IsOnline(identityID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byIdentity[identityID]) > 0
}

// CountForIdentity reports how many connections the identity holds.
func (r *Registry) CountForIdentity(identityID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byIdentity[identityID])
}

// Count reports the total number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}

// Snapshot returns a copy of all registered connections.
func (r *Registry) Snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}
