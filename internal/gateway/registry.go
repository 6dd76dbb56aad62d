package gateway

import (
	"sort"
	"sync"
	"time"
)

// PresenceEntry is the broadcastable projection of a connection.
type PresenceEntry struct {
	ConnID      string     `json:"connId"`
	Role        string     `json:"role"`
	Scopes      []string   `json:"scopes,omitempty"`
	Identity    string     `json:"identity,omitempty"`
	Client      ClientInfo `json:"client"`
	RemoteAddr  string     `json:"remoteAddr,omitempty"`
	ConnectedAt int64      `json:"connectedAt"`
	LastInputMs int64      `json:"lastInputMs"`
	Reason      string     `json:"reason,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
}

// Registry holds the authenticated connections. Connections are added
// only after a successful handshake and removed exactly once on close.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Add registers an authenticated connection.
func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
}

// Remove unregisters a connection. It reports whether the connection
// was present, so close paths racing each other stay idempotent.
func (r *Registry) Remove(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connID]; !ok {
		return false
	}
	delete(r.conns, connID)
	return true
}

// Get returns the connection with the given id.
func (r *Registry) Get(connID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

// List returns a snapshot of all registered connections.
func (r *Registry) List() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CountByRole returns the number of registered connections per role.
func (r *Registry) CountByRole() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, 2)
	for _, c := range r.conns {
		out[c.Role]++
	}
	return out
}

// Presence projects the registry into broadcastable presence entries,
// ordered by connect time for stable snapshots.
func (r *Registry) Presence() []PresenceEntry {
	conns := r.List()
	sort.Slice(conns, func(i, j int) bool {
		if conns[i].CreatedAt.Equal(conns[j].CreatedAt) {
			return conns[i].ID < conns[j].ID
		}
		return conns[i].CreatedAt.Before(conns[j].CreatedAt)
	})
	out := make([]PresenceEntry, 0, len(conns))
	for _, c := range conns {
		out = append(out, presenceOf(c))
	}
	return out
}

func presenceOf(c *Conn) PresenceEntry {
	return PresenceEntry{
		ConnID:      c.ID,
		Role:        c.Role,
		Scopes:      c.Scopes,
		Identity:    c.Identity,
		Client:      c.Client,
		RemoteAddr:  c.RemoteAddr,
		ConnectedAt: c.CreatedAt.UnixMilli(),
		LastInputMs: c.LastInputAge().Milliseconds(),
	}
}

// Uptime is a small helper for snapshot payloads.
func uptimeMs(since time.Time) int64 {
	return time.Since(since).Milliseconds()
}
