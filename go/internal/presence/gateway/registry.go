package gateway

import (
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/punchclock/go/internal/presence/auth"
)

// Registry tracks live connections, pooled by tenant.
type Registry struct {
	mu      sync.RWMutex
	tenants map[int64]map[string]*Connection
	byID    map[string]*Connection
}

// RegistryStats is reported on /ws/stats.
type RegistryStats struct {
	TotalConnections  int           `json:"total_connections"`
	ActiveTenants     int           `json:"active_tenants"`
	TenantConnections map[int64]int `json:"tenant_connections"`
	OldestConnectedAt *time.Time    `json:"oldest_connected_at,omitempty"`
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tenants: make(map[int64]map[string]*Connection),
		byID:    make(map[string]*Connection),
	}
}

// Register adds conn to its tenant's pool. Connections without a valid
// identity are rejected.
func (r *Registry) Register(conn *Connection) error {
	if !conn.Identity.Valid() {
		return auth.ErrUnauthorized
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	pool := r.tenants[conn.Identity.TenantID]
	if pool == nil {
		pool = make(map[string]*Connection)
		r.tenants[conn.Identity.TenantID] = pool
	}
	pool[conn.ID] = conn
	r.byID[conn.ID] = conn

	log.Debug().
		Str("connection_id", conn.ID).
		Int64("tenant_id", conn.Identity.TenantID).
		Int("tenant_connections", len(pool)).
		Msg("connection registered")
	return nil
}

// Unregister removes the connection. It reports whether anything was removed.
func (r *Registry) Unregister(connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.byID[connectionID]
	if !ok {
		return false
	}
	delete(r.byID, connectionID)

	tenantID := conn.Identity.TenantID
	if pool, ok := r.tenants[tenantID]; ok {
		delete(pool, connectionID)
		if len(pool) == 0 {
			delete(r.tenants, tenantID)
		}
	}

	log.Info().
		Str("connection_id", connectionID).
		Int64("user_id", conn.Identity.UserID).
		Int64("tenant_id", tenantID).
		Msg("connection unregistered")
	return true
}

// ConnectionsForTenant returns the tenant's connections. With a team filter,
// only connections that are unfiltered or filtered to that team are returned.
// Connections of other tenants are never returned.
func (r *Registry) ConnectionsForTenant(tenantID int64, teamFilter *int64) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pool := r.tenants[tenantID]
	out := make([]*Connection, 0, len(pool))
	for _, conn := range pool {
		if teamFilter != nil && conn.TeamFilter != 0 && conn.TeamFilter != *teamFilter {
			continue
		}
		out = append(out, conn)
	}
	return out
}

// OnlineUsers returns the distinct ids of users with at least one live
// connection, sorted ascending.
func (r *Registry) OnlineUsers(tenantID int64, teamFilter *int64) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := []int64{}
	for _, conn := range r.tenants[tenantID] {
		if teamFilter != nil && !conn.Identity.InTeam(*teamFilter) {
			continue
		}
		if !slices.Contains(users, conn.Identity.UserID) {
			users = append(users, conn.Identity.UserID)
		}
	}
	slices.Sort(users)
	return users
}

func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RegistryStats{
		TotalConnections:  len(r.byID),
		ActiveTenants:     len(r.tenants),
		TenantConnections: make(map[int64]int, len(r.tenants)),
	}
	for id, pool := range r.tenants {
		stats.TenantConnections[id] = len(pool)
	}
	for _, conn := range r.byID {
		if stats.OldestConnectedAt == nil || conn.ConnectedAt.Before(*stats.OldestConnectedAt) {
			at := conn.ConnectedAt
			stats.OldestConnectedAt = &at
		}
	}
	return stats
}

// CloseAll closes every registered connection.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.byID))
	for _, conn := range r.byID {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		conn.Close()
	}
}
