package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/punchclock/go/internal/presence"
	"github.com/mcdev12/punchclock/go/internal/presence/auth"
)

func testConn(id string, identity presence.Identity, teamFilter int64) *Connection {
	cfg := DefaultConnectionConfig()
	cfg.SendBufferSize = 64
	return newConnection(id, nil, identity, teamFilter, cfg, t0)
}

func ids(conns []*Connection) []string {
	out := make([]string, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.ID)
	}
	return out
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()

	err := r.Register(testConn("anon", presence.Identity{UserID: 7}, 0))
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
	assert.Equal(t, 0, r.Stats().TotalConnections)

	require.NoError(t, r.Register(testConn("a", presence.Identity{UserID: 7, TenantID: 1}, 0)))
	assert.True(t, r.Unregister("a"))
	assert.False(t, r.Unregister("a"), "unregister is idempotent")
	assert.Equal(t, RegistryStats{TenantConnections: map[int64]int{}}, r.Stats())
}

func TestRegistryConnectionsForTenant(t *testing.T) {
	r := NewRegistry()
	for _, c := range []*Connection{
		testConn("t1-a", presence.Identity{UserID: 7, TenantID: 1, TeamIDs: []int64{2}}, 0),
		testConn("t1-b", presence.Identity{UserID: 8, TenantID: 1, TeamIDs: []int64{2, 3}}, 2),
		testConn("t1-c", presence.Identity{UserID: 9, TenantID: 1, TeamIDs: []int64{3}}, 3),
		testConn("t2-a", presence.Identity{UserID: 7, TenantID: 2}, 0),
	} {
		require.NoError(t, r.Register(c))
	}

	assert.ElementsMatch(t, []string{"t1-a", "t1-b", "t1-c"}, ids(r.ConnectionsForTenant(1, nil)))
	assert.ElementsMatch(t, []string{"t2-a"}, ids(r.ConnectionsForTenant(2, nil)))
	assert.Empty(t, r.ConnectionsForTenant(3, nil))

	team := int64(2)
	assert.ElementsMatch(t, []string{"t1-a", "t1-b"}, ids(r.ConnectionsForTenant(1, &team)))

	stats := r.Stats()
	assert.Equal(t, 4, stats.TotalConnections)
	assert.Equal(t, 2, stats.ActiveTenants)
	assert.Equal(t, map[int64]int{1: 3, 2: 1}, stats.TenantConnections)
	require.NotNil(t, stats.OldestConnectedAt)
	assert.Equal(t, t0, *stats.OldestConnectedAt)
}

func TestRegistryOnlineUsers(t *testing.T) {
	r := NewRegistry()
	for _, c := range []*Connection{
		testConn("a", presence.Identity{UserID: 8, TenantID: 1, TeamIDs: []int64{3}}, 0),
		testConn("b", presence.Identity{UserID: 7, TenantID: 1, TeamIDs: []int64{2}}, 0),
		testConn("c", presence.Identity{UserID: 7, TenantID: 1, TeamIDs: []int64{2}}, 0),
		testConn("d", presence.Identity{UserID: 5, TenantID: 2}, 0),
	} {
		require.NoError(t, r.Register(c))
	}

	assert.Equal(t, []int64{7, 8}, r.OnlineUsers(1, nil), "distinct and sorted")
	team := int64(2)
	assert.Equal(t, []int64{7}, r.OnlineUsers(1, &team))
	assert.Equal(t, []int64{}, r.OnlineUsers(3, nil))

	r.Unregister("b")
	assert.Equal(t, []int64{7, 8}, r.OnlineUsers(1, nil), "user 7 still has a tab open")
	r.Unregister("c")
	assert.Equal(t, []int64{8}, r.OnlineUsers(1, nil))
}

func TestRegistryCloseAll(t *testing.T) {
	r := NewRegistry()
	a := testConn("a", presence.Identity{UserID: 7, TenantID: 1}, 0)
	b := testConn("b", presence.Identity{UserID: 8, TenantID: 2}, 0)
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	r.CloseAll()
	for _, c := range []*Connection{a, b} {
		select {
		case <-c.Done():
		default:
			t.Fatalf("connection %s not closed", c.ID)
		}
	}
}
