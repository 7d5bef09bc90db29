package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/punchclock/go/internal/presence"
	"github.com/mcdev12/punchclock/go/internal/presence/protocol"
)

type harness struct {
	registry    *Registry
	store       *Store
	clock       *clockwork.FakeClock
	broadcaster *Broadcaster
}

func newHarness(t *testing.T, relay Relay) *harness {
	t.Helper()
	h := &harness{
		registry: NewRegistry(),
		store:    NewStore(),
		clock:    clockwork.NewFakeClockAt(t0),
	}
	h.broadcaster = NewBroadcaster(h.registry, h.store, relay, h.clock)
	unsubscribe, err := h.broadcaster.Subscribe()
	require.NoError(t, err)
	t.Cleanup(unsubscribe)
	return h
}

func (h *harness) connect(t *testing.T, id string, identity presence.Identity, teamFilter int64) *Connection {
	t.Helper()
	c := testConn(id, identity, teamFilter)
	require.NoError(t, h.registry.Register(c))
	return c
}

// received drains everything queued on c.
func received(t *testing.T, c *Connection) []protocol.Message {
	t.Helper()
	var out []protocol.Message
	for {
		select {
		case data := <-c.send:
			msg, err := protocol.Decode(data)
			require.NoError(t, err)
			out = append(out, msg)
		default:
			return out
		}
	}
}

var (
	ada   = presence.Identity{UserID: 7, TenantID: 1, UserName: "Ada", TeamIDs: []int64{2}}
	grace = presence.Identity{UserID: 8, TenantID: 1, UserName: "Grace", TeamIDs: []int64{3}}
	alan  = presence.Identity{UserID: 9, TenantID: 2, UserName: "Alan"}
)

func TestTimerStartBroadcastsToTenant(t *testing.T) {
	h := newHarness(t, NewMemoryRelay())
	adaConn := h.connect(t, "ada", ada, 0)
	graceConn := h.connect(t, "grace", grace, 0)
	alanConn := h.connect(t, "alan", alan, 0)

	project := int64(3)
	rec, err := h.broadcaster.OnTimerStart(context.Background(), ada, presence.ActiveTimerRecord{
		UserID:    999,
		TenantID:  2,
		ProjectID: &project,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), rec.UserID, "owner comes from the identity")
	assert.Equal(t, int64(1), rec.TenantID)
	assert.Equal(t, "Ada", rec.UserName)
	assert.True(t, rec.StartTime.Equal(t0), "missing start time means now")

	stored, ok := h.store.Get(1, 7)
	require.True(t, ok)
	assert.True(t, stored.SameTimer(rec))

	for _, c := range []*Connection{adaConn, graceConn} {
		msgs := received(t, c)
		require.Len(t, msgs, 1, c.ID)
		assert.Equal(t, protocol.TypeTimerStarted, msgs[0].Type)
		assert.Equal(t, int64(7), msgs[0].Timer.UserID)
		require.NotNil(t, msgs[0].Timer.ProjectID)
		assert.Equal(t, int64(3), *msgs[0].Timer.ProjectID)
	}
	assert.Empty(t, received(t, alanConn))
	assert.Empty(t, h.store.Snapshot(2, nil))
}

func TestTimerRestartReplacesRecord(t *testing.T) {
	h := newHarness(t, NewMemoryRelay())
	c := h.connect(t, "grace", grace, 0)

	_, err := h.broadcaster.OnTimerStart(context.Background(), ada, presence.ActiveTimerRecord{StartTime: t0})
	require.NoError(t, err)
	_, err = h.broadcaster.OnTimerStart(context.Background(), ada, presence.ActiveTimerRecord{StartTime: t0.Add(time.Hour)})
	require.NoError(t, err)

	snap := h.store.Snapshot(1, nil)
	require.Len(t, snap, 1)
	assert.True(t, snap[0].StartTime.Equal(t0.Add(time.Hour)))

	msgs := received(t, c)
	require.Len(t, msgs, 2, "every start is broadcast")
	assert.True(t, msgs[1].Timer.StartTime.Equal(t0.Add(time.Hour)))
}

func TestTimerStopIsIdempotent(t *testing.T) {
	h := newHarness(t, NewMemoryRelay())
	c := h.connect(t, "grace", grace, 0)

	_, err := h.broadcaster.OnTimerStart(context.Background(), ada, presence.ActiveTimerRecord{StartTime: t0})
	require.NoError(t, err)
	duration := int64(60)
	require.NoError(t, h.broadcaster.OnTimerStop(context.Background(), ada, &protocol.StopDetails{DurationSec: &duration}))
	require.NoError(t, h.broadcaster.OnTimerStop(context.Background(), ada, nil))

	assert.Empty(t, h.store.Snapshot(1, nil))
	msgs := received(t, c)
	require.Len(t, msgs, 3)
	assert.Equal(t, protocol.TypeTimerStopped, msgs[1].Type)
	assert.Equal(t, int64(7), msgs[1].UserID)
	assert.Equal(t, protocol.TypeTimerStopped, msgs[2].Type)
}

func TestTeamFilteredConnection(t *testing.T) {
	h := newHarness(t, NewMemoryRelay())
	team2 := h.connect(t, "team2", grace, 2)
	team3 := h.connect(t, "team3", grace, 3)
	all := h.connect(t, "all", grace, 0)

	_, err := h.broadcaster.OnTimerStart(context.Background(), ada, presence.ActiveTimerRecord{StartTime: t0})
	require.NoError(t, err)

	assert.Len(t, received(t, team2), 1)
	assert.Empty(t, received(t, team3))
	assert.Len(t, received(t, all), 1)

	require.NoError(t, h.broadcaster.OnTimerStop(context.Background(), ada, nil))
	assert.Len(t, received(t, team3), 1, "stops reach every connection")
}

func TestTeamFilterMatchesSnapshot(t *testing.T) {
	h := newHarness(t, NewMemoryRelay())
	team2 := h.connect(t, "team2", grace, 2)
	teamless := presence.Identity{UserID: 10, TenantID: 1, UserName: "Linus"}

	_, err := h.broadcaster.OnTimerStart(context.Background(), teamless, presence.ActiveTimerRecord{StartTime: t0})
	require.NoError(t, err)
	_, err = h.broadcaster.OnTimerStart(context.Background(), grace, presence.ActiveTimerRecord{StartTime: t0})
	require.NoError(t, err)

	var live []int64
	for _, msg := range received(t, team2) {
		require.Equal(t, protocol.TypeTimerStarted, msg.Type)
		live = append(live, msg.Timer.UserID)
	}
	assert.Equal(t, []int64{10}, live)

	h.broadcaster.HandleMessage(context.Background(), team2, protocol.GetActiveTimers(nil))
	msgs := received(t, team2)
	require.Len(t, msgs, 1)
	assert.Equal(t, live, userIDs(msgs[0].Timers), "resync shows what the live feed showed")

	team := int64(2)
	assert.Equal(t, live, userIDs(h.store.Snapshot(1, &team)))
}

func TestQueriesAnswerOnlyTheRequester(t *testing.T) {
	h := newHarness(t, NewMemoryRelay())
	adaConn := h.connect(t, "ada", ada, 0)
	graceConn := h.connect(t, "grace", grace, 0)
	h.connect(t, "alan", alan, 0)

	_, err := h.broadcaster.OnTimerStart(context.Background(), grace, presence.ActiveTimerRecord{StartTime: t0})
	require.NoError(t, err)
	received(t, adaConn)
	received(t, graceConn)

	h.broadcaster.HandleMessage(context.Background(), adaConn, protocol.GetActiveTimers(nil))
	h.broadcaster.HandleMessage(context.Background(), adaConn, protocol.GetOnlineUsers(nil))

	msgs := received(t, adaConn)
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.TypeActiveTimers, msgs[0].Type)
	require.Len(t, msgs[0].Timers, 1)
	assert.Equal(t, int64(8), msgs[0].Timers[0].UserID)
	assert.Equal(t, protocol.TypeOnlineUsers, msgs[1].Type)
	assert.Equal(t, []int64{7, 8}, msgs[1].Users)
	assert.Empty(t, received(t, graceConn))

	team := int64(2)
	h.broadcaster.HandleMessage(context.Background(), adaConn, protocol.GetActiveTimers(&team))
	msgs = received(t, adaConn)
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].Timers)
}

func TestHandleMessagePingPong(t *testing.T) {
	h := newHarness(t, NewMemoryRelay())
	c := h.connect(t, "ada", ada, 0)

	h.broadcaster.HandleMessage(context.Background(), c, protocol.Ping())
	msgs := received(t, c)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.TypePong, msgs[0].Type)

	h.clock.Advance(time.Minute)
	h.broadcaster.HandleMessage(context.Background(), c, protocol.Pong())
	assert.True(t, c.LastPong().Equal(t0.Add(time.Minute)))

	h.broadcaster.HandleMessage(context.Background(), c, protocol.TimerStopped(8))
	assert.Empty(t, received(t, c), "server-only types from clients are ignored")
}

// Interleaved events across several tenants never leak between them.
func TestTenantIsolation(t *testing.T) {
	h := newHarness(t, NewMemoryRelay())
	rng := rand.New(rand.NewSource(1))

	const tenants, usersPerTenant = 3, 4
	tenantOf := map[int64]int64{}
	var identities []presence.Identity
	conns := map[int64][]*Connection{}
	for tenant := int64(1); tenant <= tenants; tenant++ {
		for u := int64(1); u <= usersPerTenant; u++ {
			id := presence.Identity{UserID: tenant*100 + u, TenantID: tenant}
			tenantOf[id.UserID] = tenant
			identities = append(identities, id)
			conns[tenant] = append(conns[tenant], h.connect(t, fmt.Sprintf("c-%d", id.UserID), id, 0))
		}
	}

	for i := 0; i < 500; i++ {
		id := identities[rng.Intn(len(identities))]
		if rng.Intn(2) == 0 {
			_, err := h.broadcaster.OnTimerStart(context.Background(), id, presence.ActiveTimerRecord{
				StartTime: t0.Add(time.Duration(i) * time.Second),
			})
			require.NoError(t, err)
		} else {
			require.NoError(t, h.broadcaster.OnTimerStop(context.Background(), id, nil))
		}

		// Drain as we go so no queue fills up.
		for tenant, cs := range conns {
			for _, c := range cs {
				for _, msg := range received(t, c) {
					user := msg.UserID
					if msg.Timer != nil {
						user = msg.Timer.UserID
					}
					require.Equal(t, tenant, tenantOf[user], "connection %s saw user %d", c.ID, user)
				}
			}
		}
	}

	for tenant := int64(1); tenant <= tenants; tenant++ {
		for _, r := range h.store.Snapshot(tenant, nil) {
			assert.Equal(t, tenant, tenantOf[r.UserID])
			assert.Equal(t, tenant, r.TenantID)
		}
	}
}

func TestSlowConsumerIsClosed(t *testing.T) {
	h := newHarness(t, NewMemoryRelay())
	cfg := DefaultConnectionConfig()
	cfg.SendBufferSize = 1
	cfg.SlowConsumerLimit = 3
	slow := newConnection("slow", nil, grace, 0, cfg, t0)
	require.NoError(t, h.registry.Register(slow))

	for i := 0; i < 4; i++ {
		_, err := h.broadcaster.OnTimerStart(context.Background(), ada, presence.ActiveTimerRecord{StartTime: t0})
		require.NoError(t, err)
	}

	select {
	case <-slow.Done():
	default:
		t.Fatal("slow consumer was not closed")
	}
	assert.False(t, slow.Enqueue([]byte("{}")))
}

func TestEnqueueResetsDropsOnSuccess(t *testing.T) {
	cfg := DefaultConnectionConfig()
	cfg.SendBufferSize = 1
	cfg.SlowConsumerLimit = 2
	c := newConnection("c", nil, grace, 0, cfg, t0)

	assert.True(t, c.Enqueue([]byte("1")))
	assert.False(t, c.Enqueue([]byte("2")))
	<-c.send
	assert.True(t, c.Enqueue([]byte("3")))
	<-c.send
	assert.True(t, c.Enqueue([]byte("4")))
	assert.False(t, c.Enqueue([]byte("5")))

	select {
	case <-c.Done():
		t.Fatal("connection closed after non-consecutive drops")
	default:
	}
}

type failingRelay struct{ *MemoryRelay }

func (*failingRelay) Publish(context.Context, Event) error {
	return errors.New("nats: connection closed")
}

func TestRelayFailureAppliesLocally(t *testing.T) {
	relay := &failingRelay{MemoryRelay: NewMemoryRelay()}
	h := newHarness(t, relay)
	c := h.connect(t, "grace", grace, 0)

	_, err := h.broadcaster.OnTimerStart(context.Background(), ada, presence.ActiveTimerRecord{StartTime: t0})
	require.Error(t, err)

	_, ok := h.store.Get(1, 7)
	assert.True(t, ok)
	assert.Len(t, received(t, c), 1)
}

func TestTwoInstancesShareRelay(t *testing.T) {
	relay := NewMemoryRelay()
	a := newHarness(t, relay)
	b := newHarness(t, relay)
	onB := b.connect(t, "grace", grace, 0)

	_, err := a.broadcaster.OnTimerStart(context.Background(), ada, presence.ActiveTimerRecord{StartTime: t0})
	require.NoError(t, err)

	_, ok := b.store.Get(1, 7)
	assert.True(t, ok, "instance b applied the relayed event")
	msgs := received(t, onB)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.TypeTimerStarted, msgs[0].Type)

	assert.Equal(t, int64(1), b.broadcaster.RelayedEvents())
	assert.Equal(t, int64(0), a.broadcaster.RelayedEvents(), "own events are not counted")
}

func TestIngestAppliesLocally(t *testing.T) {
	relay := NewMemoryRelay()
	a := newHarness(t, relay)
	b := newHarness(t, relay)

	rec := record(7, t0)
	a.broadcaster.Ingest(Event{Type: protocol.TypeTimerStarted, TenantID: 1, UserID: 7, Timer: &rec})

	_, ok := a.store.Get(1, 7)
	assert.True(t, ok)
	_, ok = b.store.Get(1, 7)
	assert.False(t, ok, "ingested events are not relayed")
}
