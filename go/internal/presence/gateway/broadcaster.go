package gateway

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/punchclock/go/internal/presence"
	"github.com/mcdev12/punchclock/go/internal/presence/protocol"
)

const relayPublishTimeout = 5 * time.Second

// Broadcaster turns client actions into timer events and delivers them to the
// connections of the affected tenant.
type Broadcaster struct {
	registry *Registry
	store    *Store
	relay    Relay
	clock    clockwork.Clock
	origin   string

	// relayed counts events applied here that another instance published.
	relayed atomic.Int64
}

// NewBroadcaster creates a broadcaster. With a nil relay events are applied
// locally only.
func NewBroadcaster(registry *Registry, store *Store, relay Relay, clock clockwork.Clock) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		store:    store,
		relay:    relay,
		clock:    clock,
		origin:   uuid.NewString(),
	}
}

// Subscribe starts applying relayed events. It must be called before any
// connection is accepted.
func (b *Broadcaster) Subscribe() (func(), error) {
	if b.relay == nil {
		return func() {}, nil
	}
	cancel, err := b.relay.Subscribe(b.apply)
	if err != nil {
		return nil, fmt.Errorf("subscribe broadcaster to relay: %w", err)
	}
	return cancel, nil
}

// HandleMessage dispatches a decoded client message.
func (b *Broadcaster) HandleMessage(ctx context.Context, conn *Connection, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeGetActiveTimers, protocol.TypeGetOnlineUsers:
		b.OnQuery(conn, msg)
	case protocol.TypeTimerStart:
		var fields presence.ActiveTimerRecord
		if msg.Timer != nil {
			fields = *msg.Timer
		}
		if _, err := b.OnTimerStart(ctx, conn.Identity, fields); err != nil {
			log.Error().Err(err).Str("connection_id", conn.ID).Msg("failed to handle timer_start")
		}
	case protocol.TypeTimerStop:
		if err := b.OnTimerStop(ctx, conn.Identity, msg.Stop); err != nil {
			log.Error().Err(err).Str("connection_id", conn.ID).Msg("failed to handle timer_stop")
		}
	case protocol.TypePing:
		b.sendTo(conn, protocol.Pong())
	case protocol.TypePong:
		conn.touchPong(b.clock.Now())
	default:
		log.Debug().
			Str("connection_id", conn.ID).
			Str("event_type", string(msg.Type)).
			Msg("ignoring server-only message from client")
	}
}

// OnTimerStart records that identity started a timer and broadcasts
// timer_started to every connection of the tenant, the sender's own included,
// so that all of the user's tabs agree. Owner fields always come from the
// identity; a missing start time means now.
func (b *Broadcaster) OnTimerStart(ctx context.Context, identity presence.Identity, fields presence.ActiveTimerRecord) (presence.ActiveTimerRecord, error) {
	record := fields.Clone()
	record.UserID = identity.UserID
	record.TenantID = identity.TenantID
	if identity.UserName != "" {
		record.UserName = identity.UserName
	}
	record.TeamIDs = identity.TeamIDs
	if record.StartTime.IsZero() {
		record.StartTime = b.clock.Now()
	}
	record.StartTime = record.StartTime.UTC()

	err := b.publish(ctx, Event{
		Type:     protocol.TypeTimerStarted,
		TenantID: identity.TenantID,
		UserID:   identity.UserID,
		Timer:    &record,
	})
	return record, err
}

// OnTimerStop removes identity's timer and broadcasts timer_stopped. Stopping
// a timer that isn't running still broadcasts, which clients treat as a no-op.
func (b *Broadcaster) OnTimerStop(ctx context.Context, identity presence.Identity, details *protocol.StopDetails) error {
	if details != nil {
		ev := log.Info().Int64("tenant_id", identity.TenantID).Int64("user_id", identity.UserID)
		if details.DurationSec != nil {
			ev = ev.Int64("duration_sec", *details.DurationSec)
		}
		ev.Str("summary", details.Summary).Msg("timer stop details")
	}

	return b.publish(ctx, Event{
		Type:     protocol.TypeTimerStopped,
		TenantID: identity.TenantID,
		UserID:   identity.UserID,
	})
}

// OnQuery answers get_active_timers and get_online_users to the requesting
// connection only. The message's team filter wins over the connection's.
func (b *Broadcaster) OnQuery(conn *Connection, msg protocol.Message) {
	team := msg.TeamID
	if team == nil && conn.TeamFilter != 0 {
		t := conn.TeamFilter
		team = &t
	}
	tenantID := conn.Identity.TenantID

	switch msg.Type {
	case protocol.TypeGetActiveTimers:
		b.sendTo(conn, protocol.ActiveTimers(b.store.Snapshot(tenantID, team)))
	case protocol.TypeGetOnlineUsers:
		b.sendTo(conn, protocol.OnlineUsers(b.registry.OnlineUsers(tenantID, team)))
	}
}

// Ingest applies an event that originated outside the gateway to this
// instance only.
func (b *Broadcaster) Ingest(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = b.clock.Now()
	}
	b.apply(ev)
}

// ExpireBefore drops timers started before cutoff and tells this instance's
// clients they stopped. Every instance sweeps its own store, so nothing is
// relayed.
func (b *Broadcaster) ExpireBefore(cutoff time.Time) int {
	n := 0
	for tenantID, records := range b.store.Expire(cutoff) {
		for _, r := range records {
			log.Info().
				Int64("tenant_id", tenantID).
				Int64("user_id", r.UserID).
				Time("start_time", r.StartTime).
				Msg("expiring idle timer")
			b.deliver(tenantID, nil, protocol.TimerStopped(r.UserID))
			n++
		}
	}
	return n
}

func (b *Broadcaster) publish(ctx context.Context, ev Event) error {
	ev.ID = uuid.NewString()
	ev.Origin = b.origin
	ev.At = b.clock.Now()

	if b.relay == nil {
		b.apply(ev)
		return nil
	}

	pubCtx, cancel := context.WithTimeout(ctx, relayPublishTimeout)
	defer cancel()
	if err := b.relay.Publish(pubCtx, ev); err != nil {
		log.Error().
			Err(err).
			Str("event_id", ev.ID).
			Int64("tenant_id", ev.TenantID).
			Msg("relay publish failed, applying locally")
		b.apply(ev)
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// RelayedEvents reports how many events from other gateway instances this
// one has applied.
func (b *Broadcaster) RelayedEvents() int64 {
	return b.relayed.Load()
}

// apply updates the store and fans the event out to local connections.
func (b *Broadcaster) apply(ev Event) {
	if ev.Origin != "" && ev.Origin != b.origin {
		b.relayed.Add(1)
		log.Debug().
			Str("event_id", ev.ID).
			Str("origin", ev.Origin).
			Msg("applying event from another instance")
	}

	switch ev.Type {
	case protocol.TypeTimerStarted:
		if ev.Timer == nil || ev.Timer.UserID == 0 {
			log.Warn().Str("event_id", ev.ID).Msg("dropping timer_started without timer")
			return
		}
		record := *ev.Timer
		if prev := b.store.Upsert(ev.TenantID, record); prev != nil && !prev.SameTimer(record) {
			log.Info().
				Int64("tenant_id", ev.TenantID).
				Int64("user_id", record.UserID).
				Time("previous_start", prev.StartTime).
				Time("start_time", record.StartTime).
				Msg("timer restarted")
		}
		msg := protocol.TimerStarted(record)
		msg.Timestamp = ev.At
		b.deliver(ev.TenantID, &record, msg)

	case protocol.TypeTimerStopped:
		b.store.Remove(ev.TenantID, ev.UserID)
		msg := protocol.TimerStopped(ev.UserID)
		msg.Timestamp = ev.At
		b.deliver(ev.TenantID, nil, msg)

	default:
		log.Warn().Str("event_type", string(ev.Type)).Msg("dropping unknown relay event")
	}
}

// deliver encodes msg once and queues it on every matching connection of the
// tenant. A nil record reaches every connection.
func (b *Broadcaster) deliver(tenantID int64, record *presence.ActiveTimerRecord, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(msg.Type)).Msg("failed to encode broadcast")
		return
	}

	conns := b.registry.ConnectionsForTenant(tenantID, nil)
	sent := 0
	for _, conn := range conns {
		if record != nil && !conn.wantsTimer(*record) {
			continue
		}
		if conn.Enqueue(data) {
			sent++
		}
	}

	log.Debug().
		Str("event_type", string(msg.Type)).
		Int64("tenant_id", tenantID).
		Int("connections", sent).
		Msg("event broadcasted")
}

func (b *Broadcaster) sendTo(conn *Connection, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(msg.Type)).Msg("failed to encode reply")
		return
	}
	conn.Enqueue(data)
}
