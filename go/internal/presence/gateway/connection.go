package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/punchclock/go/internal/presence"
)

// Connection is one live WebSocket client.
type Connection struct {
	ID          string
	Identity    presence.Identity
	ConnectedAt time.Time

	// TeamFilter restricts timer broadcasts to one team. Zero means none.
	TeamFilter int64

	ws   *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once

	drops     atomic.Int32
	dropLimit int32
	lastPong  atomic.Int64
}

func newConnection(id string, ws *websocket.Conn, identity presence.Identity, teamFilter int64, cfg ConnectionConfig, now time.Time) *Connection {
	c := &Connection{
		ID:          id,
		Identity:    identity,
		TeamFilter:  teamFilter,
		ConnectedAt: now,
		ws:          ws,
		send:        make(chan []byte, cfg.SendBufferSize),
		done:        make(chan struct{}),
		dropLimit:   int32(cfg.SlowConsumerLimit),
	}
	c.lastPong.Store(now.UnixNano())
	return c
}

// Enqueue queues an encoded message for the write pump. It never blocks: when
// the queue is full the message is dropped, and a connection that keeps
// dropping is closed so the client reconnects and resyncs.
func (c *Connection) Enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		c.drops.Store(0)
		return true
	default:
	}

	n := c.drops.Add(1)
	log.Warn().
		Str("connection_id", c.ID).
		Int64("user_id", c.Identity.UserID).
		Int32("consecutive_drops", n).
		Msg("connection send buffer full, dropping message")
	if c.dropLimit > 0 && n >= c.dropLimit {
		log.Warn().Str("connection_id", c.ID).Msg("closing slow consumer")
		c.Close()
	}
	return false
}

// Close signals both pumps to stop. Safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Done is closed once the connection is shutting down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) LastPong() time.Time {
	return time.Unix(0, c.lastPong.Load())
}

func (c *Connection) touchPong(now time.Time) {
	c.lastPong.Store(now.UnixNano())
}

// wantsTimer reports whether a timer broadcast for record should reach c.
func (c *Connection) wantsTimer(record presence.ActiveTimerRecord) bool {
	return record.VisibleTo(&c.TeamFilter)
}
