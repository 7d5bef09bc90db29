package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/punchclock/go/internal/presence"
	"github.com/mcdev12/punchclock/go/internal/presence/protocol"
)

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	MaxMessageSize  int64         `yaml:"max_message_size"`
	ReadBufferSize  int           `yaml:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size"`

	// SendBufferSize bounds each connection's outbound queue.
	SendBufferSize int `yaml:"send_buffer_size"`

	// SlowConsumerLimit is how many consecutive drops close a connection.
	SlowConsumerLimit int `yaml:"slow_consumer_limit"`

	CheckOrigin func(r *http.Request) bool `yaml:"-"`
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       60 * time.Second,
		PingInterval:      25 * time.Second,
		MaxMessageSize:    4096,
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		SendBufferSize:    256,
		SlowConsumerLimit: 32,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// MessageHandler receives every well-formed message a client sends.
type MessageHandler interface {
	HandleMessage(ctx context.Context, conn *Connection, msg protocol.Message)
}

// ConnectionManager upgrades HTTP requests and runs the per-connection pumps.
type ConnectionManager struct {
	registry *Registry
	handler  MessageHandler
	upgrader websocket.Upgrader
	config   ConnectionConfig
	clock    clockwork.Clock
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(config ConnectionConfig, registry *Registry, handler MessageHandler, clock clockwork.Clock) *ConnectionManager {
	return &ConnectionManager{
		registry: registry,
		handler:  handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config: config,
		clock:  clock,
	}
}

// UpgradeConnection upgrades an authenticated request to a WebSocket and
// starts serving it.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, identity presence.Identity, teamFilter int64) (*Connection, error) {
	ws, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	conn := newConnection(uuid.NewString(), ws, identity, teamFilter, cm.config, cm.clock.Now())
	if err := cm.registry.Register(conn); err != nil {
		ws.Close()
		return nil, fmt.Errorf("register connection: %w", err)
	}

	go cm.writePump(conn)
	go cm.readPump(conn)

	log.Info().
		Str("connection_id", conn.ID).
		Int64("user_id", identity.UserID).
		Int64("tenant_id", identity.TenantID).
		Int64("team_filter", teamFilter).
		Msg("WebSocket connection established")

	return conn, nil
}

// writePump is the only writer on the socket. It also sends the application
// level ping that keeps idle clients from declaring the connection stale.
func (cm *ConnectionManager) writePump(c *Connection) {
	ticker := cm.clock.NewTicker(cm.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
		c.ws.Close()
		cm.registry.Unregister(c.ID)
	}()

	ping, err := protocol.Encode(protocol.Ping())
	if err != nil {
		log.Error().Err(err).Msg("failed to encode ping")
		return
	}

	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(cm.config.WriteTimeout))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return

		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(cm.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.Chan():
			c.ws.SetWriteDeadline(time.Now().Add(cm.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, ping); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump decodes inbound frames and hands them to the message handler.
// Malformed frames are logged and dropped without closing the connection.
func (cm *ConnectionManager) readPump(c *Connection) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		cm.registry.Unregister(c.ID)
		c.Close()
		c.ws.Close()
	}()

	c.ws.SetReadLimit(cm.config.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(cm.config.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(cm.config.ReadTimeout))
		c.touchPong(cm.clock.Now())
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(cm.config.ReadTimeout))

		msg, err := protocol.Decode(data)
		if err != nil {
			log.Warn().
				Err(err).
				Str("connection_id", c.ID).
				Int64("user_id", c.Identity.UserID).
				Msg("dropping malformed client message")
			continue
		}
		cm.handler.HandleMessage(ctx, c, msg)
	}
}
