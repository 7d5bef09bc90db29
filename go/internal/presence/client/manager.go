package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/punchclock/go/internal/presence/protocol"
)

var (
	// ErrNotConnected is returned when a message can't be handed to a live
	// connection.
	ErrNotConnected = errors.New("not connected")
	// ErrGaveUp is returned while waiting for a connection that will not be
	// retried automatically.
	ErrGaveUp = errors.New("gave up reconnecting")
)

// Dialer opens the WebSocket. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type Config struct {
	// URL of the presence endpoint, e.g. ws://localhost:8081/ws/timers.
	URL    string
	TeamID *int64
	// Token is the initial credential. Connect does nothing until one is set.
	Token string

	AutoReconnect        bool
	MaxReconnectAttempts int
	// BackOff builds the reconnect schedule. Nil means DefaultBackOff.
	BackOff func() backoff.BackOff

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// StaleAfter is how long the connection may go without any inbound
	// message before it is treated as closed. Zero disables the check.
	StaleAfter time.Duration
}

// DefaultConfig returns the reconnecting configuration for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		AutoReconnect:        true,
		MaxReconnectAttempts: 5,
		BackOff:              func() backoff.BackOff { return DefaultBackOff() },
		HandshakeTimeout:     10 * time.Second,
		WriteTimeout:         10 * time.Second,
		StaleAfter:           60 * time.Second,
	}
}

// Manager keeps one live presence connection and reconnects it on failure.
// Incoming messages other than ping are passed to the handler on the
// connection's read goroutine.
type Manager struct {
	cfg     Config
	dialer  Dialer
	clock   clockwork.Clock
	handler func(protocol.Message)
	machine *Machine

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	token     string
	conn      *websocket.Conn
	runCancel context.CancelFunc
	closed    bool

	writeMu sync.Mutex

	watchMu  sync.Mutex
	watchers map[chan State]struct{}
}

// NewManager creates a disconnected manager. Nothing is dialed until Connect
// or SetToken.
func NewManager(cfg Config, dialer Dialer, clock clockwork.Clock, handler func(protocol.Message)) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	if handler == nil {
		handler = func(protocol.Message) {}
	}
	var policy backoff.BackOff
	if cfg.BackOff != nil {
		policy = cfg.BackOff()
	}
	return &Manager{
		cfg:      cfg,
		dialer:   dialer,
		clock:    clock,
		handler:  handler,
		machine:  NewMachine(cfg.MaxReconnectAttempts, cfg.AutoReconnect, policy),
		token:    cfg.Token,
		ctx:      ctx,
		cancel:   cancel,
		watchers: make(map[chan State]struct{}),
	}
}

func (m *Manager) State() State {
	return m.machine.State()
}

func (m *Manager) IsConnected() bool {
	return m.machine.State() == Connected
}

// Connect starts connecting in the background. It does nothing when already
// connected or connecting, after giving up, or when there is no credential.
func (m *Manager) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if m.token == "" {
		log.Debug().Msg("no credential, staying disconnected")
		return
	}
	if !m.machine.Dial() {
		return
	}

	ctx, cancel := context.WithCancel(m.ctx)
	m.runCancel = cancel
	m.wg.Add(1)
	go m.run(ctx)
	m.notify()
}

// SetToken changes the credential. A new credential resets the attempt
// counter and reconnects; an empty one disconnects.
func (m *Manager) SetToken(token string) {
	m.mu.Lock()
	changed := token != m.token
	m.token = token
	m.mu.Unlock()

	if !changed {
		return
	}
	m.reset()
	m.Connect()
}

// Reconnect drops any current connection, resets the attempt counter and
// connects again.
func (m *Manager) Reconnect() {
	m.reset()
	m.Connect()
}

func (m *Manager) reset() {
	m.mu.Lock()
	if m.runCancel != nil {
		m.runCancel()
		m.runCancel = nil
	}
	m.machine.Reset()
	m.mu.Unlock()
	m.notify()
}

// Send writes msg if connected. False means it may not have been delivered.
func (m *Manager) Send(msg protocol.Message) bool {
	if m.machine.State() != Connected {
		return false
	}
	m.mu.Lock()
	ws := m.conn
	m.mu.Unlock()
	if ws == nil {
		return false
	}
	return m.write(ws, msg)
}

func (m *Manager) write(ws *websocket.Conn, msg protocol.Message) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(msg.Type)).Msg("failed to encode message")
		return false
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Warn().Err(err).Str("event_type", string(msg.Type)).Msg("failed to send message")
		return false
	}
	return true
}

// WaitConnected blocks until the manager is connected, has given up, or ctx
// is done.
func (m *Manager) WaitConnected(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for st := range m.Watch(ctx) {
		switch st {
		case Connected:
			return nil
		case GaveUp:
			return ErrGaveUp
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrNotConnected
}

// Watch returns a channel that receives the current state and then every
// change. Slow readers only see the latest state. The channel is closed when
// ctx is done or the manager is closed.
func (m *Manager) Watch(ctx context.Context) <-chan State {
	ch := make(chan State, 1)

	m.watchMu.Lock()
	if m.watchers == nil {
		m.watchMu.Unlock()
		close(ch)
		return ch
	}
	m.watchers[ch] = struct{}{}
	ch <- m.machine.State()
	m.watchMu.Unlock()

	context.AfterFunc(ctx, func() {
		m.watchMu.Lock()
		defer m.watchMu.Unlock()
		if _, ok := m.watchers[ch]; ok {
			delete(m.watchers, ch)
			close(ch)
		}
	})
	return ch
}

func (m *Manager) notify() {
	st := m.machine.State()

	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	for ch := range m.watchers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}

// Close stops reconnecting, closes the connection and waits for the
// background goroutines to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.machine.Reset()
	m.notify()

	m.watchMu.Lock()
	for ch := range m.watchers {
		close(ch)
	}
	m.watchers = nil
	m.watchMu.Unlock()
}

// run dials and serves connections until the machine stops asking for
// reconnects or ctx is cancelled.
func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	for {
		m.session(ctx)
		if ctx.Err() != nil || m.machine.State() != Reconnecting {
			return
		}

		delay, ok := m.machine.NextDelay()
		if !ok {
			log.Warn().Int("attempts", m.machine.Attempts()).Msg("backoff exhausted, not reconnecting")
			m.notify()
			return
		}
		log.Info().
			Dur("delay", delay).
			Int("attempt", m.machine.Attempts()+1).
			Msg("scheduling reconnect")

		timer := m.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}

		if !m.machine.Dial() {
			return
		}
		m.notify()
	}
}

// session performs one dial and, if it succeeds, serves the connection until
// it closes.
func (m *Manager) session(ctx context.Context) {
	m.mu.Lock()
	token := m.token
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	ws, resp, err := m.dialer.DialContext(dialCtx, m.dialURL(), http.Header{
		"Authorization": []string{"Bearer " + token},
	})
	cancel()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			log.Warn().Int("status", resp.StatusCode).Msg("credential rejected, not reconnecting")
			m.machine.Rejected()
			m.notify()
			return
		}
		st := m.machine.DialFailed()
		log.Warn().Err(err).Int("attempts", m.machine.Attempts()).Stringer("state", st).Msg("dial failed")
		m.notify()
		return
	}
	if ctx.Err() != nil {
		ws.Close()
		return
	}

	m.mu.Lock()
	m.conn = ws
	m.mu.Unlock()
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer func() {
		stop()
		ws.Close()
		m.mu.Lock()
		if m.conn == ws {
			m.conn = nil
		}
		m.mu.Unlock()
	}()

	m.machine.Opened()
	m.notify()
	log.Info().Str("url", m.cfg.URL).Msg("presence connection established")

	m.write(ws, protocol.GetActiveTimers(m.cfg.TeamID))
	m.write(ws, protocol.GetOnlineUsers(m.cfg.TeamID))

	m.readLoop(ws)

	if ctx.Err() != nil {
		return
	}
	st := m.machine.Closed()
	log.Info().Stringer("state", st).Msg("presence connection closed")
	m.notify()
}

func (m *Manager) readLoop(ws *websocket.Conn) {
	for {
		if m.cfg.StaleAfter > 0 {
			ws.SetReadDeadline(time.Now().Add(m.cfg.StaleAfter))
		}
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("presence connection lost")
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Err(err).Msg("dropping malformed server message")
			continue
		}
		if msg.Type == protocol.TypePing {
			m.write(ws, protocol.Pong())
			continue
		}
		m.handler(msg)
	}
}

func (m *Manager) dialURL() string {
	if m.cfg.TeamID == nil {
		return m.cfg.URL
	}
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return m.cfg.URL
	}
	q := u.Query()
	q.Set("team_id", strconv.FormatInt(*m.cfg.TeamID, 10))
	u.RawQuery = q.Encode()
	return u.String()
}
