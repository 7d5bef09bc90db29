package client

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// State is the connection manager's state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	// GaveUp means automatic reconnects are exhausted or the server rejected
	// the credential. Only SetToken or Reconnect leave it.
	GaveUp
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case GaveUp:
		return "gave_up"
	}
	return "unknown"
}

// Machine is the reconnect state machine. The consecutive failed attempt
// count and the backoff schedule are part of the state and are reset only by
// a successful open or an explicit Reset.
type Machine struct {
	mu            sync.Mutex
	state         State
	attempts      int
	maxAttempts   int
	autoReconnect bool
	backoff       backoff.BackOff
}

// NewMachine creates a machine in the Disconnected state. A nil policy means
// DefaultBackOff.
func NewMachine(maxAttempts int, autoReconnect bool, policy backoff.BackOff) *Machine {
	if policy == nil {
		policy = DefaultBackOff()
	}
	policy.Reset()
	return &Machine{maxAttempts: maxAttempts, autoReconnect: autoReconnect, backoff: policy}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Dial moves to Connecting. It reports false, changing nothing, when a dial
// is not allowed from the current state.
func (m *Machine) Dial() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Disconnected && m.state != Reconnecting {
		return false
	}
	m.state = Connecting
	return true
}

// Opened records a successful handshake.
func (m *Machine) Opened() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Connected
	m.attempts = 0
	m.backoff.Reset()
}

// DialFailed records a failed dial and returns the new state.
func (m *Machine) DialFailed() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	switch {
	case m.attempts >= m.maxAttempts:
		m.state = GaveUp
	case m.autoReconnect:
		m.state = Reconnecting
	default:
		m.state = Disconnected
	}
	return m.state
}

// Closed records the loss of an open connection and returns the new state.
func (m *Machine) Closed() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.autoReconnect && m.attempts < m.maxAttempts {
		m.state = Reconnecting
	} else {
		m.state = Disconnected
	}
	return m.state
}

// Rejected records that the server refused the credential.
func (m *Machine) Rejected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = GaveUp
}

// Reset returns to Disconnected with a fresh attempt budget.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Disconnected
	m.attempts = 0
	m.backoff.Reset()
}

// NextDelay returns how long to wait before the next reconnect. When the
// policy says stop, the machine gives up and ok is false.
func (m *Machine) NextDelay() (delay time.Duration, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delay = m.backoff.NextBackOff()
	if delay == backoff.Stop {
		m.state = GaveUp
		return 0, false
	}
	return delay, true
}

// DefaultBackOff returns the reconnect schedule: 3s doubling up to a 30s cap,
// without jitter or an overall deadline.
func DefaultBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 3 * time.Second
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
