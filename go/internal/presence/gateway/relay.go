package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcdev12/punchclock/go/internal/presence"
	"github.com/mcdev12/punchclock/go/internal/presence/protocol"
)

// Event is a timer change as it travels between gateway instances.
type Event struct {
	ID       string                      `json:"id"`
	Origin   string                      `json:"origin"`
	Type     protocol.Type               `json:"type"`
	TenantID int64                       `json:"tenant_id"`
	UserID   int64                       `json:"user_id"`
	Timer    *presence.ActiveTimerRecord `json:"timer,omitempty"`
	At       time.Time                   `json:"at"`
}

// Relay fans timer events out to every gateway instance, the publishing one
// included.
type Relay interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(handler func(Event)) (cancel func(), err error)
	Close() error
}

// MemoryRelay is the single-instance Relay. Publish delivers synchronously.
type MemoryRelay struct {
	mu       sync.RWMutex
	handlers map[uuid.UUID]func(Event)
}

// NewMemoryRelay creates an in-process relay.
func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{handlers: make(map[uuid.UUID]func(Event))}
}

func (m *MemoryRelay) Publish(_ context.Context, ev Event) error {
	m.mu.RLock()
	handlers := make([]func(Event), 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
	return nil
}

func (m *MemoryRelay) Subscribe(handler func(Event)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.New()
	m.handlers[id] = handler
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.handlers, id)
	}, nil
}

func (*MemoryRelay) Close() error {
	return nil
}
