package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mcdev12/punchclock/go/internal/presence/auth"
)

// Service is the presence gateway: WebSocket connections, the presence store
// and event fan-out.
type Service struct {
	registry          *Registry
	store             *Store
	relay             Relay
	broadcaster       *Broadcaster
	connectionManager *ConnectionManager
	sweeper           *Sweeper
	listener          *NotifyListener
	wsHandler         *WebSocketHandler
	stateHandler      *StateHandler

	unsubscribe func()
	stopOnce    sync.Once
}

// NewService creates the gateway. The relay is NATS when enabled and
// in-process otherwise.
func NewService(config Config, authenticator auth.Authenticator, clock clockwork.Clock) (*Service, error) {
	var relay Relay = NewMemoryRelay()
	if config.NATS.Enabled {
		natsRelay, err := NewNATSRelay(config.NATS)
		if err != nil {
			return nil, fmt.Errorf("failed to create NATS relay: %w", err)
		}
		relay = natsRelay
	}

	s, err := newService(config, authenticator, relay, clock)
	if err != nil {
		relay.Close()
		return nil, err
	}

	if config.Listener.Enabled {
		listener, err := NewNotifyListener(s.broadcaster, config.Listener)
		if err != nil {
			s.Stop()
			return nil, fmt.Errorf("failed to create notify listener: %w", err)
		}
		s.listener = listener
	}
	return s, nil
}

func newService(config Config, authenticator auth.Authenticator, relay Relay, clock clockwork.Clock) (*Service, error) {
	registry := NewRegistry()
	store := NewStore()
	broadcaster := NewBroadcaster(registry, store, relay, clock)
	connectionManager := NewConnectionManager(config.Connection, registry, broadcaster, clock)

	unsubscribe, err := broadcaster.Subscribe()
	if err != nil {
		return nil, err
	}

	return &Service{
		registry:          registry,
		store:             store,
		relay:             relay,
		broadcaster:       broadcaster,
		connectionManager: connectionManager,
		sweeper:           NewSweeper(broadcaster, clock, config.Sweep),
		wsHandler:         NewWebSocketHandler(authenticator, connectionManager, registry, store, broadcaster),
		stateHandler:      NewStateHandler(authenticator, store, registry),
		unsubscribe:       unsubscribe,
	}, nil
}

// Start runs the background loops until ctx is done, then stops the service.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting presence gateway service")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.sweeper.Run(gctx)
	})
	if s.listener != nil {
		g.Go(func() error {
			return s.listener.Run(gctx)
		})
	}

	err := g.Wait()
	log.Info().Msg("presence gateway service shutting down")
	s.Stop()
	return err
}

// Stop closes every connection, the listener and the relay. Safe to call more than once.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.unsubscribe()
		s.registry.CloseAll()
		if s.listener != nil {
			if err := s.listener.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close notify listener")
			}
		}
		if err := s.relay.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close relay")
		}
		log.Info().Msg("presence gateway service stopped")
	})
}

// RegisterRoutes registers the WebSocket and REST routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	s.stateHandler.RegisterStateRoutes(mux)
	log.Info().Msg("presence gateway routes registered")
}

// Stats returns connection statistics.
func (s *Service) Stats() RegistryStats {
	return s.registry.Stats()
}

// Broadcaster returns the service's broadcaster, for callers that apply timer
// changes outside a WebSocket session.
func (s *Service) Broadcaster() *Broadcaster {
	return s.broadcaster
}
