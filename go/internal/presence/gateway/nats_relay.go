package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSRelayConfig holds configuration for the NATS relay.
type NATSRelayConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// DefaultNATSRelayConfig returns a config for a local NATS server that retries
// forever.
func DefaultNATSRelayConfig() NATSRelayConfig {
	return NATSRelayConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "presence",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// NATSRelay relays events between gateway instances over core NATS. Events
// are published on <prefix>.<tenant_id>.timer with no stream behind them; an
// instance that is down misses events and its clients resync on reconnect.
type NATSRelay struct {
	nc  *nats.Conn
	cfg NATSRelayConfig
}

// NewNATSRelay connects to cfg.URL.
func NewNATSRelay(cfg NATSRelayConfig) (*NATSRelay, error) {
	opts := []nats.Option{
		nats.Name("punchclock-presence-gateway"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	log.Info().Str("url", nc.ConnectedUrl()).Str("subject_prefix", cfg.SubjectPrefix).Msg("NATS relay connected")
	return &NATSRelay{nc: nc, cfg: cfg}, nil
}

func (r *NATSRelay) subject(tenantID int64) string {
	return fmt.Sprintf("%s.%d.timer", r.cfg.SubjectPrefix, tenantID)
}

func (r *NATSRelay) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal relay event: %w", err)
	}
	if err := r.nc.Publish(r.subject(ev.TenantID), data); err != nil {
		return fmt.Errorf("publish relay event: %w", err)
	}
	return nil
}

func (r *NATSRelay) Subscribe(handler func(Event)) (func(), error) {
	sub, err := r.nc.Subscribe(r.cfg.SubjectPrefix+".*.timer", func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Error().Err(err).Str("subject", msg.Subject).Msg("failed to decode relay event")
			return
		}
		handler(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to relay subject: %w", err)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Msg("failed to unsubscribe from relay")
		}
	}, nil
}

func (r *NATSRelay) Close() error {
	if err := r.nc.Drain(); err != nil {
		r.nc.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}
