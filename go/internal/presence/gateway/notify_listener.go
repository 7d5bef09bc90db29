package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/punchclock/go/internal/presence"
	"github.com/mcdev12/punchclock/go/internal/presence/protocol"
)

type NotifyListenerConfig struct {
	Enabled       bool          `yaml:"enabled"`
	DatabaseURL   string        `yaml:"database_url"` // Postgres DSN for LISTEN/NOTIFY
	NotifyChannel string        `yaml:"notify_channel"`
	PingInterval  time.Duration `yaml:"ping_interval"`
}

// DefaultNotifyListenerConfig returns the default LISTEN channel and ping
// interval.
func DefaultNotifyListenerConfig() NotifyListenerConfig {
	return NotifyListenerConfig{
		NotifyChannel: "timer_events",
		PingInterval:  90 * time.Second,
	}
}

// timerNotification is the NOTIFY payload written by the REST timer
// endpoints, e.g. {"action":"start","tenant_id":1,"user_id":7,...}.
type timerNotification struct {
	Action string `json:"action"`
	presence.ActiveTimerRecord
}

// EventIngester applies events to this gateway instance.
type EventIngester interface {
	Ingest(ev Event)
}

// NotifyListener bridges timers started or stopped through the REST API into
// live presence. Every gateway instance listens, so events are applied
// locally and not relayed.
type NotifyListener struct {
	listener *pq.Listener
	ingester EventIngester
	cfg      NotifyListenerConfig
}

// NewNotifyListener creates a listener that hands notifications to ingester.
func NewNotifyListener(ingester EventIngester, cfg NotifyListenerConfig) (*NotifyListener, error) {
	l := pq.NewListener(
		cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("listener event")
			}
		},
	)
	if err := l.Listen(cfg.NotifyChannel); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	log.Info().
		Str("channel", cfg.NotifyChannel).
		Msg("listening for timer notifications")

	return &NotifyListener{listener: l, ingester: ingester, cfg: cfg}, nil
}

func (l *NotifyListener) Run(ctx context.Context) error {
	pingTicker := time.NewTicker(l.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("notify listener shutting down")
			return nil
		case note := <-l.listener.Notify:
			if note == nil {
				// nil notification means the connection was re-established;
				// anything sent meanwhile is lost and clients resync on their own.
				continue
			}
			if err := l.handleNotification(note.Extra); err != nil {
				log.Error().Err(err).Msg("failed to handle notification")
			}
		case <-pingTicker.C:
			if err := l.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

func (l *NotifyListener) Close() error {
	return l.listener.Close()
}

// handleNotification turns one NOTIFY payload into a local event.
func (l *NotifyListener) handleNotification(extra string) error {
	ev, err := parseTimerNotification(extra)
	if err != nil {
		return err
	}
	l.ingester.Ingest(ev)

	log.Debug().
		Str("event_type", string(ev.Type)).
		Int64("tenant_id", ev.TenantID).
		Int64("user_id", ev.UserID).
		Msg("applied timer notification")
	return nil
}

func parseTimerNotification(extra string) (Event, error) {
	var n timerNotification
	if err := json.Unmarshal([]byte(extra), &n); err != nil {
		return Event{}, fmt.Errorf("invalid timer notification: %w", err)
	}
	if n.TenantID <= 0 || n.UserID <= 0 {
		return Event{}, errors.New("timer notification missing tenant_id or user_id")
	}

	ev := Event{TenantID: n.TenantID, UserID: n.UserID}
	switch n.Action {
	case "start":
		if n.StartTime.IsZero() {
			return Event{}, errors.New("timer notification missing start_time")
		}
		record := n.ActiveTimerRecord
		ev.Type = protocol.TypeTimerStarted
		ev.Timer = &record
	case "stop":
		ev.Type = protocol.TypeTimerStopped
	default:
		return Event{}, fmt.Errorf("unknown timer notification action %q", n.Action)
	}
	return ev, nil
}
