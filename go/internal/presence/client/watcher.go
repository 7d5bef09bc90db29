package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/mcdev12/punchclock/go/internal/presence"
	"github.com/mcdev12/punchclock/go/internal/presence/protocol"
)

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	// BaseURL is the gateway's HTTP address, e.g. http://localhost:8081.
	BaseURL      string
	Token        string
	TeamID       *int64
	PollInterval time.Duration
	Connection   Config
}

// DefaultWatcherConfig returns a config polling baseURL every 5s while offline.
func DefaultWatcherConfig(baseURL string) WatcherConfig {
	return WatcherConfig{
		BaseURL:      baseURL,
		PollInterval: 5 * time.Second,
		Connection:   DefaultConfig(""),
	}
}

// Watcher keeps a local, live view of a tenant's active timers. The
// WebSocket connection is primary; while it is down the REST snapshot is
// polled instead.
type Watcher struct {
	Manager    *Manager
	Reconciler *Reconciler
	Snapshots  *SnapshotClient

	poller *Poller
}

// NewWatcher creates a watcher for cfg.BaseURL. A nil dialer means
// websocket.DefaultDialer.
func NewWatcher(cfg WatcherConfig, dialer Dialer, clock clockwork.Clock) (*Watcher, error) {
	wsURL, err := timersURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn := cfg.Connection
	conn.URL = wsURL
	conn.TeamID = cfg.TeamID
	conn.Token = cfg.Token

	reconciler := NewReconciler()
	manager := NewManager(conn, dialer, clock, func(msg protocol.Message) {
		reconciler.Apply(msg)
	})
	snapshots := NewSnapshotClient(strings.TrimRight(cfg.BaseURL, "/"))

	w := &Watcher{
		Manager:    manager,
		Reconciler: reconciler,
		Snapshots:  snapshots,
		poller:     NewPoller(snapshots, manager, reconciler, clock, cfg.PollInterval, cfg.TeamID),
	}
	if cfg.Token != "" {
		snapshots.SetToken(cfg.Token)
	}
	return w, nil
}

// Run connects and keeps the view current until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.poller.Run(gctx)
	})
	g.Go(func() error {
		w.Manager.Connect()
		<-gctx.Done()
		w.Manager.Close()
		return nil
	})
	return g.Wait()
}

func (w *Watcher) SetToken(token string) {
	w.Snapshots.SetToken(token)
	w.Manager.SetToken(token)
}

// StartTimer asks the gateway to start a timer for the authenticated user.
func (w *Watcher) StartTimer(fields presence.ActiveTimerRecord) error {
	if !w.Manager.Send(protocol.TimerStart(fields)) {
		return ErrNotConnected
	}
	return nil
}

func (w *Watcher) StopTimer(details *protocol.StopDetails) error {
	if !w.Manager.Send(protocol.TimerStop(details)) {
		return ErrNotConnected
	}
	return nil
}

func timersURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid gateway url %q: %w", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid gateway url %q: unsupported scheme", base)
	}
	u.Path += "/ws/timers"
	return u.String(), nil
}
