package client

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/punchclock/go/internal/presence"
)

// TimerSource returns full snapshots of active timers and online users.
// *SnapshotClient satisfies it.
type TimerSource interface {
	ActiveTimers(ctx context.Context, teamID *int64) ([]presence.ActiveTimerRecord, error)
	OnlineUsers(ctx context.Context, teamID *int64) ([]int64, error)
}

// StateSource exposes the live connection's state.
type StateSource interface {
	State() State
	Watch(ctx context.Context) <-chan State
}

// Poller keeps the reconciler fresh from the REST snapshot while the live
// connection is down.
type Poller struct {
	source     TimerSource
	states     StateSource
	reconciler *Reconciler
	clock      clockwork.Clock
	interval   time.Duration
	teamID     *int64
}

// NewPoller creates a poller that refreshes reconciler from source every
// interval while states reports the live connection down.
func NewPoller(source TimerSource, states StateSource, reconciler *Reconciler, clock clockwork.Clock, interval time.Duration, teamID *int64) *Poller {
	return &Poller{
		source:     source,
		states:     states,
		reconciler: reconciler,
		clock:      clock,
		interval:   interval,
		teamID:     teamID,
	}
}

// Run polls every interval while the connection is not Connected and stops
// as soon as it is. It returns when ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	states := p.states.Watch(ctx)

	var ticker clockwork.Ticker
	var tick <-chan time.Time
	stop := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, tick = nil, nil
		}
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case st, ok := <-states:
			if !ok {
				return nil
			}
			if st == Connected {
				if ticker != nil {
					log.Debug().Msg("live connection up, stopping snapshot polling")
				}
				stop()
				continue
			}
			if ticker == nil {
				log.Debug().Stringer("state", st).Dur("interval", p.interval).Msg("live connection down, polling snapshots")
				ticker = p.clock.NewTicker(p.interval)
				tick = ticker.Chan()
			}

		case <-tick:
			p.Poll(ctx)
		}
	}
}

// Poll fetches one snapshot and applies it unless the live connection came
// up in the meantime. It reports whether the timer list was replaced.
func (p *Poller) Poll(ctx context.Context) bool {
	if p.states.State() == Connected {
		return false
	}

	timers, err := p.source.ActiveTimers(ctx, p.teamID)
	if err != nil {
		log.Warn().Err(err).Msg("snapshot poll failed")
		return false
	}

	offline := func() bool { return p.states.State() != Connected }
	applied := p.reconciler.ReplaceIf(offline, timers)
	if !applied {
		log.Debug().Msg("discarding snapshot, live connection took over")
		return false
	}

	online, err := p.source.OnlineUsers(ctx, p.teamID)
	if err != nil {
		log.Warn().Err(err).Msg("online users poll failed")
		return true
	}
	p.reconciler.ReplaceUsersIf(offline, online)
	return true
}
