package gateway

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// SweepConfig controls expiry of timers nobody stopped.
type SweepConfig struct {
	MaxTimerAge   time.Duration `yaml:"max_timer_age"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultSweepConfig returns the default idle timer limits.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		MaxTimerAge:   16 * time.Hour,
		SweepInterval: 5 * time.Minute,
	}
}

// Sweeper periodically expires timers older than MaxTimerAge, e.g. from a
// client that crashed without sending timer_stop.
type Sweeper struct {
	broadcaster *Broadcaster
	clock       clockwork.Clock
	cfg         SweepConfig
}

// NewSweeper creates a sweeper that expires timers through broadcaster.
func NewSweeper(broadcaster *Broadcaster, clock clockwork.Clock, cfg SweepConfig) *Sweeper {
	return &Sweeper{broadcaster: broadcaster, clock: clock, cfg: cfg}
}

// Run sweeps every SweepInterval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.cfg.MaxTimerAge <= 0 || s.cfg.SweepInterval <= 0 {
		log.Info().Msg("idle timer sweep disabled")
		<-ctx.Done()
		return nil
	}

	log.Info().
		Dur("max_timer_age", s.cfg.MaxTimerAge).
		Dur("sweep_interval", s.cfg.SweepInterval).
		Msg("idle timer sweeper started")

	ticker := s.clock.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("idle timer sweeper shutting down")
			return nil
		case <-ticker.Chan():
			s.Sweep()
		}
	}
}

// Sweep expires timers once and returns how many were removed.
func (s *Sweeper) Sweep() int {
	n := s.broadcaster.ExpireBefore(s.clock.Now().Add(-s.cfg.MaxTimerAge))
	if n > 0 {
		log.Info().Int("expired", n).Msg("idle timers expired")
	}
	return n
}
