package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/punchclock/go/internal/presence/protocol"
)

func TestSweepExpiresIdleTimers(t *testing.T) {
	h := newHarness(t, NewMemoryRelay())
	c := h.connect(t, "grace", grace, 0)
	h.store.Upsert(1, record(7, t0.Add(-17*time.Hour)))
	h.store.Upsert(1, record(8, t0.Add(-time.Hour)))

	s := NewSweeper(h.broadcaster, h.clock, DefaultSweepConfig())
	assert.Equal(t, 1, s.Sweep())

	snap := h.store.Snapshot(1, nil)
	require.Len(t, snap, 1)
	assert.Equal(t, int64(8), snap[0].UserID)

	msgs := received(t, c)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.TypeTimerStopped, msgs[0].Type)
	assert.Equal(t, int64(7), msgs[0].UserID)

	assert.Equal(t, 0, s.Sweep())
}

func TestSweeperRunsOnInterval(t *testing.T) {
	h := newHarness(t, NewMemoryRelay())
	h.store.Upsert(1, record(7, t0.Add(-16*time.Hour).Add(7*time.Minute)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	s := NewSweeper(h.broadcaster, h.clock, DefaultSweepConfig())
	go func() { done <- s.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	require.NoError(t, h.clock.BlockUntilContext(waitCtx, 1))

	// Not old enough yet at the first tick.
	h.clock.Advance(DefaultSweepConfig().SweepInterval)
	require.Never(t, func() bool {
		_, ok := h.store.Get(1, 7)
		return !ok
	}, 100*time.Millisecond, 10*time.Millisecond)

	h.clock.Advance(DefaultSweepConfig().SweepInterval)
	require.Eventually(t, func() bool {
		_, ok := h.store.Get(1, 7)
		return !ok
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
