package client

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/punchclock/go/internal/presence"
	"github.com/mcdev12/punchclock/go/internal/presence/protocol"
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func timer(userID int64, start time.Time, description string) presence.ActiveTimerRecord {
	return presence.ActiveTimerRecord{
		UserID:      userID,
		UserName:    "user",
		TenantID:    1,
		Description: description,
		StartTime:   start,
	}
}

func users(timers []presence.ActiveTimerRecord) []int64 {
	out := make([]int64, len(timers))
	for i, t := range timers {
		out[i] = t.UserID
	}
	return out
}

func TestReconcilerStartRestartStop(t *testing.T) {
	r := NewReconciler()

	require.True(t, r.Apply(protocol.TimerStarted(timer(7, t0, "first"))))
	require.Len(t, r.Timers(), 1)

	// A restart replaces the old timer rather than adding a second one.
	require.True(t, r.Apply(protocol.TimerStarted(timer(7, t0.Add(time.Hour), "second"))))
	got := r.Timers()
	require.Len(t, got, 1)
	assert.Equal(t, "second", got[0].Description)
	assert.Equal(t, t0.Add(time.Hour), got[0].StartTime)

	assert.True(t, r.Apply(protocol.TimerStopped(7)))
	assert.Empty(t, r.Timers())
	assert.False(t, r.Apply(protocol.TimerStopped(7)))
	assert.Empty(t, r.Timers())
}

func TestReconcilerResyncReplacesEverything(t *testing.T) {
	r := NewReconciler()
	r.Apply(protocol.TimerStarted(timer(7, t0, "")))
	r.Apply(protocol.TimerStarted(timer(8, t0, "")))

	r.Apply(protocol.ActiveTimers([]presence.ActiveTimerRecord{
		timer(9, t0, ""),
		timer(9, t0.Add(time.Minute), "dup"),
	}))
	got := r.Timers()
	require.Len(t, got, 1)
	assert.Equal(t, int64(9), got[0].UserID)
	assert.Equal(t, "dup", got[0].Description)

	r.Apply(protocol.ActiveTimers(nil))
	assert.NotNil(t, r.Timers())
	assert.Empty(t, r.Timers())
}

func TestReconcilerOneTimerPerUser(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	r := NewReconciler()

	for i := range 1000 {
		user := int64(rng.IntN(6))
		switch rng.IntN(4) {
		case 0:
			r.Apply(protocol.TimerStopped(user))
		case 1:
			r.Apply(protocol.ActiveTimers([]presence.ActiveTimerRecord{timer(user, t0, "")}))
		default:
			r.Apply(protocol.TimerStarted(timer(user, t0.Add(time.Duration(i)*time.Second), "")))
		}

		seen := map[int64]bool{}
		for _, id := range users(r.Timers()) {
			require.False(t, seen[id], "user %d listed twice after step %d", id, i)
			seen[id] = true
		}
	}
}

func TestReconcilerOnlineUsersAndSubscribe(t *testing.T) {
	r := NewReconciler()
	var calls int
	cancel := r.Subscribe(func(timers []presence.ActiveTimerRecord) { calls++ })

	assert.False(t, r.Apply(protocol.OnlineUsers([]int64{7, 8})))
	assert.Equal(t, []int64{7, 8}, r.OnlineUsers())
	assert.Equal(t, 0, calls)

	r.Apply(protocol.TimerStarted(timer(7, t0, "")))
	r.Apply(protocol.TimerStopped(99))
	assert.Equal(t, 1, calls)

	assert.False(t, r.Apply(protocol.Pong()))

	cancel()
	r.Apply(protocol.TimerStopped(7))
	assert.Equal(t, 1, calls)
}

func TestReconcilerTimersAreCopies(t *testing.T) {
	r := NewReconciler()
	rec := timer(7, t0, "")
	rec.TeamIDs = []int64{2}
	r.Apply(protocol.TimerStarted(rec))

	got := r.Timers()
	got[0].TeamIDs[0] = 99
	got[0].Description = "changed"
	assert.Equal(t, []int64{2}, r.Timers()[0].TeamIDs)
	assert.Empty(t, r.Timers()[0].Description)
}

func TestReplaceIfSkipsWhenConditionFails(t *testing.T) {
	r := NewReconciler()
	r.Apply(protocol.TimerStarted(timer(7, t0, "live")))

	applied := r.ReplaceIf(func() bool { return false }, nil)
	assert.False(t, applied)
	assert.Len(t, r.Timers(), 1)
}
