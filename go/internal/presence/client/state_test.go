package client

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachineTransitions(t *testing.T) {
	t.Run("dial only from idle states", func(t *testing.T) {
		m := NewMachine(5, true, nil)
		require.True(t, m.Dial())
		assert.Equal(t, Connecting, m.State())
		assert.False(t, m.Dial())

		m.Opened()
		assert.Equal(t, Connected, m.State())
		assert.False(t, m.Dial())
	})

	t.Run("failed dials reconnect then give up", func(t *testing.T) {
		m := NewMachine(5, true, nil)
		for i := 1; i < 5; i++ {
			require.True(t, m.Dial())
			assert.Equal(t, Reconnecting, m.DialFailed())
			assert.Equal(t, i, m.Attempts())
		}
		require.True(t, m.Dial())
		assert.Equal(t, GaveUp, m.DialFailed())
		assert.False(t, m.Dial())
	})

	t.Run("open resets attempts", func(t *testing.T) {
		m := NewMachine(5, true, nil)
		m.Dial()
		m.DialFailed()
		m.Dial()
		m.DialFailed()
		require.Equal(t, 2, m.Attempts())

		m.Dial()
		m.Opened()
		assert.Equal(t, 0, m.Attempts())
		assert.Equal(t, Reconnecting, m.Closed())
	})

	t.Run("without auto reconnect", func(t *testing.T) {
		m := NewMachine(5, false, nil)
		m.Dial()
		assert.Equal(t, Disconnected, m.DialFailed())
		m.Dial()
		m.Opened()
		assert.Equal(t, Disconnected, m.Closed())
	})

	t.Run("rejected and reset", func(t *testing.T) {
		m := NewMachine(5, true, nil)
		m.Dial()
		m.Rejected()
		assert.Equal(t, GaveUp, m.State())
		assert.False(t, m.Dial())

		m.Reset()
		assert.Equal(t, Disconnected, m.State())
		assert.Equal(t, 0, m.Attempts())
		assert.True(t, m.Dial())
	})
}

func TestMachineBackOff(t *testing.T) {
	m := NewMachine(5, true, nil)
	var got []time.Duration
	for range 6 {
		d, ok := m.NextDelay()
		require.True(t, ok)
		got = append(got, d)
	}
	assert.Equal(t, []time.Duration{
		3 * time.Second, 6 * time.Second, 12 * time.Second,
		24 * time.Second, 30 * time.Second, 30 * time.Second,
	}, got)

	m.Dial()
	m.Opened()
	d, ok := m.NextDelay()
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, d, "an open restarts the schedule")

	m.NextDelay()
	m.Reset()
	d, _ = m.NextDelay()
	assert.Equal(t, 3*time.Second, d, "reset restarts the schedule")
}

func TestMachineBackOffStop(t *testing.T) {
	m := NewMachine(5, true, &backoff.StopBackOff{})
	m.Dial()
	m.DialFailed()
	require.Equal(t, Reconnecting, m.State())

	_, ok := m.NextDelay()
	assert.False(t, ok)
	assert.Equal(t, GaveUp, m.State())
	assert.False(t, m.Dial())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "gave_up", GaveUp.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "unknown", State(42).String())
}
