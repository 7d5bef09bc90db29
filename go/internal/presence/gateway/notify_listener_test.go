package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/punchclock/go/internal/presence/protocol"
)

type recordingIngester struct {
	events []Event
}

func (r *recordingIngester) Ingest(ev Event) {
	r.events = append(r.events, ev)
}

func TestParseTimerNotification(t *testing.T) {
	ev, err := parseTimerNotification(`{"action":"start","tenant_id":1,"user_id":7,"user_name":"Ada","project_id":3,"start_time":"2026-03-02T09:00:00Z","team_ids":[2]}`)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeTimerStarted, ev.Type)
	assert.Equal(t, int64(1), ev.TenantID)
	require.NotNil(t, ev.Timer)
	assert.Equal(t, "Ada", ev.Timer.UserName)
	assert.True(t, ev.Timer.StartTime.Equal(t0))
	assert.Equal(t, []int64{2}, ev.Timer.TeamIDs)

	ev, err = parseTimerNotification(`{"action":"stop","tenant_id":1,"user_id":7}`)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeTimerStopped, ev.Type)
	assert.Equal(t, int64(7), ev.UserID)
	assert.Nil(t, ev.Timer)

	for name, payload := range map[string]string{
		"not json":       `nope`,
		"no tenant":      `{"action":"stop","user_id":7}`,
		"no start time":  `{"action":"start","tenant_id":1,"user_id":7}`,
		"unknown action": `{"action":"pause","tenant_id":1,"user_id":7}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := parseTimerNotification(payload)
			assert.Error(t, err)
		})
	}
}

func TestHandleNotification(t *testing.T) {
	ingester := &recordingIngester{}
	l := &NotifyListener{ingester: ingester, cfg: DefaultNotifyListenerConfig()}

	require.NoError(t, l.handleNotification(`{"action":"stop","tenant_id":1,"user_id":7}`))
	require.Error(t, l.handleNotification(`{}`))

	require.Len(t, ingester.events, 1)
	assert.Equal(t, int64(7), ingester.events[0].UserID)
}
