package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mcdev12/punchclock/go/internal/presence"
)

// ErrMalformed is wrapped by every decoding failure. Callers log and drop.
var ErrMalformed = errors.New("malformed message")

// envelope is the outer object. Payload fields live either at the top level
// (flat layout) or under "data" / "payload" (nested layout).
type envelope struct {
	Type      Type            `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
}

type queryBody struct {
	TeamID *int64 `json:"team_id,omitempty"`
}

type stoppedBody struct {
	UserID int64 `json:"user_id"`
}

type timersBody struct {
	Timers []presence.ActiveTimerRecord `json:"timers"`
}

type usersBody struct {
	Users []int64 `json:"users"`
}

// Decode parses one wire message in either the flat or the nested layout and
// returns its canonical form.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if !env.Type.Known() {
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
	}

	msg := Message{Type: env.Type}
	if env.Timestamp != nil {
		msg.Timestamp = *env.Timestamp
	}

	body := data
	switch {
	case composite(env.Data):
		body = env.Data
	case composite(env.Payload):
		body = env.Payload
	}
	body = bytes.TrimSpace(body)

	var err error
	switch msg.Type {
	case TypePing, TypePong:

	case TypeGetActiveTimers, TypeGetOnlineUsers:
		var q queryBody
		if bytes.HasPrefix(body, []byte("{")) {
			err = json.Unmarshal(body, &q)
		}
		msg.TeamID = q.TeamID

	case TypeTimerStart, TypeTimerStarted:
		var r presence.ActiveTimerRecord
		if err = json.Unmarshal(body, &r); err == nil {
			if msg.Type == TypeTimerStarted && (r.UserID <= 0 || r.StartTime.IsZero()) {
				err = errors.New("timer_started needs user_id and start_time")
			}
			msg.Timer = &r
		}

	case TypeTimerStop:
		var s StopDetails
		if err = json.Unmarshal(body, &s); err == nil {
			msg.Stop = &s
		}

	case TypeTimerStopped:
		var s stoppedBody
		if err = json.Unmarshal(body, &s); err == nil && s.UserID <= 0 {
			err = errors.New("timer_stopped needs user_id")
		}
		msg.UserID = s.UserID

	case TypeActiveTimers:
		if bytes.HasPrefix(body, []byte("[")) {
			err = json.Unmarshal(body, &msg.Timers)
		} else {
			var t timersBody
			err = json.Unmarshal(body, &t)
			msg.Timers = t.Timers
		}
		if msg.Timers == nil {
			msg.Timers = []presence.ActiveTimerRecord{}
		}

	case TypeOnlineUsers:
		if bytes.HasPrefix(body, []byte("[")) {
			err = json.Unmarshal(body, &msg.Users)
		} else {
			var u usersBody
			err = json.Unmarshal(body, &u)
			msg.Users = u.Users
		}
		if msg.Users == nil {
			msg.Users = []int64{}
		}
	}
	if err != nil {
		return Message{}, fmt.Errorf("%w: %s: %v", ErrMalformed, msg.Type, err)
	}
	return msg, nil
}

// Encode writes msg in the nested layout.
func Encode(msg Message) ([]byte, error) {
	env := struct {
		Type      Type       `json:"type"`
		Data      any        `json:"data,omitempty"`
		Timestamp *time.Time `json:"timestamp,omitempty"`
	}{Type: msg.Type}
	if !msg.Timestamp.IsZero() {
		ts := msg.Timestamp.UTC()
		env.Timestamp = &ts
	}

	switch msg.Type {
	case TypeGetActiveTimers, TypeGetOnlineUsers:
		if msg.TeamID != nil {
			env.Data = queryBody{TeamID: msg.TeamID}
		}
	case TypeTimerStart, TypeTimerStarted:
		if msg.Timer == nil {
			return nil, fmt.Errorf("encode %s: missing timer", msg.Type)
		}
		env.Data = msg.Timer
	case TypeTimerStop:
		if msg.Stop != nil {
			env.Data = msg.Stop
		}
	case TypeTimerStopped:
		env.Data = stoppedBody{UserID: msg.UserID}
	case TypeActiveTimers:
		timers := msg.Timers
		if timers == nil {
			timers = []presence.ActiveTimerRecord{}
		}
		env.Data = timersBody{Timers: timers}
	case TypeOnlineUsers:
		users := msg.Users
		if users == nil {
			users = []int64{}
		}
		env.Data = usersBody{Users: users}
	case TypePing, TypePong:
	default:
		return nil, fmt.Errorf("encode: unknown type %q", msg.Type)
	}

	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	return b, nil
}

// composite reports whether raw holds a JSON object or array.
func composite(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && (raw[0] == '{' || raw[0] == '[')
}
