package protocol

import (
	"time"

	"github.com/mcdev12/punchclock/go/internal/presence"
)

// Type discriminates wire messages.
type Type string

const (
	TypeGetActiveTimers Type = "get_active_timers"
	TypeGetOnlineUsers  Type = "get_online_users"
	TypeActiveTimers    Type = "active_timers"
	TypeOnlineUsers     Type = "online_users"
	TypeTimerStart      Type = "timer_start"
	TypeTimerStarted    Type = "timer_started"
	TypeTimerStop       Type = "timer_stop"
	TypeTimerStopped    Type = "timer_stopped"
	TypePing            Type = "ping"
	TypePong            Type = "pong"
)

// Known reports whether t is part of the protocol.
func (t Type) Known() bool {
	switch t {
	case TypeGetActiveTimers, TypeGetOnlineUsers, TypeActiveTimers, TypeOnlineUsers,
		TypeTimerStart, TypeTimerStarted, TypeTimerStop, TypeTimerStopped,
		TypePing, TypePong:
		return true
	}
	return false
}

// Message is the canonical, layout-independent form of every wire message.
// Which fields are set depends on Type.
type Message struct {
	Type      Type
	Timestamp time.Time

	// get_active_timers / get_online_users
	TeamID *int64

	// timer_start (partial, owner fields filled by the server) and timer_started
	Timer *presence.ActiveTimerRecord

	// active_timers; never nil after decoding
	Timers []presence.ActiveTimerRecord

	// online_users; never nil after decoding
	Users []int64

	// timer_stopped
	UserID int64

	// timer_stop
	Stop *StopDetails
}

// StopDetails carries the optional fields a client attaches to timer_stop.
// The gateway only logs them; the time entry itself is written elsewhere.
type StopDetails struct {
	DurationSec *int64     `json:"duration_sec,omitempty"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	Summary     string     `json:"summary,omitempty"`
}

// GetActiveTimers asks for a timer snapshot, optionally narrowed to a team.
func GetActiveTimers(teamID *int64) Message {
	return Message{Type: TypeGetActiveTimers, TeamID: teamID}
}

// GetOnlineUsers asks for the online user list.
func GetOnlineUsers(teamID *int64) Message {
	return Message{Type: TypeGetOnlineUsers, TeamID: teamID}
}

// ActiveTimers answers GetActiveTimers. A nil list encodes as [].
func ActiveTimers(timers []presence.ActiveTimerRecord) Message {
	if timers == nil {
		timers = []presence.ActiveTimerRecord{}
	}
	return Message{Type: TypeActiveTimers, Timers: timers}
}

// OnlineUsers answers GetOnlineUsers. A nil list encodes as [].
func OnlineUsers(users []int64) Message {
	if users == nil {
		users = []int64{}
	}
	return Message{Type: TypeOnlineUsers, Users: users}
}

// TimerStart is sent by a client that just started its own timer.
func TimerStart(fields presence.ActiveTimerRecord) Message {
	return Message{Type: TypeTimerStart, Timer: &fields}
}

// TimerStarted is broadcast when a timer starts or restarts.
func TimerStarted(record presence.ActiveTimerRecord) Message {
	return Message{Type: TypeTimerStarted, Timer: &record}
}

// TimerStop is sent by a client that just stopped its own timer.
func TimerStop(details *StopDetails) Message {
	return Message{Type: TypeTimerStop, Stop: details}
}

// TimerStopped is broadcast when a user's timer stops.
func TimerStopped(userID int64) Message {
	return Message{Type: TypeTimerStopped, UserID: userID}
}

// Ping and Pong are the application-level keepalive.
func Ping() Message { return Message{Type: TypePing} }

func Pong() Message { return Message{Type: TypePong} }
