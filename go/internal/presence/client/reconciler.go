package client

import (
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/punchclock/go/internal/presence"
	"github.com/mcdev12/punchclock/go/internal/presence/protocol"
)

// Reconciler holds the client's local view of active timers and online users.
// It enforces one timer per user no matter what order or how many times
// events arrive.
type Reconciler struct {
	mu     sync.RWMutex
	timers []presence.ActiveTimerRecord
	users  []int64

	subMu  sync.Mutex
	nextID int
	subs   map[int]func([]presence.ActiveTimerRecord)
}

// NewReconciler creates an empty view.
func NewReconciler() *Reconciler {
	return &Reconciler{
		timers: []presence.ActiveTimerRecord{},
		users:  []int64{},
		subs:   make(map[int]func([]presence.ActiveTimerRecord)),
	}
}

// Apply merges one server message into the local view and reports whether
// the timer list changed.
func (r *Reconciler) Apply(msg protocol.Message) bool {
	switch msg.Type {
	case protocol.TypeActiveTimers:
		r.ReplaceAll(msg.Timers)
		return true

	case protocol.TypeTimerStarted:
		if msg.Timer == nil {
			return false
		}
		r.mu.Lock()
		r.timers = slices.DeleteFunc(r.timers, func(t presence.ActiveTimerRecord) bool {
			return t.UserID == msg.Timer.UserID
		})
		r.timers = append(r.timers, msg.Timer.Clone())
		r.mu.Unlock()
		r.publish()
		return true

	case protocol.TypeTimerStopped:
		r.mu.Lock()
		before := len(r.timers)
		r.timers = slices.DeleteFunc(r.timers, func(t presence.ActiveTimerRecord) bool {
			return t.UserID == msg.UserID
		})
		changed := len(r.timers) != before
		r.mu.Unlock()
		if changed {
			r.publish()
		}
		return changed

	case protocol.TypeOnlineUsers:
		r.ReplaceUsersIf(func() bool { return true }, msg.Users)
		return false
	}

	log.Debug().Str("event_type", string(msg.Type)).Msg("reconciler ignoring message")
	return false
}

// ReplaceAll replaces the timer list wholesale.
func (r *Reconciler) ReplaceAll(timers []presence.ActiveTimerRecord) {
	r.ReplaceIf(func() bool { return true }, timers)
}

// ReplaceIf replaces the timer list only if cond holds. cond is evaluated
// under the same lock that serializes every update, so a check like "not
// connected" can't go stale before the write lands.
func (r *Reconciler) ReplaceIf(cond func() bool, timers []presence.ActiveTimerRecord) bool {
	next := make([]presence.ActiveTimerRecord, 0, len(timers))
	for _, t := range timers {
		next = slices.DeleteFunc(next, func(existing presence.ActiveTimerRecord) bool {
			return existing.UserID == t.UserID
		})
		next = append(next, t.Clone())
	}

	r.mu.Lock()
	if !cond() {
		r.mu.Unlock()
		return false
	}
	r.timers = next
	r.mu.Unlock()

	r.publish()
	return true
}

// ReplaceUsersIf replaces the online user list only if cond holds, under the
// same lock as ReplaceIf.
func (r *Reconciler) ReplaceUsersIf(cond func() bool, users []int64) bool {
	next := slices.Clone(users)
	if next == nil {
		next = []int64{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !cond() {
		return false
	}
	r.users = next
	return true
}

// Timers returns a copy of the current list.
func (r *Reconciler) Timers() []presence.ActiveTimerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]presence.ActiveTimerRecord, len(r.timers))
	for i, t := range r.timers {
		out[i] = t.Clone()
	}
	return out
}

// OnlineUsers returns a copy of the last known online user list.
func (r *Reconciler) OnlineUsers() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.users)
}

// Subscribe registers fn to be called with the new list after every change.
func (r *Reconciler) Subscribe(fn func([]presence.ActiveTimerRecord)) (cancel func()) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		delete(r.subs, id)
	}
}

func (r *Reconciler) publish() {
	r.subMu.Lock()
	subs := make([]func([]presence.ActiveTimerRecord), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.subMu.Unlock()

	if len(subs) == 0 {
		return
	}
	timers := r.Timers()
	for _, fn := range subs {
		fn(timers)
	}
}
