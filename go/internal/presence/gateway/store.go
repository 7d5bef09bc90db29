package gateway

import (
	"sync"
	"time"

	"github.com/mcdev12/punchclock/go/internal/presence"
)

// Store holds the active timers of every tenant, at most one per user.
type Store struct {
	mu      sync.RWMutex
	tenants map[int64]*tenantTimers
}

type tenantTimers struct {
	mu     sync.RWMutex
	byUser map[int64]presence.ActiveTimerRecord
}

// NewStore creates an empty timer store.
func NewStore() *Store {
	return &Store{tenants: make(map[int64]*tenantTimers)}
}

func (s *Store) tenant(tenantID int64, create bool) *tenantTimers {
	s.mu.RLock()
	t, ok := s.tenants[tenantID]
	s.mu.RUnlock()
	if ok || !create {
		return t
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok = s.tenants[tenantID]; !ok {
		t = &tenantTimers{byUser: make(map[int64]presence.ActiveTimerRecord)}
		s.tenants[tenantID] = t
	}
	return t
}

// Upsert replaces the user's timer and returns the one it replaced, if any.
func (s *Store) Upsert(tenantID int64, record presence.ActiveTimerRecord) *presence.ActiveTimerRecord {
	record = record.Clone()
	record.TenantID = tenantID

	t := s.tenant(tenantID, true)
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, existed := t.byUser[record.UserID]
	t.byUser[record.UserID] = record
	if !existed {
		return nil
	}
	return &prev
}

// Remove deletes the user's timer. Removing a timer that isn't there is not
// an error; the returned record is nil in that case.
func (s *Store) Remove(tenantID, userID int64) *presence.ActiveTimerRecord {
	t := s.tenant(tenantID, false)
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, ok := t.byUser[userID]
	if !ok {
		return nil
	}
	delete(t.byUser, userID)
	return &prev
}

func (s *Store) Get(tenantID, userID int64) (presence.ActiveTimerRecord, bool) {
	t := s.tenant(tenantID, false)
	if t == nil {
		return presence.ActiveTimerRecord{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	r, ok := t.byUser[userID]
	if !ok {
		return presence.ActiveTimerRecord{}, false
	}
	return r.Clone(), true
}

// Snapshot returns copies of the tenant's timers ordered by start time. With a
// team filter only timers visible to that team are included. Never nil.
func (s *Store) Snapshot(tenantID int64, teamFilter *int64) []presence.ActiveTimerRecord {
	out := []presence.ActiveTimerRecord{}
	t := s.tenant(tenantID, false)
	if t == nil {
		return out
	}

	t.mu.RLock()
	for _, r := range t.byUser {
		if !r.VisibleTo(teamFilter) {
			continue
		}
		out = append(out, r.Clone())
	}
	t.mu.RUnlock()

	presence.SortByStart(out)
	return out
}

// Expire removes every timer that started before cutoff and returns them
// grouped by tenant.
func (s *Store) Expire(cutoff time.Time) map[int64][]presence.ActiveTimerRecord {
	s.mu.RLock()
	tenants := make(map[int64]*tenantTimers, len(s.tenants))
	for id, t := range s.tenants {
		tenants[id] = t
	}
	s.mu.RUnlock()

	expired := make(map[int64][]presence.ActiveTimerRecord)
	for tenantID, t := range tenants {
		t.mu.Lock()
		for userID, r := range t.byUser {
			if r.StartTime.Before(cutoff) {
				expired[tenantID] = append(expired[tenantID], r)
				delete(t.byUser, userID)
			}
		}
		t.mu.Unlock()
	}
	return expired
}

// Counts returns the number of active timers per tenant.
func (s *Store) Counts() map[int64]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[int64]int, len(s.tenants))
	for id, t := range s.tenants {
		t.mu.RLock()
		if n := len(t.byUser); n > 0 {
			counts[id] = n
		}
		t.mu.RUnlock()
	}
	return counts
}
