package presence

import (
	"slices"
	"time"
)

// ActiveTimerRecord is one user's currently running timer.
//
// StartTime is authoritative. Elapsed time is always derived from it and is
// never stored or sent over the wire.
type ActiveTimerRecord struct {
	UserID      int64     `json:"user_id"`
	UserName    string    `json:"user_name"`
	TenantID    int64     `json:"tenant_id"`
	ProjectID   *int64    `json:"project_id,omitempty"`
	ProjectName string    `json:"project_name,omitempty"`
	TaskID      *int64    `json:"task_id,omitempty"`
	TaskName    string    `json:"task_name,omitempty"`
	Description string    `json:"description,omitempty"`
	StartTime   time.Time `json:"start_time"`
	TeamIDs     []int64   `json:"team_ids,omitempty"`
}

// Elapsed returns how long the timer has been running at now.
func (r ActiveTimerRecord) Elapsed(now time.Time) time.Duration {
	if r.StartTime.IsZero() || now.Before(r.StartTime) {
		return 0
	}
	return now.Sub(r.StartTime)
}

// InTeam reports whether the timer's owner belongs to teamID.
func (r ActiveTimerRecord) InTeam(teamID int64) bool {
	return slices.Contains(r.TeamIDs, teamID)
}

// VisibleTo reports whether the timer belongs in a view filtered to team.
// A nil or zero team means no filter, and a timer whose owner has no teams is
// visible under every filter. Live broadcasts and snapshots both use this, so
// a filtered view is the same whichever source built it.
func (r ActiveTimerRecord) VisibleTo(team *int64) bool {
	if team == nil || *team == 0 || len(r.TeamIDs) == 0 {
		return true
	}
	return r.InTeam(*team)
}

// SameTimer reports whether other describes the same running timer, i.e. the
// same user with the same start time.
func (r ActiveTimerRecord) SameTimer(other ActiveTimerRecord) bool {
	return r.UserID == other.UserID && r.StartTime.Equal(other.StartTime)
}

// Clone returns a deep copy so callers can't mutate shared state.
func (r ActiveTimerRecord) Clone() ActiveTimerRecord {
	out := r
	if r.ProjectID != nil {
		id := *r.ProjectID
		out.ProjectID = &id
	}
	if r.TaskID != nil {
		id := *r.TaskID
		out.TaskID = &id
	}
	if r.TeamIDs != nil {
		out.TeamIDs = slices.Clone(r.TeamIDs)
	}
	return out
}

// Identity is who a credential maps to.
type Identity struct {
	UserID   int64   `json:"user_id"`
	TenantID int64   `json:"tenant_id"`
	UserName string  `json:"user_name"`
	TeamIDs  []int64 `json:"team_ids,omitempty"`
}

// Valid reports whether the identity is usable for a connection.
func (i Identity) Valid() bool {
	return i.UserID > 0 && i.TenantID > 0
}

// InTeam reports whether the user belongs to teamID.
func (i Identity) InTeam(teamID int64) bool {
	return slices.Contains(i.TeamIDs, teamID)
}

// SortByStart orders records by start time, oldest first, then by user id.
func SortByStart(records []ActiveTimerRecord) {
	slices.SortFunc(records, func(a, b ActiveTimerRecord) int {
		if c := a.StartTime.Compare(b.StartTime); c != 0 {
			return c
		}
		switch {
		case a.UserID < b.UserID:
			return -1
		case a.UserID > b.UserID:
			return 1
		}
		return 0
	})
}
