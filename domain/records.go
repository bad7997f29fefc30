// Package domain defines the record types kept by replicache and the cache
// instance serving each of them.
package domain

import (
	"fmt"
	"slices"
	"time"

	"github.com/wolfeidau/replicache"
)

// Record types, used as the second part of every record path.
const (
	TypeWork     = "work"
	TypeWorktime = "worktime"
	TypeTimeOff  = "timeoff"
	TypeSession  = "session"
	TypeUser     = "user"
	TypePresence = "presence"
	TypeNotes    = "notes"
)

// RecordTypes lists every record type in registration order.
var RecordTypes = []string{TypeWork, TypeWorktime, TypeTimeOff, TypeSession, TypeUser, TypePresence, TypeNotes}

// WorkEntry is one line of a monthly work register.
type WorkEntry struct {
	ID          string  `json:"id"`
	Date        string  `json:"date"`
	Project     string  `json:"project,omitempty"`
	Start       string  `json:"start,omitempty"`
	End         string  `json:"end,omitempty"`
	Hours       float64 `json:"hours"`
	Description string  `json:"description,omitempty"`
}

// WorktimeDay is the planned and worked time of one day in a yearly table.
type WorktimeDay struct {
	Date    string  `json:"date"`
	Planned float64 `json:"planned"`
	Worked  float64 `json:"worked"`
	Note    string  `json:"note,omitempty"`
}

// TimeOff is one absence in a yearly time-off tracker.
type TimeOff struct {
	ID       string  `json:"id"`
	Kind     string  `json:"kind"`
	From     string  `json:"from"`
	To       string  `json:"to"`
	Days     float64 `json:"days"`
	Approved bool    `json:"approved,omitempty"`
}

// SessionState is the clock-in state of an owner.
type SessionState struct {
	ClockedIn    bool      `json:"clocked_in"`
	Since        time.Time `json:"since,omitzero"`
	Project      string    `json:"project,omitempty"`
	LastActivity time.Time `json:"last_activity,omitzero"`
}

// UserRecord is the profile of an owner.
type UserRecord struct {
	Name        string   `json:"name"`
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	WeeklyHours float64  `json:"weekly_hours,omitempty"`
}

// Presence is the status flag an owner shows to peers.
type Presence struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// Note is a free text note an owner keeps about a subject.
type Note struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

func workEntryID(e WorkEntry) string     { return e.ID }
func worktimeDayID(d WorktimeDay) string { return d.Date }
func timeOffID(t TimeOff) string         { return t.ID }
func noteID(n Note) string               { return n.ID }

func cloneUser(u UserRecord) UserRecord {
	u.Roles = slices.Clone(u.Roles)
	return u
}

func cloneList[E any](list []E) []E {
	if list == nil {
		return []E{}
	}
	return slices.Clone(list)
}

func copyValue[R any](r R) R { return r }

// WorkKey returns the work register key of owner for the month of t.
func WorkKey(owner string, t time.Time) replicache.Key {
	return replicache.Key{Owner: owner, RecordType: TypeWork, Period: t.Format("2006-01")}
}

// WorktimeKey returns the worktime table key of owner for year.
func WorktimeKey(owner string, year int) replicache.Key {
	return replicache.Key{Owner: owner, RecordType: TypeWorktime, Period: fmt.Sprintf("%04d", year)}
}

// TimeOffKey returns the time-off tracker key of owner for year.
func TimeOffKey(owner string, year int) replicache.Key {
	return replicache.Key{Owner: owner, RecordType: TypeTimeOff, Period: fmt.Sprintf("%04d", year)}
}

// SessionKey returns the session state key of owner.
func SessionKey(owner string) replicache.Key {
	return replicache.Key{Owner: owner, RecordType: TypeSession}
}

// UserKey returns the user record key of owner.
func UserKey(owner string) replicache.Key {
	return replicache.Key{Owner: owner, RecordType: TypeUser}
}

// PresenceKey returns the presence key of owner.
func PresenceKey(owner string) replicache.Key {
	return replicache.Key{Owner: owner, RecordType: TypePresence}
}

// NotesKey returns the key of the notes owner keeps about subject.
func NotesKey(owner, subject string) replicache.Key {
	return replicache.Key{Owner: owner, RecordType: TypeNotes, Subject: subject}
}
