// Package store owns the client's Session record. It is the only place the
// record is mutated, and every mutation is written through to a Persister so
// a restarted process can resume where it left off.
package store

import (
	"time"
)

// Session is the durable record of identity and last-known game position.
type Session struct {
	SessionID          string    `json:"session_id"`
	UserID             string    `json:"user_id,omitempty"`
	LastActiveTableID  string    `json:"last_active_table_id,omitempty"`
	LastActivePage     string    `json:"last_active_page,omitempty"`
	LastPosition       *int      `json:"last_position,omitempty"`
	ReconnectAttempts  int       `json:"reconnect_attempts"`
	LastConnectionTime time.Time `json:"last_connection_time,omitempty"`
	LastDisconnectTime time.Time `json:"last_disconnect_time,omitempty"`
	IsReconnecting     bool      `json:"is_reconnecting"`
}

// Clone returns a deep copy of the session.
func (s Session) Clone() Session {
	if s.LastPosition != nil {
		pos := *s.LastPosition
		s.LastPosition = &pos
	}
	return s
}

// HasTable reports whether a table was active when the session was last updated.
func (s Session) HasTable() bool {
	return s.LastActiveTableID != ""
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	LastActiveTableID  *string
	LastActivePage     *string
	LastPosition       *int
	ClearPosition      bool
	ReconnectAttempts  *int
	LastConnectionTime *time.Time
	LastDisconnectTime *time.Time
	IsReconnecting     *bool
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.LastActiveTableID == nil &&
		p.LastActivePage == nil &&
		p.LastPosition == nil &&
		!p.ClearPosition &&
		p.ReconnectAttempts == nil &&
		p.LastConnectionTime == nil &&
		p.LastDisconnectTime == nil &&
		p.IsReconnecting == nil
}

func (p Patch) apply(s *Session) {
	if p.LastActiveTableID != nil {
		s.LastActiveTableID = *p.LastActiveTableID
	}
	if p.LastActivePage != nil {
		s.LastActivePage = *p.LastActivePage
	}
	if p.ClearPosition {
		s.LastPosition = nil
	}
	if p.LastPosition != nil {
		pos := *p.LastPosition
		s.LastPosition = &pos
	}
	if p.ReconnectAttempts != nil {
		s.ReconnectAttempts = *p.ReconnectAttempts
	}
	if p.LastConnectionTime != nil {
		s.LastConnectionTime = *p.LastConnectionTime
	}
	if p.LastDisconnectTime != nil {
		s.LastDisconnectTime = *p.LastDisconnectTime
	}
	if p.IsReconnecting != nil {
		s.IsReconnecting = *p.IsReconnecting
	}
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T {
	return &v
}
