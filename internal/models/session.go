package models

import (
	"time"
)

// Session is owned by the session-provisioning service; the sync core
// only reads it.
type Session struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Active    bool      `json:"active"`
}

// Participant is one side of a session. At most two rows exist per
// session; join retries update the existing row rather than inserting
// a duplicate.
type Participant struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	IsOnline  bool      `json:"is_online"`
	LastSeen  time.Time `json:"last_seen"`
}
