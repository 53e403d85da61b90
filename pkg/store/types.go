package store

import (
	"errors"
	"fmt"
	"time"
)

// MessageRecord is the wire form of a message row in the remote store.
type MessageRecord struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	SenderID       string    `json:"sender_id"`
	OriginalText   string    `json:"original_text"`
	TranslatedText *string   `json:"translated_text,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	SequenceNumber int64     `json:"sequence_number"`
	IsDelivered    bool      `json:"is_delivered"`
}

// ParticipantRecord is the wire form of a participant row.
type ParticipantRecord struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	IsOnline  bool      `json:"is_online"`
	LastSeen  time.Time `json:"last_seen"`
}

// SessionRecord is the wire form of a session row. Sessions are
// provisioned elsewhere; this client only reads them.
type SessionRecord struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Active    bool      `json:"active"`
}

// ErrSessionNotFound marks a pairing-code lookup that matched no
// session.
var ErrSessionNotFound = errors.New("store: session not found")

// ErrDuplicateMessage marks an insert that conflicted with an existing
// row. The message was already delivered by an earlier attempt; callers
// treat this as success.
var ErrDuplicateMessage = errors.New("store: message already exists")

// ConstraintError marks a write the store will never accept (the
// session or user row is gone). Not retryable.
type ConstraintError struct {
	Status int
	Detail string
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("store: constraint violation (status %d): %s", e.Status, e.Detail)
}

// TransientError marks a failure worth retrying: transport errors,
// gateway timeouts, server-side 5xx responses.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("store: transient failure: %v", e.Err)
	}
	return fmt.Sprintf("store: transient failure (status %d)", e.Status)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsDuplicate reports whether err is a duplicate-key conflict.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateMessage)
}

// IsConstraint reports whether err is a permanent constraint violation.
func IsConstraint(err error) bool {
	var ce *ConstraintError
	return errors.As(err, &ce)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
