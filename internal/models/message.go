package models

import (
	"time"
)

type QueueStatus string

const (
	QueueStatusPending QueueStatus = "pending"
	QueueStatusSending QueueStatus = "sending"
	QueueStatusSent    QueueStatus = "sent"
	QueueStatusFailed  QueueStatus = "failed"
)

// Message is one utterance in a session. The ID is generated by the
// sender; a persisted row with the same ID confirms delivery.
type Message struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	SenderID       string    `json:"sender_id"`
	OriginalText   string    `json:"original_text"`
	TranslatedText *string   `json:"translated_text,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	SequenceNumber int64     `json:"sequence_number"`
	IsDelivered    bool      `json:"is_delivered"`
}

// QueueEntry wraps one not-yet-confirmed outgoing message. Owned
// exclusively by the outbox; removed on confirmed delivery or
// permanent failure.
type QueueEntry struct {
	TempID      string
	Message     Message
	Status      QueueStatus
	RetryCount  int
	LastAttempt time.Time
}
