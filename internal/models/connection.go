package models

import (
	"time"
)

// ConnectionState is the supervisor's view of the realtime link.
// Exactly one instance exists per session.
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionReconnecting ConnectionState = "reconnecting"
)

// ActivityState is a transient signal of what a participant is doing.
// It is broadcast over the ephemeral channel and never persisted.
type ActivityState string

const (
	ActivityIdle       ActivityState = "idle"
	ActivityRecording  ActivityState = "recording"
	ActivityProcessing ActivityState = "processing"
	ActivityTyping     ActivityState = "typing"
)

// ActivityEvent is the broadcast payload carried on the ephemeral
// channel. Receivers drop events for other sessions and their own
// echoes.
type ActivityEvent struct {
	UserID    string        `json:"userId"`
	SessionID string        `json:"sessionId"`
	Activity  ActivityState `json:"activity"`
	Timestamp time.Time     `json:"timestamp"`
}

// ValidActivity reports whether s is one of the known activity states.
func ValidActivity(s ActivityState) bool {
	switch s {
	case ActivityIdle, ActivityRecording, ActivityProcessing, ActivityTyping:
		return true
	}
	return false
}
