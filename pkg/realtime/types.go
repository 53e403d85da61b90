package realtime

import (
	"encoding/json"
	"time"
)

// frame is the wire envelope for every message exchanged with the
// realtime gateway.
type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

const (
	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventPresence  = "presence"

	// EventPostgresChanges carries change-feed rows.
	EventPostgresChanges = "postgres_changes"
	// EventPresenceState is the full membership sync for a channel.
	EventPresenceState = "presence_state"
	// EventPresenceDiff carries incremental joins and leaves.
	EventPresenceDiff = "presence_diff"
	// EventBroadcast carries ad-hoc application payloads.
	EventBroadcast = "broadcast"

	controlTopic = "phoenix"

	replyStatusOK = "ok"
)

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// ChangeAction is the row-level operation reported by the change feed.
type ChangeAction string

const (
	ChangeInsert ChangeAction = "INSERT"
	ChangeUpdate ChangeAction = "UPDATE"
	ChangeDelete ChangeAction = "DELETE"
)

// ChangeEvent is one row-level notification from the persistent store.
type ChangeEvent struct {
	Action ChangeAction    `json:"eventType"`
	Schema string          `json:"schema"`
	Table  string          `json:"table"`
	Record json.RawMessage `json:"new"`
	Old    json.RawMessage `json:"old,omitempty"`
}

type changePayload struct {
	Data ChangeEvent `json:"data"`
}

// PostgresChangeFilter selects which change-feed rows the gateway
// forwards on a channel.
type PostgresChangeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// PresenceMeta is the per-member payload tracked on a presence channel.
type PresenceMeta struct {
	UserID   string    `json:"userId"`
	OnlineAt time.Time `json:"onlineAt"`
	PhxRef   string    `json:"phx_ref,omitempty"`
}

type presenceEntry struct {
	Metas []PresenceMeta `json:"metas"`
}

type presenceDiffPayload struct {
	Joins  map[string]presenceEntry `json:"joins"`
	Leaves map[string]presenceEntry `json:"leaves"`
}

type broadcastEnvelope struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type presenceTrackEnvelope struct {
	Type    string       `json:"type"`
	Event   string       `json:"event"`
	Payload PresenceMeta `json:"payload"`
}

type joinPayload struct {
	Config joinConfig `json:"config"`
}

type joinConfig struct {
	PostgresChanges []PostgresChangeFilter `json:"postgres_changes,omitempty"`
	Presence        presenceConfig         `json:"presence"`
	Broadcast       broadcastConfig        `json:"broadcast"`
}

type presenceConfig struct {
	Key string `json:"key"`
}

type broadcastConfig struct {
	Self bool `json:"self"`
	Ack  bool `json:"ack"`
}

// ChannelConfig describes one channel subscription: which change-feed
// rows to receive, whether to join presence, and the handlers invoked
// from the read pump. Handlers must not block.
type ChannelConfig struct {
	Topic           string
	PresenceKey     string
	PostgresChanges []PostgresChangeFilter
	OnChange        func(ChangeEvent)
	OnPresence      func()
	OnBroadcast     map[string]func(json.RawMessage)
}
