package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Channel is one joined topic: a change-feed subscription plus the
// ephemeral presence and broadcast surface for a session.
type Channel struct {
	client *Client
	topic  string
	cfg    ChannelConfig

	mu       sync.Mutex
	presence map[string][]PresenceMeta
	left     bool
}

// Topic returns the channel's topic string.
func (ch *Channel) Topic() string {
	return ch.topic
}

// Track announces this client's presence on the channel. The gateway
// fans the meta out to other members via presence_diff.
func (ch *Channel) Track(ctx context.Context, meta PresenceMeta) error {
	env := presenceTrackEnvelope{
		Type:    "presence",
		Event:   "track",
		Payload: meta,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal presence track: %w", err)
	}

	reply, err := ch.client.request(ctx, frame{
		Topic:   ch.topic,
		Event:   eventPresence,
		Payload: data,
	})
	if err != nil {
		return fmt.Errorf("tracking presence on %s: %w", ch.topic, err)
	}
	if reply.Status != replyStatusOK {
		return fmt.Errorf("presence track on %s rejected: %s", ch.topic, string(reply.Response))
	}
	return nil
}

// Broadcast sends an ad-hoc event to every other member of the channel.
func (ch *Channel) Broadcast(ctx context.Context, event string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast payload: %w", err)
	}
	env := broadcastEnvelope{
		Type:    "broadcast",
		Event:   event,
		Payload: body,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast envelope: %w", err)
	}

	return ch.client.send(ctx, frame{
		Topic:   ch.topic,
		Event:   EventBroadcast,
		Payload: data,
		Ref:     ch.client.nextRef(),
	})
}

// PresenceKeys returns the presence keys currently tracked on the
// channel, as of the last presence_state or presence_diff frame.
func (ch *Channel) PresenceKeys() []string {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	keys := make([]string, 0, len(ch.presence))
	for key := range ch.presence {
		keys = append(keys, key)
	}
	return keys
}

// PresenceMetas returns the metas tracked under one presence key.
func (ch *Channel) PresenceMetas(key string) []PresenceMeta {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	metas := ch.presence[key]
	out := make([]PresenceMeta, len(metas))
	copy(out, metas)
	return out
}

// Leave unsubscribes the channel. Idempotent.
func (ch *Channel) Leave(ctx context.Context) error {
	ch.mu.Lock()
	if ch.left {
		ch.mu.Unlock()
		return nil
	}
	ch.left = true
	ch.presence = make(map[string][]PresenceMeta)
	ch.mu.Unlock()

	ch.client.removeChannel(ch.topic)

	err := ch.client.send(ctx, frame{
		Topic:   ch.topic,
		Event:   eventLeave,
		Payload: json.RawMessage(`{}`),
		Ref:     ch.client.nextRef(),
	})
	if err != nil {
		return fmt.Errorf("leaving %s: %w", ch.topic, err)
	}
	return nil
}

// handleEvent routes a non-reply frame from the read pump. Handlers
// run on the pump goroutine.
func (ch *Channel) handleEvent(event string, payload json.RawMessage) {
	switch event {
	case EventPresenceState:
		ch.applyPresenceState(payload)
	case EventPresenceDiff:
		ch.applyPresenceDiff(payload)
	case EventPostgresChanges:
		ch.applyChange(payload)
	case EventBroadcast:
		ch.applyBroadcast(payload)
	default:
		ch.client.logger.WithField("event", event).Debug("Ignoring unhandled channel event")
	}
}

func (ch *Channel) applyPresenceState(payload json.RawMessage) {
	var state map[string]presenceEntry
	if err := json.Unmarshal(payload, &state); err != nil {
		ch.client.logger.WithError(err).Warn("Dropping malformed presence state")
		return
	}

	ch.mu.Lock()
	ch.presence = make(map[string][]PresenceMeta, len(state))
	for key, entry := range state {
		ch.presence[key] = entry.Metas
	}
	ch.mu.Unlock()

	ch.notifyPresence()
}

func (ch *Channel) applyPresenceDiff(payload json.RawMessage) {
	var diff presenceDiffPayload
	if err := json.Unmarshal(payload, &diff); err != nil {
		ch.client.logger.WithError(err).Warn("Dropping malformed presence diff")
		return
	}

	ch.mu.Lock()
	for key, entry := range diff.Joins {
		ch.presence[key] = entry.Metas
	}
	for key := range diff.Leaves {
		delete(ch.presence, key)
	}
	ch.mu.Unlock()

	ch.notifyPresence()
}

func (ch *Channel) notifyPresence() {
	if ch.cfg.OnPresence != nil {
		ch.cfg.OnPresence()
	}
}

func (ch *Channel) applyChange(payload json.RawMessage) {
	if ch.cfg.OnChange == nil {
		return
	}

	var wrapped changePayload
	if err := json.Unmarshal(payload, &wrapped); err == nil && wrapped.Data.Action != "" {
		ch.cfg.OnChange(wrapped.Data)
		return
	}

	// Some gateway versions deliver the change unwrapped.
	var change ChangeEvent
	if err := json.Unmarshal(payload, &change); err != nil || change.Action == "" {
		ch.client.logger.Warn("Dropping malformed change event")
		return
	}
	ch.cfg.OnChange(change)
}

func (ch *Channel) applyBroadcast(payload json.RawMessage) {
	var env broadcastEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		ch.client.logger.WithError(err).Warn("Dropping malformed broadcast")
		return
	}

	handler := ch.cfg.OnBroadcast[env.Event]
	if handler == nil {
		ch.client.logger.WithField("event", env.Event).Debug("No handler for broadcast event")
		return
	}
	handler(env.Payload)
}
