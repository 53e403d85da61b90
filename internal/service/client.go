package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"pairlink/internal/models"
	"pairlink/internal/privacy"
	"pairlink/internal/validation"
	"pairlink/pkg/realtime"
	"pairlink/pkg/store"

	"github.com/sirupsen/logrus"
)

// SyncClient is the session-facing facade over the sync subsystem. It
// wires the supervisor, outbox, presence tracker, participant registry
// and network monitor together for exactly one session at a time.
type SyncClient struct {
	supervisor *ConnectionSupervisor
	outbox     *MessageOutbox
	presence   *PresenceTracker
	registry   *ParticipantRegistry
	monitor    *NetworkMonitor
	logger     *logrus.Logger

	mu          sync.Mutex
	sessionID   string
	userID      string
	initialized bool
	cleaned     bool
	messageSubs map[int]func(models.Message)
	nextSubID   int
}

func NewSyncClient(
	supervisor *ConnectionSupervisor,
	outbox *MessageOutbox,
	presence *PresenceTracker,
	registry *ParticipantRegistry,
	monitor *NetworkMonitor,
	logger *logrus.Logger,
) *SyncClient {
	if logger == nil {
		logger = logrus.New()
	}
	return &SyncClient{
		supervisor:  supervisor,
		outbox:      outbox,
		presence:    presence,
		registry:    registry,
		monitor:     monitor,
		logger:      logger,
		messageSubs: make(map[int]func(models.Message)),
	}
}

// InitializeSession joins the session, restores the durable outbox,
// connects the realtime link and starts the background monitors.
func (c *SyncClient) InitializeSession(ctx context.Context, sessionID, userID string) error {
	if err := validation.ValidateSessionID(sessionID); err != nil {
		return err
	}
	if err := validation.ValidateUserID(userID); err != nil {
		return err
	}

	c.mu.Lock()
	c.sessionID = sessionID
	c.userID = userID
	c.initialized = true
	c.cleaned = false
	c.mu.Unlock()

	if err := c.registry.Join(ctx, sessionID, userID); err != nil {
		return err
	}

	if err := c.outbox.Load(ctx, sessionID, userID); err != nil {
		return err
	}

	c.presence.Bind(sessionID, userID)

	c.supervisor.Configure(sessionID, userID, ChannelBindings{
		OnMessageChange:     c.handleMessageChange,
		OnParticipantChange: c.handleParticipantChange,
		OnPresenceSync:      c.presence.HandlePresenceSync,
		OnActivity:          c.handleActivityBroadcast,
		OnChannelsReady: func(session RealtimeChannel) {
			c.presence.BindChannel(session)
			c.outbox.SetConnected(true)
		},
		OnTornDown: func() {
			c.presence.UnbindChannel()
			c.outbox.SetConnected(false)
		},
	})

	c.monitor.OnOffline(c.supervisor.HandleNetworkOffline)
	c.monitor.OnOnline(c.supervisor.HandleNetworkOnline)
	c.monitor.Start(ctx)
	c.presence.Start(ctx)

	if err := c.supervisor.Connect(ctx); err != nil {
		// The supervisor keeps retrying on its own; the session is
		// usable offline meanwhile.
		c.logger.WithError(err).Warn("Initial realtime connect failed, retrying in background")
	}

	c.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"user_id":    privacy.MaskUserID(userID),
	}).Info("Session initialized")
	return nil
}

// SendMessage queues a message for durable delivery and returns it
// immediately with its assigned id and sequence number.
func (c *SyncClient) SendMessage(ctx context.Context, originalText string, translatedText *string) (models.Message, error) {
	return c.outbox.Enqueue(ctx, originalText, translatedText)
}

// BroadcastActivity announces what the local user is doing. Fire and
// forget; a broadcast lost to a dead link is not retried.
func (c *SyncClient) BroadcastActivity(ctx context.Context, activity models.ActivityState) error {
	if err := validation.ValidateActivity(activity); err != nil {
		return err
	}

	c.mu.Lock()
	sessionID := c.sessionID
	userID := c.userID
	c.mu.Unlock()

	return c.supervisor.BroadcastActivity(ctx, models.ActivityEvent{
		UserID:    userID,
		SessionID: sessionID,
		Activity:  activity,
		Timestamp: time.Now(),
	})
}

// ConnectionState returns the supervisor's current state.
func (c *SyncClient) ConnectionState() models.ConnectionState {
	return c.supervisor.State()
}

// PartnerOnline returns the last derived partner presence.
func (c *SyncClient) PartnerOnline() bool {
	return c.presence.PartnerOnline()
}

// PendingCount returns how many messages are still queued for delivery.
func (c *SyncClient) PendingCount(ctx context.Context) (int, error) {
	return c.outbox.PendingCount(ctx)
}

// Participants returns the session's participant rows from the remote
// store.
func (c *SyncClient) Participants(ctx context.Context) ([]models.Participant, error) {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	return c.registry.List(ctx, sessionID)
}

// SubscribeToMessages registers a handler for incoming partner
// messages and returns its unsubscribe function.
func (c *SyncClient) SubscribeToMessages(fn func(models.Message)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	c.messageSubs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.messageSubs, id)
	}
}

// SubscribeToConnectionStatus registers a connection-state handler.
func (c *SyncClient) SubscribeToConnectionStatus(fn func(models.ConnectionState)) func() {
	return c.supervisor.SubscribeStatus(fn)
}

// SubscribeToPresence registers a partner-presence handler.
func (c *SyncClient) SubscribeToPresence(fn func(bool)) func() {
	return c.presence.SubscribeToPresence(fn)
}

// SubscribeToActivity registers a partner-activity handler.
func (c *SyncClient) SubscribeToActivity(fn func(models.ActivityEvent)) func() {
	return c.presence.SubscribeToActivity(fn)
}

// SubscribeToDelivery registers a handler fired when one of this
// user's queued messages is confirmed persisted.
func (c *SyncClient) SubscribeToDelivery(fn func(models.Message)) func() {
	return c.outbox.SubscribeDelivered(fn)
}

// SubscribeToSendFailures registers a handler fired when a queued
// message is dropped after exhausting delivery attempts.
func (c *SyncClient) SubscribeToSendFailures(fn func(models.Message, error)) func() {
	return c.outbox.SubscribeFailed(fn)
}

// Reconnect tears down and re-establishes the realtime link. All
// subscriptions and the persisted outbox survive.
func (c *SyncClient) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	initialized := c.initialized
	c.mu.Unlock()
	if !initialized {
		return models.ConfigError{Message: "no session to reconnect"}
	}
	return c.supervisor.ForceReconnect(ctx)
}

// Cleanup releases everything the session holds: background loops
// first, then the realtime link, then the participant row, then
// in-memory state. Queued messages stay on disk for the next run.
// Idempotent.
func (c *SyncClient) Cleanup(ctx context.Context) {
	c.mu.Lock()
	if c.cleaned || !c.initialized {
		c.mu.Unlock()
		return
	}
	c.cleaned = true
	sessionID := c.sessionID
	userID := c.userID
	c.messageSubs = make(map[int]func(models.Message))
	c.mu.Unlock()

	c.monitor.Stop()
	c.presence.Stop()
	c.supervisor.Close()

	if err := c.registry.MarkOffline(ctx, sessionID, userID); err != nil {
		c.logger.WithError(err).Warn("Failed to mark participant offline during cleanup")
	}

	c.outbox.Close()
	c.presence.Reset()

	c.logger.WithField("session_id", sessionID).Info("Session cleaned up")
}

// handleMessageChange converts a change-feed row into the local model.
// Partner inserts and updates fan out to message subscribers; an update
// carries the translated text filled in after delivery. The user's own
// rows are delivery echoes and are dropped here because the outbox
// already confirmed them over HTTP.
func (c *SyncClient) handleMessageChange(ev realtime.ChangeEvent) {
	if ev.Action == realtime.ChangeDelete {
		return
	}

	var record store.MessageRecord
	if err := json.Unmarshal(ev.Record, &record); err != nil {
		c.logger.WithError(err).Warn("Dropping malformed message row")
		return
	}

	c.mu.Lock()
	sessionID := c.sessionID
	userID := c.userID
	subs := make([]func(models.Message), 0, len(c.messageSubs))
	for _, fn := range c.messageSubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	if record.SessionID != sessionID || record.SenderID == userID {
		return
	}

	msg := models.Message{
		ID:             record.ID,
		SessionID:      record.SessionID,
		SenderID:       record.SenderID,
		OriginalText:   record.OriginalText,
		TranslatedText: record.TranslatedText,
		Timestamp:      record.Timestamp,
		SequenceNumber: record.SequenceNumber,
		IsDelivered:    true,
	}

	c.logger.WithFields(logrus.Fields{
		"message_id": privacy.MaskMessageID(msg.ID),
		"sender":     privacy.MaskUserID(msg.SenderID),
		"sequence":   msg.SequenceNumber,
	}).Debug("Partner message received")

	for _, fn := range subs {
		fn(msg)
	}
}

// handleParticipantChange nudges presence whenever a participant row
// changes, so registry updates land faster than the reconcile tick.
func (c *SyncClient) handleParticipantChange(_ realtime.ChangeEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.presence.Recompute(ctx)
}

func (c *SyncClient) handleActivityBroadcast(payload json.RawMessage) {
	var event models.ActivityEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		c.logger.WithError(err).Warn("Dropping malformed activity broadcast")
		return
	}
	c.presence.HandleActivity(event)
}
