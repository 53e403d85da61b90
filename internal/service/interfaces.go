package service

import (
	"context"
	"time"

	"pairlink/internal/models"
	"pairlink/pkg/realtime"
)

// OutboxStore is the durable storage behind the message outbox.
// Implemented by *database.Database.
type OutboxStore interface {
	SaveEntry(ctx context.Context, entry *models.QueueEntry) error
	UpdateEntry(ctx context.Context, messageID string, status models.QueueStatus, retryCount int, lastAttempt time.Time) error
	DeleteEntry(ctx context.Context, messageID string) error
	ListEntries(ctx context.Context, sessionID string) ([]models.QueueEntry, error)
	CountEntries(ctx context.Context, sessionID string) (int, error)
	EvictOldestPending(ctx context.Context, sessionID string, n int) (int, error)
	MaxSequence(ctx context.Context, sessionID, senderID string) (int64, error)
	PurgeMalformedEntries(ctx context.Context, sessionID string) (int, error)
}

// RealtimeChannel is one joined topic on the realtime gateway.
// Satisfied by *realtime.Channel.
type RealtimeChannel interface {
	Track(ctx context.Context, meta realtime.PresenceMeta) error
	Broadcast(ctx context.Context, event string, payload interface{}) error
	PresenceKeys() []string
	Leave(ctx context.Context) error
}

// RealtimeConn is one connection to the realtime gateway.
type RealtimeConn interface {
	Connect(ctx context.Context) error
	Join(ctx context.Context, cfg realtime.ChannelConfig) (RealtimeChannel, error)
	OnError(fn func(error))
	Close() error
}

// RealtimeFactory creates a fresh gateway connection. The supervisor
// builds a new connection per cycle so a torn-down socket can never
// leak subscriptions into the next one.
type RealtimeFactory func() RealtimeConn

type realtimeConnAdapter struct {
	client *realtime.Client
}

// AdaptRealtimeClient wraps a realtime.Client in the RealtimeConn
// interface.
func AdaptRealtimeClient(client *realtime.Client) RealtimeConn {
	return &realtimeConnAdapter{client: client}
}

func (a *realtimeConnAdapter) Connect(ctx context.Context) error {
	return a.client.Connect(ctx)
}

func (a *realtimeConnAdapter) Join(ctx context.Context, cfg realtime.ChannelConfig) (RealtimeChannel, error) {
	return a.client.Join(ctx, cfg)
}

func (a *realtimeConnAdapter) OnError(fn func(error)) {
	a.client.OnError(fn)
}

func (a *realtimeConnAdapter) Close() error {
	return a.client.Close()
}
