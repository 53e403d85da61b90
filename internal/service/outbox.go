package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pairlink/internal/errors"
	"pairlink/internal/metrics"
	"pairlink/internal/models"
	"pairlink/internal/privacy"
	"pairlink/internal/retry"
	"pairlink/internal/validation"
	"pairlink/pkg/store"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const sendTimeout = 30 * time.Second

// MessageOutbox owns outgoing message delivery. Every send is queued
// durably first, then delivered to the remote store with exponential
// backoff; entries survive restarts and are flushed in sequence order
// when connectivity returns. Inserts are idempotent, so a retry that
// hits an already-persisted row counts as delivered.
type MessageOutbox struct {
	local   OutboxStore
	remote  store.Client
	backoff *retry.Backoff
	cfg     models.OutboxConfig
	logger  *logrus.Logger

	mu        sync.Mutex
	sessionID string
	senderID  string
	nextSeq   int64
	connected bool
	loaded    bool
	closed    bool
	timers    map[string]*time.Timer

	deliveredSubs map[int]func(models.Message)
	failedSubs    map[int]func(models.Message, error)
	nextSubID     int

	wg sync.WaitGroup
}

func NewMessageOutbox(local OutboxStore, remote store.Client, backoff *retry.Backoff, cfg models.OutboxConfig, logger *logrus.Logger) *MessageOutbox {
	if logger == nil {
		logger = logrus.New()
	}
	return &MessageOutbox{
		local:         local,
		remote:        remote,
		backoff:       backoff,
		cfg:           cfg,
		logger:        logger,
		timers:        make(map[string]*time.Timer),
		deliveredSubs: make(map[int]func(models.Message)),
		failedSubs:    make(map[int]func(models.Message, error)),
	}
}

// Load binds the outbox to a session, purges malformed persisted
// entries, resets entries stuck mid-send by a crash, and restores the
// sender's sequence counter from the highest persisted value.
func (o *MessageOutbox) Load(ctx context.Context, sessionID, senderID string) error {
	purged, err := o.local.PurgeMalformedEntries(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to clean outbox: %w", err)
	}
	if purged > 0 {
		o.logger.WithFields(logrus.Fields{
			"session_id": sessionID,
			"purged":     purged,
		}).Warn("Dropped malformed outbox entries")
	}

	entries, err := o.local.ListEntries(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load outbox: %w", err)
	}
	for _, entry := range entries {
		if entry.Status != models.QueueStatusSending {
			continue
		}
		// A crash mid-send leaves the entry in sending; requeue it.
		if err := o.local.UpdateEntry(ctx, entry.Message.ID, models.QueueStatusPending, entry.RetryCount, entry.LastAttempt); err != nil {
			return fmt.Errorf("failed to requeue interrupted entry: %w", err)
		}
	}

	maxSeq, err := o.local.MaxSequence(ctx, sessionID, senderID)
	if err != nil {
		return fmt.Errorf("failed to restore sequence counter: %w", err)
	}

	o.mu.Lock()
	o.sessionID = sessionID
	o.senderID = senderID
	o.nextSeq = maxSeq + 1
	o.loaded = true
	o.mu.Unlock()

	o.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"queued":     len(entries),
		"next_seq":   maxSeq + 1,
	}).Info("Outbox loaded")
	return nil
}

// Enqueue assigns the message an id and sequence number, persists it,
// and starts delivery if connected. Returns the queued message.
func (o *MessageOutbox) Enqueue(ctx context.Context, originalText string, translatedText *string) (models.Message, error) {
	if err := validation.ValidateMessageText(originalText); err != nil {
		return models.Message{}, err
	}

	o.mu.Lock()
	if !o.loaded {
		o.mu.Unlock()
		return models.Message{}, errors.New(errors.ErrCodeValidation, "outbox is not bound to a session")
	}
	if o.closed {
		o.mu.Unlock()
		return models.Message{}, errors.New(errors.ErrCodeValidation, "outbox is closed")
	}
	sessionID := o.sessionID
	senderID := o.senderID
	seq := o.nextSeq
	o.nextSeq++
	connected := o.connected
	o.mu.Unlock()

	if err := o.evictIfFull(ctx, sessionID); err != nil {
		return models.Message{}, err
	}

	msg := models.Message{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		SenderID:       senderID,
		OriginalText:   originalText,
		TranslatedText: translatedText,
		Timestamp:      time.Now(),
		SequenceNumber: seq,
	}

	entry := models.QueueEntry{
		TempID:  uuid.NewString(),
		Message: msg,
		Status:  models.QueueStatusPending,
	}
	if err := o.local.SaveEntry(ctx, &entry); err != nil {
		return models.Message{}, fmt.Errorf("failed to queue message: %w", err)
	}

	metrics.IncrementCounter("outbox_enqueued", map[string]string{"session": sessionID}, "Messages queued for delivery")
	o.recordDepth(ctx, sessionID)
	o.logger.WithFields(logrus.Fields{
		"message_id": privacy.MaskMessageID(msg.ID),
		"sequence":   seq,
	}).Debug("Message queued")

	if connected {
		o.spawnAttempt(msg, 0, 0)
	}
	return msg, nil
}

// recordDepth refreshes the queue depth gauge. Best effort; a failed
// count never interferes with the delivery path.
func (o *MessageOutbox) recordDepth(ctx context.Context, sessionID string) {
	count, err := o.local.CountEntries(ctx, sessionID)
	if err != nil {
		return
	}
	metrics.SetGauge("outbox_depth", float64(count), map[string]string{"session": sessionID}, "Entries currently queued")
}

// evictIfFull drops the oldest pending entries when the queue is at
// capacity so new messages are never rejected.
func (o *MessageOutbox) evictIfFull(ctx context.Context, sessionID string) error {
	count, err := o.local.CountEntries(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to check queue size: %w", err)
	}
	if count < o.cfg.MaxEntries {
		return nil
	}

	evicted, err := o.local.EvictOldestPending(ctx, sessionID, o.cfg.EvictBatch)
	if err != nil {
		return fmt.Errorf("failed to evict queue overflow: %w", err)
	}
	metrics.AddToCounter("outbox_evicted", float64(evicted), map[string]string{"session": sessionID}, "Pending entries dropped by overflow eviction")
	o.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"evicted":    evicted,
	}).Warn("Outbox at capacity, evicted oldest pending entries")
	return nil
}

// SetConnected toggles delivery. Connecting flushes the queue;
// disconnecting cancels in-flight retry timers so stale attempts never
// fire against a dead link.
func (o *MessageOutbox) SetConnected(connected bool) {
	o.mu.Lock()
	if o.closed || o.connected == connected {
		o.mu.Unlock()
		return
	}
	o.connected = connected
	if !connected {
		o.stopTimersLocked()
	}
	o.mu.Unlock()

	if connected {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			if err := o.FlushPending(ctx); err != nil {
				o.logger.WithError(err).Warn("Failed to flush outbox on reconnect")
			}
		}()
	}
}

// FlushPending starts delivery for every pending entry in ascending
// sequence order, spacing the sends so a large backlog does not burst.
func (o *MessageOutbox) FlushPending(ctx context.Context) error {
	o.mu.Lock()
	sessionID := o.sessionID
	o.mu.Unlock()

	entries, err := o.local.ListEntries(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to list pending entries: %w", err)
	}

	spacing := time.Duration(o.cfg.ResendDelayMs) * time.Millisecond
	position := 0
	for _, entry := range entries {
		if entry.Status != models.QueueStatusPending && entry.Status != models.QueueStatusFailed {
			continue
		}
		o.spawnAttempt(entry.Message, entry.RetryCount, time.Duration(position)*spacing)
		position++
	}

	if position > 0 {
		o.logger.WithFields(logrus.Fields{
			"session_id": sessionID,
			"pending":    position,
		}).Info("Flushing queued messages")
	}
	return nil
}

// spawnAttempt schedules one delivery attempt after the given delay.
// The timer is tracked per message so disconnecting cancels it.
func (o *MessageOutbox) spawnAttempt(msg models.Message, retryCount int, delay time.Duration) {
	o.mu.Lock()
	if o.closed || !o.connected {
		o.mu.Unlock()
		return
	}
	if existing, ok := o.timers[msg.ID]; ok {
		if existing.Stop() {
			o.wg.Done()
		}
	}
	o.wg.Add(1)
	o.timers[msg.ID] = time.AfterFunc(delay, func() {
		defer o.wg.Done()
		o.mu.Lock()
		delete(o.timers, msg.ID)
		proceed := !o.closed && o.connected
		o.mu.Unlock()
		if proceed {
			o.attempt(msg, retryCount)
		}
	})
	o.mu.Unlock()
}

func (o *MessageOutbox) attempt(msg models.Message, retryCount int) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if err := o.local.UpdateEntry(ctx, msg.ID, models.QueueStatusSending, retryCount, time.Now()); err != nil {
		// Entry already confirmed or evicted by a concurrent path.
		o.logger.WithError(err).WithField("message_id", privacy.MaskMessageID(msg.ID)).Debug("Skipping delivery for missing entry")
		return
	}

	start := time.Now()
	err := o.remote.InsertMessage(ctx, store.MessageRecord{
		ID:             msg.ID,
		SessionID:      msg.SessionID,
		SenderID:       msg.SenderID,
		OriginalText:   msg.OriginalText,
		TranslatedText: msg.TranslatedText,
		Timestamp:      msg.Timestamp,
		SequenceNumber: msg.SequenceNumber,
	})
	metrics.RecordTimer("outbox_send", time.Since(start), map[string]string{"session": msg.SessionID}, "Remote insert latency")

	switch {
	case err == nil, store.IsDuplicate(err):
		o.confirmDelivered(ctx, msg, store.IsDuplicate(err))
	case store.IsConstraint(err):
		o.failPermanently(ctx, msg, err)
	default:
		o.handleTransient(ctx, msg, retryCount+1, err)
	}
}

func (o *MessageOutbox) confirmDelivered(ctx context.Context, msg models.Message, wasDuplicate bool) {
	if err := o.local.DeleteEntry(ctx, msg.ID); err != nil {
		o.logger.WithError(err).Warn("Failed to remove delivered entry")
	}

	msg.IsDelivered = true
	metrics.IncrementCounter("outbox_delivered", map[string]string{"session": msg.SessionID}, "Messages confirmed persisted")
	o.recordDepth(ctx, msg.SessionID)
	entry := o.logger.WithField("message_id", privacy.MaskMessageID(msg.ID))
	if wasDuplicate {
		entry.Debug("Message already persisted by earlier attempt")
	} else {
		entry.Debug("Message delivered")
	}

	for _, fn := range o.deliveredSnapshot() {
		fn(msg)
	}
}

func (o *MessageOutbox) failPermanently(ctx context.Context, msg models.Message, cause error) {
	if err := o.local.DeleteEntry(ctx, msg.ID); err != nil {
		o.logger.WithError(err).Warn("Failed to remove rejected entry")
	}

	metrics.IncrementCounter("outbox_failed", map[string]string{"session": msg.SessionID}, "Messages dropped after permanent failure")
	errors.EntryWithError(o.logger, cause).WithField("message_id", privacy.MaskMessageID(msg.ID)).Error("Message permanently rejected by store")

	for _, fn := range o.failedSnapshot() {
		fn(msg, cause)
	}
}

func (o *MessageOutbox) handleTransient(ctx context.Context, msg models.Message, retryCount int, cause error) {
	if retryCount > o.backoff.MaxAttempts() {
		if err := o.local.DeleteEntry(ctx, msg.ID); err != nil {
			o.logger.WithError(err).Warn("Failed to remove exhausted entry")
		}
		metrics.IncrementCounter("outbox_failed", map[string]string{"session": msg.SessionID}, "Messages dropped after permanent failure")
		errors.EntryWithError(o.logger, cause).WithFields(logrus.Fields{
			"message_id": privacy.MaskMessageID(msg.ID),
			"attempts":   retryCount,
		}).Error("Message delivery exhausted retries")

		for _, fn := range o.failedSnapshot() {
			fn(msg, cause)
		}
		return
	}

	if err := o.local.UpdateEntry(ctx, msg.ID, models.QueueStatusPending, retryCount, time.Now()); err != nil {
		o.logger.WithError(err).Warn("Failed to record retry state")
		return
	}

	delay := o.backoff.DelayForAttempt(retryCount)
	o.logger.WithFields(logrus.Fields{
		"message_id": privacy.MaskMessageID(msg.ID),
		"attempt":    retryCount,
		"retry_in":   delay.String(),
	}).Debug("Message delivery failed, retry scheduled")

	o.spawnAttempt(msg, retryCount, delay)
}

// SubscribeDelivered registers a delivery handler and returns its
// unsubscribe function.
func (o *MessageOutbox) SubscribeDelivered(fn func(models.Message)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextSubID
	o.nextSubID++
	o.deliveredSubs[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.deliveredSubs, id)
	}
}

// SubscribeFailed registers a permanent-failure handler and returns its
// unsubscribe function.
func (o *MessageOutbox) SubscribeFailed(fn func(models.Message, error)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextSubID
	o.nextSubID++
	o.failedSubs[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.failedSubs, id)
	}
}

// PendingCount returns the number of entries still queued.
func (o *MessageOutbox) PendingCount(ctx context.Context) (int, error) {
	o.mu.Lock()
	sessionID := o.sessionID
	o.mu.Unlock()
	return o.local.CountEntries(ctx, sessionID)
}

// Close stops all retry timers and waits for in-flight attempts.
// Persisted entries are left in place for the next run. Idempotent.
func (o *MessageOutbox) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.connected = false
	o.stopTimersLocked()
	o.deliveredSubs = make(map[int]func(models.Message))
	o.failedSubs = make(map[int]func(models.Message, error))
	o.mu.Unlock()

	o.wg.Wait()
}

// stopTimersLocked cancels every scheduled attempt. Callers hold o.mu.
func (o *MessageOutbox) stopTimersLocked() {
	for id, timer := range o.timers {
		if timer.Stop() {
			o.wg.Done()
		}
		delete(o.timers, id)
	}
}

func (o *MessageOutbox) deliveredSnapshot() []func(models.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]func(models.Message), 0, len(o.deliveredSubs))
	for _, fn := range o.deliveredSubs {
		out = append(out, fn)
	}
	return out
}

func (o *MessageOutbox) failedSnapshot() []func(models.Message, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]func(models.Message, error), 0, len(o.failedSubs))
	for _, fn := range o.failedSubs {
		out = append(out, fn)
	}
	return out
}
