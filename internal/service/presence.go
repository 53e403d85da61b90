package service

import (
	"context"
	"sync"
	"time"

	"pairlink/internal/metrics"
	"pairlink/internal/models"
	"pairlink/internal/privacy"

	"github.com/sirupsen/logrus"
)

// presenceQueryTimeout bounds the registry query triggered by a single
// channel presence event.
const presenceQueryTimeout = 10 * time.Second

// PresenceTracker answers one question: is the partner online? It
// blends two sources, the ephemeral channel's presence sync for
// immediacy and the participant registry for truth, and notifies
// subscribers only when the answer changes.
type PresenceTracker struct {
	registry *ParticipantRegistry
	interval time.Duration
	logger   *logrus.Logger

	mu                sync.Mutex
	sessionID         string
	userID            string
	channel           RealtimeChannel
	lastPartnerOnline bool
	presenceSubs      map[int]func(bool)
	activitySubs      map[int]func(models.ActivityEvent)
	nextSubID         int
	running           bool
	stopCh            chan struct{}
	wg                sync.WaitGroup
}

func NewPresenceTracker(registry *ParticipantRegistry, interval time.Duration, logger *logrus.Logger) *PresenceTracker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &PresenceTracker{
		registry:     registry,
		interval:     interval,
		logger:       logger,
		presenceSubs: make(map[int]func(bool)),
		activitySubs: make(map[int]func(models.ActivityEvent)),
	}
}

// Bind attaches the tracker to a session. The partner starts out
// offline until a source says otherwise.
func (t *PresenceTracker) Bind(sessionID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessionID = sessionID
	t.userID = userID
	t.lastPartnerOnline = false
}

// BindChannel attaches the live presence channel after a (re)connect.
func (t *PresenceTracker) BindChannel(ch RealtimeChannel) {
	t.mu.Lock()
	t.channel = ch
	t.mu.Unlock()
}

// UnbindChannel detaches the channel on teardown. The registry remains
// the only source until the next connect.
func (t *PresenceTracker) UnbindChannel() {
	t.mu.Lock()
	t.channel = nil
	t.mu.Unlock()
}

// Start begins the periodic registry reconciliation loop.
func (t *PresenceTracker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.stopCh = make(chan struct{})
	stopCh := t.stopCh
	t.mu.Unlock()

	t.wg.Add(1)
	go t.reconcileLoop(ctx, stopCh)
}

// Stop halts reconciliation. Idempotent.
func (t *PresenceTracker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	close(t.stopCh)
	t.mu.Unlock()

	t.wg.Wait()
}

func (t *PresenceTracker) reconcileLoop(ctx context.Context, stopCh chan struct{}) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			t.Recompute(ctx)
		}
	}
}

// Recompute re-derives partner presence. The registry is authoritative;
// the channel's presence keys serve as fallback when the registry is
// unreachable.
func (t *PresenceTracker) Recompute(ctx context.Context) {
	t.mu.Lock()
	sessionID := t.sessionID
	userID := t.userID
	channel := t.channel
	t.mu.Unlock()
	if sessionID == "" {
		return
	}

	online, err := t.registry.PartnerOnline(ctx, sessionID, userID)
	if err != nil {
		if channel == nil {
			t.logger.WithError(err).Debug("Presence reconcile skipped, registry unreachable")
			return
		}
		online = partnerTracked(channel.PresenceKeys(), userID)
	}

	t.setPartnerOnline(online)
}

// HandlePresenceSync reacts to a presence_state or presence_diff frame
// on the live channel. The registry stays authoritative even here:
// channel membership only decides when it cannot be consulted, so a
// stale channel ghost never overrides a registry row that says the
// partner left.
func (t *PresenceTracker) HandlePresenceSync() {
	ctx, cancel := context.WithTimeout(context.Background(), presenceQueryTimeout)
	defer cancel()
	t.Recompute(ctx)
}

func partnerTracked(keys []string, selfID string) bool {
	for _, key := range keys {
		if key != selfID {
			return true
		}
	}
	return false
}

// setPartnerOnline notifies subscribers only on an actual change.
func (t *PresenceTracker) setPartnerOnline(online bool) {
	t.mu.Lock()
	if online == t.lastPartnerOnline {
		t.mu.Unlock()
		return
	}
	t.lastPartnerOnline = online
	subs := make([]func(bool), 0, len(t.presenceSubs))
	for _, fn := range t.presenceSubs {
		subs = append(subs, fn)
	}
	t.mu.Unlock()

	metrics.IncrementCounter("presence_flips", nil, "Partner presence transitions")
	t.logger.WithField("partner_online", online).Info("Partner presence changed")
	for _, fn := range subs {
		fn(online)
	}
}

// PartnerOnline returns the last derived presence state.
func (t *PresenceTracker) PartnerOnline() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastPartnerOnline
}

// HandleActivity dispatches a partner activity event. Events for other
// sessions and the user's own echoes are dropped. The self check reads
// the bound user id at dispatch time, so a rebind is always honored.
func (t *PresenceTracker) HandleActivity(event models.ActivityEvent) {
	t.mu.Lock()
	sessionID := t.sessionID
	userID := t.userID
	t.mu.Unlock()

	if event.SessionID != sessionID {
		return
	}
	if event.UserID == userID {
		return
	}
	if !models.ValidActivity(event.Activity) {
		t.logger.WithField("activity", string(event.Activity)).Debug("Dropping unknown activity state")
		return
	}

	t.mu.Lock()
	subs := make([]func(models.ActivityEvent), 0, len(t.activitySubs))
	for _, fn := range t.activitySubs {
		subs = append(subs, fn)
	}
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"user_id":  privacy.MaskUserID(event.UserID),
		"activity": string(event.Activity),
	}).Debug("Partner activity received")
	for _, fn := range subs {
		fn(event)
	}
}

// SubscribeToPresence registers a presence-change handler and returns
// its unsubscribe function.
func (t *PresenceTracker) SubscribeToPresence(fn func(bool)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextSubID
	t.nextSubID++
	t.presenceSubs[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.presenceSubs, id)
	}
}

// SubscribeToActivity registers a partner-activity handler and returns
// its unsubscribe function.
func (t *PresenceTracker) SubscribeToActivity(fn func(models.ActivityEvent)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextSubID
	t.nextSubID++
	t.activitySubs[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.activitySubs, id)
	}
}

// Reset clears presence state without notifying subscribers. Used by
// full cleanup, where a trailing "partner offline" callback would reach
// an owner that no longer exists.
func (t *PresenceTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastPartnerOnline = false
	t.channel = nil
	t.presenceSubs = make(map[int]func(bool))
	t.activitySubs = make(map[int]func(models.ActivityEvent))
}
