package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"pairlink/internal/metrics"
	"pairlink/internal/models"
	"pairlink/internal/retry"
	"pairlink/pkg/realtime"

	"github.com/sirupsen/logrus"
)

const (
	connectTimeout  = 30 * time.Second
	teardownTimeout = 5 * time.Second

	timerReconnect = "reconnect"
)

// ChannelBindings carries the handlers the supervisor wires into each
// connection cycle. Bindings survive reconnects; a fresh connection
// gets the same handlers, so subscribers never re-register.
type ChannelBindings struct {
	OnMessageChange     func(realtime.ChangeEvent)
	OnParticipantChange func(realtime.ChangeEvent)
	OnPresenceSync      func()
	OnActivity          func(json.RawMessage)

	// OnChannelsReady fires once both channels are joined and presence
	// is tracked, with the session channel for broadcasts.
	OnChannelsReady func(session RealtimeChannel)
	// OnTornDown fires after every teardown, planned or not.
	OnTornDown func()
}

// ConnectionSupervisor owns the realtime link lifecycle: connect, join
// the change-feed and session channels, track presence, and reconnect
// with exponential backoff when the link drops. After the attempt cap
// it parks in disconnected until connectivity returns or the owner
// forces a reconnect.
type ConnectionSupervisor struct {
	factory RealtimeFactory
	backoff *retry.Backoff
	logger  *logrus.Logger

	mu             sync.Mutex
	state          models.ConnectionState
	attempts       int
	generation     uint64
	conn           RealtimeConn
	sessionChannel RealtimeChannel
	changesChannel RealtimeChannel
	timers         map[string]*time.Timer
	statusSubs     map[int]func(models.ConnectionState)
	nextSubID      int
	bindings       ChannelBindings
	sessionID      string
	userID         string
	networkOnline  bool
	closed         bool
}

func NewConnectionSupervisor(factory RealtimeFactory, backoff *retry.Backoff, logger *logrus.Logger) *ConnectionSupervisor {
	if logger == nil {
		logger = logrus.New()
	}
	return &ConnectionSupervisor{
		factory:       factory,
		backoff:       backoff,
		logger:        logger,
		state:         models.ConnectionDisconnected,
		timers:        make(map[string]*time.Timer),
		statusSubs:    make(map[int]func(models.ConnectionState)),
		networkOnline: true,
	}
}

// Configure binds the supervisor to a session. Must be called before
// Connect.
func (s *ConnectionSupervisor) Configure(sessionID, userID string, bindings ChannelBindings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = sessionID
	s.userID = userID
	s.bindings = bindings
}

// State returns the current connection state.
func (s *ConnectionSupervisor) State() models.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SubscribeStatus registers a state-change handler and returns its
// unsubscribe function. Handlers fire only on transitions.
func (s *ConnectionSupervisor) SubscribeStatus(fn func(models.ConnectionState)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	s.statusSubs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.statusSubs, id)
	}
}

// Connect establishes the realtime link and joins the session's
// channels. A failure schedules a reconnect and returns the error.
func (s *ConnectionSupervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("connection supervisor is closed")
	}
	if s.sessionID == "" {
		s.mu.Unlock()
		return fmt.Errorf("connection supervisor is not configured")
	}
	if s.state == models.ConnectionConnected {
		s.mu.Unlock()
		return nil
	}

	s.generation++
	gen := s.generation
	sessionID := s.sessionID
	userID := s.userID
	bindings := s.bindings

	var subs []func(models.ConnectionState)
	if s.attempts == 0 {
		subs = s.transitionLocked(models.ConnectionConnecting)
	} else {
		subs = s.transitionLocked(models.ConnectionReconnecting)
	}
	state := s.state
	s.mu.Unlock()
	notifyStatus(subs, state)

	conn := s.factory()
	conn.OnError(func(err error) {
		s.reconnectAfterFailure(gen, err)
	})

	if err := conn.Connect(ctx); err != nil {
		_ = conn.Close()
		s.reconnectAfterFailure(gen, err)
		return err
	}

	changes, err := conn.Join(ctx, realtime.ChannelConfig{
		Topic: "changes:" + sessionID,
		PostgresChanges: []realtime.PostgresChangeFilter{
			{Event: "*", Schema: "public", Table: "messages", Filter: "session_id=eq." + sessionID},
			{Event: "*", Schema: "public", Table: "participants", Filter: "session_id=eq." + sessionID},
		},
		OnChange: func(ev realtime.ChangeEvent) {
			switch ev.Table {
			case "messages":
				if bindings.OnMessageChange != nil {
					bindings.OnMessageChange(ev)
				}
			case "participants":
				if bindings.OnParticipantChange != nil {
					bindings.OnParticipantChange(ev)
				}
			}
		},
	})
	if err != nil {
		_ = conn.Close()
		s.reconnectAfterFailure(gen, err)
		return err
	}

	session, err := conn.Join(ctx, realtime.ChannelConfig{
		Topic:       "session:" + sessionID,
		PresenceKey: userID,
		OnPresence:  bindings.OnPresenceSync,
		OnBroadcast: map[string]func(json.RawMessage){
			"activity": func(payload json.RawMessage) {
				if bindings.OnActivity != nil {
					bindings.OnActivity(payload)
				}
			},
		},
	})
	if err != nil {
		_ = conn.Close()
		s.reconnectAfterFailure(gen, err)
		return err
	}

	if err := session.Track(ctx, realtime.PresenceMeta{UserID: userID, OnlineAt: time.Now()}); err != nil {
		_ = conn.Close()
		s.reconnectAfterFailure(gen, err)
		return err
	}

	s.mu.Lock()
	if s.closed || gen != s.generation {
		// A teardown raced this connect; the new link is already stale.
		s.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	s.conn = conn
	s.sessionChannel = session
	s.changesChannel = changes
	s.attempts = 0
	subs = s.transitionLocked(models.ConnectionConnected)
	s.mu.Unlock()

	metrics.IncrementCounter("realtime_connected", nil, "Successful realtime connections")
	s.logger.WithField("session_id", sessionID).Info("Realtime channels established")
	notifyStatus(subs, models.ConnectionConnected)

	if bindings.OnChannelsReady != nil {
		bindings.OnChannelsReady(session)
	}
	return nil
}

// BroadcastActivity sends an activity event on the session channel.
func (s *ConnectionSupervisor) BroadcastActivity(ctx context.Context, event models.ActivityEvent) error {
	s.mu.Lock()
	session := s.sessionChannel
	s.mu.Unlock()
	if session == nil {
		return fmt.Errorf("no active session channel")
	}
	return session.Broadcast(ctx, "activity", event)
}

// HandleNetworkOffline tears the link down immediately. The teardown
// does not consume a reconnect attempt; the outage is the network's
// fault, not the gateway's.
func (s *ConnectionSupervisor) HandleNetworkOffline() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.networkOnline = false
	s.generation++
	conn, session, changes := s.teardownLocked()
	subs := s.transitionLocked(models.ConnectionDisconnected)
	onTornDown := s.bindings.OnTornDown
	s.mu.Unlock()

	closeResources(conn, session, changes)
	notifyStatus(subs, models.ConnectionDisconnected)
	if onTornDown != nil && (conn != nil || session != nil) {
		onTornDown()
	}
	s.logger.Info("Realtime link torn down, waiting for network")
}

// HandleNetworkOnline resets the attempt budget and reconnects.
func (s *ConnectionSupervisor) HandleNetworkOnline() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.networkOnline = true
	s.attempts = 0
	connected := s.state == models.ConnectionConnected
	s.mu.Unlock()
	if connected {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		if err := s.Connect(ctx); err != nil {
			s.logger.WithError(err).Warn("Reconnect after network recovery failed")
		}
	}()
}

// ForceReconnect tears down the current link and connects fresh with a
// full attempt budget. Bindings and subscribers are preserved.
func (s *ConnectionSupervisor) ForceReconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("connection supervisor is closed")
	}
	s.generation++
	s.attempts = 0
	conn, session, changes := s.teardownLocked()
	subs := s.transitionLocked(models.ConnectionDisconnected)
	onTornDown := s.bindings.OnTornDown
	s.mu.Unlock()

	closeResources(conn, session, changes)
	notifyStatus(subs, models.ConnectionDisconnected)
	if onTornDown != nil && (conn != nil || session != nil) {
		onTornDown()
	}

	return s.Connect(ctx)
}

// Disconnect tears the link down and parks in disconnected. Bindings
// and subscribers remain registered for a later Connect.
func (s *ConnectionSupervisor) Disconnect() {
	s.mu.Lock()
	s.generation++
	s.attempts = 0
	conn, session, changes := s.teardownLocked()
	subs := s.transitionLocked(models.ConnectionDisconnected)
	onTornDown := s.bindings.OnTornDown
	s.mu.Unlock()

	closeResources(conn, session, changes)
	notifyStatus(subs, models.ConnectionDisconnected)
	if onTornDown != nil && (conn != nil || session != nil) {
		onTornDown()
	}
}

// Close disconnects and drops all subscribers. The supervisor cannot
// be reused afterwards.
func (s *ConnectionSupervisor) Close() {
	s.Disconnect()

	s.mu.Lock()
	s.closed = true
	s.statusSubs = make(map[int]func(models.ConnectionState))
	s.bindings = ChannelBindings{}
	s.mu.Unlock()
}

// reconnectAfterFailure accounts one failed attempt and schedules the
// next one, or parks in disconnected when the budget is exhausted or
// the network is known to be down.
func (s *ConnectionSupervisor) reconnectAfterFailure(gen uint64, cause error) {
	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.generation++
	nextGen := s.generation
	conn, session, changes := s.teardownLocked()
	onTornDown := s.bindings.OnTornDown

	if !s.networkOnline {
		subs := s.transitionLocked(models.ConnectionDisconnected)
		s.mu.Unlock()

		closeResources(conn, session, changes)
		notifyStatus(subs, models.ConnectionDisconnected)
		if onTornDown != nil && (conn != nil || session != nil) {
			onTornDown()
		}
		return
	}

	s.attempts++
	attempt := s.attempts
	if attempt > s.backoff.MaxAttempts() {
		subs := s.transitionLocked(models.ConnectionDisconnected)
		s.mu.Unlock()

		closeResources(conn, session, changes)
		metrics.IncrementCounter("realtime_reconnect_exhausted", nil, "Reconnect budgets exhausted")
		s.logger.WithError(cause).WithField("attempts", attempt).Error("Reconnect attempts exhausted")
		notifyStatus(subs, models.ConnectionDisconnected)
		if onTornDown != nil && (conn != nil || session != nil) {
			onTornDown()
		}
		return
	}

	delay := s.backoff.DelayForAttempt(attempt)
	subs := s.transitionLocked(models.ConnectionReconnecting)
	if existing, ok := s.timers[timerReconnect]; ok {
		existing.Stop()
	}
	s.timers[timerReconnect] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		stale := s.closed || nextGen != s.generation
		delete(s.timers, timerReconnect)
		s.mu.Unlock()
		if stale {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		if err := s.Connect(ctx); err != nil {
			s.logger.WithError(err).Debug("Reconnect attempt failed")
		}
	})
	s.mu.Unlock()

	closeResources(conn, session, changes)
	metrics.IncrementCounter("realtime_reconnects", nil, "Reconnect attempts scheduled")
	s.logger.WithError(cause).WithFields(logrus.Fields{
		"attempt":  attempt,
		"retry_in": delay.String(),
	}).Warn("Realtime link lost, reconnect scheduled")
	notifyStatus(subs, models.ConnectionReconnecting)
	if onTornDown != nil && (conn != nil || session != nil) {
		onTornDown()
	}
}

// teardownLocked cancels timers and detaches the link resources for the
// caller to close outside the lock. Callers hold s.mu.
func (s *ConnectionSupervisor) teardownLocked() (RealtimeConn, RealtimeChannel, RealtimeChannel) {
	for name, timer := range s.timers {
		timer.Stop()
		delete(s.timers, name)
	}
	conn := s.conn
	session := s.sessionChannel
	changes := s.changesChannel
	s.conn = nil
	s.sessionChannel = nil
	s.changesChannel = nil
	return conn, session, changes
}

// transitionLocked records a state change and returns the subscribers
// to notify once the lock is released. Callers hold s.mu.
func (s *ConnectionSupervisor) transitionLocked(state models.ConnectionState) []func(models.ConnectionState) {
	if s.state == state {
		return nil
	}
	s.state = state
	subs := make([]func(models.ConnectionState), 0, len(s.statusSubs))
	for _, fn := range s.statusSubs {
		subs = append(subs, fn)
	}
	return subs
}

func notifyStatus(subs []func(models.ConnectionState), state models.ConnectionState) {
	for _, fn := range subs {
		fn(state)
	}
}

func closeResources(conn RealtimeConn, session, changes RealtimeChannel) {
	if conn == nil && session == nil && changes == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	if changes != nil {
		_ = changes.Leave(ctx)
	}
	if session != nil {
		_ = session.Leave(ctx)
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// Attempts returns the number of consecutive failed reconnect attempts.
func (s *ConnectionSupervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}
