package service

import (
	"context"
	"sync"

	"pairlink/pkg/realtime"
	"pairlink/pkg/store"
)

// fakeStoreClient is a programmable in-memory store.Client.
type fakeStoreClient struct {
	mu           sync.Mutex
	insertErrs   []error
	inserted     []store.MessageRecord
	upsertErr    error
	upserted     []store.ParticipantRecord
	participants []store.ParticipantRecord
	queryErr     error
	session      *store.SessionRecord
	lookupErr    error
}

func (f *fakeStoreClient) InsertMessage(ctx context.Context, msg store.MessageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var err error
	if len(f.insertErrs) > 0 {
		err = f.insertErrs[0]
		f.insertErrs = f.insertErrs[1:]
	}
	if err == nil {
		f.inserted = append(f.inserted, msg)
	}
	return err
}

func (f *fakeStoreClient) UpsertParticipant(ctx context.Context, p store.ParticipantRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserted = append(f.upserted, p)
	return nil
}

func (f *fakeStoreClient) QueryParticipants(ctx context.Context, sessionID string) ([]store.ParticipantRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	out := make([]store.ParticipantRecord, len(f.participants))
	copy(out, f.participants)
	return out, nil
}

func (f *fakeStoreClient) LookupSession(ctx context.Context, code string) (store.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return store.SessionRecord{}, f.lookupErr
	}
	if f.session == nil || f.session.Code != code {
		return store.SessionRecord{}, store.ErrSessionNotFound
	}
	return *f.session, nil
}

func (f *fakeStoreClient) setSession(session store.SessionRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = &session
}

func (f *fakeStoreClient) setParticipants(participants []store.ParticipantRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.participants = participants
}

func (f *fakeStoreClient) remainingInsertErrs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.insertErrs)
}

func (f *fakeStoreClient) insertedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

func (f *fakeStoreClient) upsertedRecords() []store.ParticipantRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.ParticipantRecord, len(f.upserted))
	copy(out, f.upserted)
	return out
}

// fakeRealtimeChannel records channel interactions.
type fakeRealtimeChannel struct {
	mu         sync.Mutex
	topic      string
	cfg        realtime.ChannelConfig
	tracked    []realtime.PresenceMeta
	broadcasts []interface{}
	keys       []string
	left       bool
}

func (f *fakeRealtimeChannel) Track(ctx context.Context, meta realtime.PresenceMeta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked = append(f.tracked, meta)
	return nil
}

func (f *fakeRealtimeChannel) Broadcast(ctx context.Context, event string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, payload)
	return nil
}

func (f *fakeRealtimeChannel) PresenceKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.keys))
	copy(out, f.keys)
	return out
}

func (f *fakeRealtimeChannel) Leave(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = true
	return nil
}

func (f *fakeRealtimeChannel) setKeys(keys []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = keys
}

func (f *fakeRealtimeChannel) wasLeft() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.left
}

// fakeRealtimeConn is a programmable RealtimeConn.
type fakeRealtimeConn struct {
	mu         sync.Mutex
	connectErr error
	joinErr    error
	channels   map[string]*fakeRealtimeChannel
	onError    func(error)
	closed     bool
}

func newFakeRealtimeConn() *fakeRealtimeConn {
	return &fakeRealtimeConn{channels: make(map[string]*fakeRealtimeChannel)}
}

func (f *fakeRealtimeConn) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectErr
}

func (f *fakeRealtimeConn) Join(ctx context.Context, cfg realtime.ChannelConfig) (RealtimeChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return nil, f.joinErr
	}
	ch := &fakeRealtimeChannel{topic: cfg.Topic, cfg: cfg}
	f.channels[cfg.Topic] = ch
	return ch, nil
}

func (f *fakeRealtimeConn) OnError(fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onError = fn
}

func (f *fakeRealtimeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeRealtimeConn) failLink(err error) {
	f.mu.Lock()
	fn := f.onError
	f.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (f *fakeRealtimeConn) channel(topic string) *fakeRealtimeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[topic]
}

func (f *fakeRealtimeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeConnFactory hands out connections and remembers them.
type fakeConnFactory struct {
	mu         sync.Mutex
	conns      []*fakeRealtimeConn
	connectErr error
}

func (f *fakeConnFactory) factory() RealtimeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn := newFakeRealtimeConn()
	conn.connectErr = f.connectErr
	f.conns = append(f.conns, conn)
	return conn
}

func (f *fakeConnFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeConnFactory) last() *fakeRealtimeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

// fakeProbe reports a settable connectivity result.
type fakeProbe struct {
	mu     sync.Mutex
	online bool
}

func (f *fakeProbe) Check(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeProbe) set(online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = online
}
