package service

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"pairlink/internal/database"
	"pairlink/internal/models"
	"pairlink/pkg/realtime"
	"pairlink/pkg/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clientFixture struct {
	client  *SyncClient
	remote  *fakeStoreClient
	factory *fakeConnFactory
	probe   *fakeProbe
	db      *database.Database
}

func setupSyncClient(t *testing.T) *clientFixture {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	remote := &fakeStoreClient{}
	factory := &fakeConnFactory{}
	probe := &fakeProbe{online: true}

	registry := NewParticipantRegistry(remote, nil)
	outbox := NewMessageOutbox(db, remote, testBackoff(5), testOutboxConfig(), nil)
	presence := NewPresenceTracker(registry, time.Hour, nil)
	supervisor := NewConnectionSupervisor(factory.factory, supervisorBackoff(5), nil)
	monitor := NewNetworkMonitor(probe, time.Hour, nil)

	client := NewSyncClient(supervisor, outbox, presence, registry, monitor, nil)
	t.Cleanup(func() { client.Cleanup(context.Background()) })

	return &clientFixture{client: client, remote: remote, factory: factory, probe: probe, db: db}
}

func (f *clientFixture) initialize(t *testing.T) {
	t.Helper()
	require.NoError(t, f.client.InitializeSession(context.Background(), "s1", "u1"))
}

func TestInitializeSession(t *testing.T) {
	f := setupSyncClient(t)
	f.initialize(t)

	assert.Equal(t, models.ConnectionConnected, f.client.ConnectionState())

	// The participant row was upserted as online.
	records := f.remote.upsertedRecords()
	require.NotEmpty(t, records)
	assert.True(t, records[0].IsOnline)

	// Presence is tracked on the session channel.
	conn := f.factory.last()
	require.NotNil(t, conn)
	session := conn.channel("session:s1")
	require.NotNil(t, session)
	session.mu.Lock()
	require.Len(t, session.tracked, 1)
	assert.Equal(t, "u1", session.tracked[0].UserID)
	session.mu.Unlock()
}

func TestInitializeSessionValidatesInput(t *testing.T) {
	f := setupSyncClient(t)
	ctx := context.Background()

	assert.Error(t, f.client.InitializeSession(ctx, "", "u1"))
	assert.Error(t, f.client.InitializeSession(ctx, "s1", ""))
}

func TestSendMessageDelivers(t *testing.T) {
	f := setupSyncClient(t)
	f.initialize(t)

	delivered := make(chan models.Message, 1)
	f.client.SubscribeToDelivery(func(msg models.Message) { delivered <- msg })

	msg, err := f.client.SendMessage(context.Background(), "hello partner", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.SequenceNumber)

	select {
	case got := <-delivered:
		assert.Equal(t, msg.ID, got.ID)
		assert.True(t, got.IsDelivered)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}
	assert.Equal(t, 1, f.remote.insertedCount())
}

func TestIncomingPartnerMessage(t *testing.T) {
	f := setupSyncClient(t)
	f.initialize(t)

	received := make(chan models.Message, 2)
	f.client.SubscribeToMessages(func(msg models.Message) { received <- msg })

	changes := f.factory.last().channel("changes:s1")
	require.NotNil(t, changes)

	partnerRow, err := json.Marshal(store.MessageRecord{
		ID:             "3e6fd40e-56a5-4a7a-9b36-2b6e54ac4f0a",
		SessionID:      "s1",
		SenderID:       "u2",
		OriginalText:   "hi there",
		Timestamp:      time.Now(),
		SequenceNumber: 1,
	})
	require.NoError(t, err)

	changes.cfg.OnChange(realtime.ChangeEvent{
		Action: realtime.ChangeInsert,
		Table:  "messages",
		Record: partnerRow,
	})

	select {
	case msg := <-received:
		assert.Equal(t, "u2", msg.SenderID)
		assert.Equal(t, "hi there", msg.OriginalText)
		assert.True(t, msg.IsDelivered)
	case <-time.After(time.Second):
		t.Fatal("partner message was not dispatched")
	}
}

func TestIncomingPartnerUpdateDeliversTranslation(t *testing.T) {
	f := setupSyncClient(t)
	f.initialize(t)

	received := make(chan models.Message, 1)
	f.client.SubscribeToMessages(func(msg models.Message) { received <- msg })

	changes := f.factory.last().channel("changes:s1")
	require.NotNil(t, changes)

	translated := "hola"
	updatedRow, err := json.Marshal(store.MessageRecord{
		ID:             "3e6fd40e-56a5-4a7a-9b36-2b6e54ac4f0a",
		SessionID:      "s1",
		SenderID:       "u2",
		OriginalText:   "hello",
		TranslatedText: &translated,
		Timestamp:      time.Now(),
		SequenceNumber: 1,
	})
	require.NoError(t, err)

	changes.cfg.OnChange(realtime.ChangeEvent{
		Action: realtime.ChangeUpdate,
		Table:  "messages",
		Record: updatedRow,
	})

	select {
	case msg := <-received:
		require.NotNil(t, msg.TranslatedText)
		assert.Equal(t, "hola", *msg.TranslatedText)
	case <-time.After(time.Second):
		t.Fatal("partner update was not dispatched")
	}
}

func TestIncomingSelfEchoIsDropped(t *testing.T) {
	f := setupSyncClient(t)
	f.initialize(t)

	received := make(chan models.Message, 1)
	f.client.SubscribeToMessages(func(msg models.Message) { received <- msg })

	changes := f.factory.last().channel("changes:s1")
	ownRow, err := json.Marshal(store.MessageRecord{
		ID:        "3e6fd40e-56a5-4a7a-9b36-2b6e54ac4f0a",
		SessionID: "s1",
		SenderID:  "u1",
	})
	require.NoError(t, err)

	changes.cfg.OnChange(realtime.ChangeEvent{
		Action: realtime.ChangeInsert,
		Table:  "messages",
		Record: ownRow,
	})

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, received)
}

func TestActivityBroadcastRoundTrip(t *testing.T) {
	f := setupSyncClient(t)
	f.initialize(t)

	activities := make(chan models.ActivityEvent, 1)
	f.client.SubscribeToActivity(func(ev models.ActivityEvent) { activities <- ev })

	// Outgoing broadcast lands on the session channel.
	require.NoError(t, f.client.BroadcastActivity(context.Background(), models.ActivityRecording))
	session := f.factory.last().channel("session:s1")
	session.mu.Lock()
	require.Len(t, session.broadcasts, 1)
	sent := session.broadcasts[0].(models.ActivityEvent)
	session.mu.Unlock()
	assert.Equal(t, "u1", sent.UserID)
	assert.Equal(t, models.ActivityRecording, sent.Activity)

	// Incoming partner broadcast reaches subscribers.
	payload, err := json.Marshal(models.ActivityEvent{
		UserID:    "u2",
		SessionID: "s1",
		Activity:  models.ActivityTyping,
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
	session.cfg.OnBroadcast["activity"](payload)

	select {
	case ev := <-activities:
		assert.Equal(t, "u2", ev.UserID)
		assert.Equal(t, models.ActivityTyping, ev.Activity)
	case <-time.After(time.Second):
		t.Fatal("activity broadcast was not dispatched")
	}
}

func TestBroadcastActivityRejectsUnknownState(t *testing.T) {
	f := setupSyncClient(t)
	f.initialize(t)

	assert.Error(t, f.client.BroadcastActivity(context.Background(), "dancing"))
}

func TestReconnectPreservesSubscriptions(t *testing.T) {
	f := setupSyncClient(t)
	f.initialize(t)

	received := make(chan models.Message, 1)
	f.client.SubscribeToMessages(func(msg models.Message) { received <- msg })

	require.NoError(t, f.client.Reconnect(context.Background()))
	assert.Equal(t, 2, f.factory.count())
	assert.Equal(t, models.ConnectionConnected, f.client.ConnectionState())

	// The handler registered before the reconnect still fires on the
	// fresh connection's channel.
	changes := f.factory.last().channel("changes:s1")
	require.NotNil(t, changes)

	partnerRow, err := json.Marshal(store.MessageRecord{
		ID:        "4f7fd40e-56a5-4a7a-9b36-2b6e54ac4f0b",
		SessionID: "s1",
		SenderID:  "u2",
	})
	require.NoError(t, err)
	changes.cfg.OnChange(realtime.ChangeEvent{
		Action: realtime.ChangeInsert,
		Table:  "messages",
		Record: partnerRow,
	})

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("subscription did not survive the reconnect")
	}
}

func TestQueuedMessagesFlushAfterReconnect(t *testing.T) {
	f := setupSyncClient(t)
	f.initialize(t)

	delivered := make(chan models.Message, 1)
	f.client.SubscribeToDelivery(func(msg models.Message) { delivered <- msg })

	// Take the link down and queue while offline.
	f.client.supervisor.HandleNetworkOffline()
	require.Eventually(t, func() bool {
		return f.client.ConnectionState() == models.ConnectionDisconnected
	}, time.Second, 5*time.Millisecond)

	msg, err := f.client.SendMessage(context.Background(), "queued offline", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, f.remote.insertedCount())

	f.client.supervisor.HandleNetworkOnline()

	select {
	case got := <-delivered:
		assert.Equal(t, msg.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("queued message was not flushed after reconnect")
	}
}

func TestCleanup(t *testing.T) {
	f := setupSyncClient(t)
	f.initialize(t)

	ctx := context.Background()
	f.client.Cleanup(ctx)

	assert.Equal(t, models.ConnectionDisconnected, f.client.ConnectionState())
	assert.True(t, f.factory.last().isClosed())

	// The participant row was marked offline exactly once.
	records := f.remote.upsertedRecords()
	offline := 0
	for _, r := range records {
		if !r.IsOnline {
			offline++
		}
	}
	assert.Equal(t, 1, offline)

	// Idempotent.
	f.client.Cleanup(ctx)
	records = f.remote.upsertedRecords()
	offline = 0
	for _, r := range records {
		if !r.IsOnline {
			offline++
		}
	}
	assert.Equal(t, 1, offline)
}

func TestQueueSurvivesCleanup(t *testing.T) {
	f := setupSyncClient(t)
	f.initialize(t)
	ctx := context.Background()

	f.client.supervisor.HandleNetworkOffline()
	_, err := f.client.SendMessage(ctx, "still queued", nil)
	require.NoError(t, err)

	f.client.Cleanup(ctx)

	count, err := f.db.CountEntries(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
