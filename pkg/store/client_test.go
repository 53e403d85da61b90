package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(Options{
		BaseURL: srv.URL,
		APIKey:  "test-key",
		Timeout: 5 * time.Second,
	})
}

func sampleMessage() MessageRecord {
	return MessageRecord{
		ID:             "3e6fd40e-56a5-4a7a-9b36-2b6e54ac4f0a",
		SessionID:      "s1",
		SenderID:       "u1",
		OriginalText:   "hello",
		Timestamp:      time.Now(),
		SequenceNumber: 1,
	}
}

func TestInsertMessage_Created(t *testing.T) {
	var gotPath, gotAuth, gotAPIKey string
	var gotBody MessageRecord

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotAPIKey = r.Header.Get("apikey")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
	})

	msg := sampleMessage()
	require.NoError(t, client.InsertMessage(context.Background(), msg))

	assert.Equal(t, "/rest/v1/messages", gotPath)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "test-key", gotAPIKey)
	assert.Equal(t, msg.ID, gotBody.ID)
	assert.Equal(t, msg.SequenceNumber, gotBody.SequenceNumber)
}

func TestInsertMessage_ConflictIsDuplicate(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	err := client.InsertMessage(context.Background(), sampleMessage())
	assert.True(t, IsDuplicate(err))
	assert.False(t, IsTransient(err))
	assert.False(t, IsConstraint(err))
}

func TestInsertMessage_ServerErrorIsTransient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := client.InsertMessage(context.Background(), sampleMessage())
	assert.True(t, IsTransient(err))
}

func TestInsertMessage_RateLimitIsTransient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	err := client.InsertMessage(context.Background(), sampleMessage())
	assert.True(t, IsTransient(err))
}

func TestInsertMessage_UnprocessableIsConstraint(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"foreign key violation"}`))
	})

	err := client.InsertMessage(context.Background(), sampleMessage())
	require.True(t, IsConstraint(err))
	assert.Contains(t, err.Error(), "foreign key violation")
}

func TestInsertMessage_ConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := NewClient(Options{BaseURL: url, Timeout: time.Second})
	err := client.InsertMessage(context.Background(), sampleMessage())
	assert.True(t, IsTransient(err))
}

func TestUpsertParticipant(t *testing.T) {
	var gotQuery, gotPrefer string

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotPrefer = r.Header.Get("Prefer")
		w.WriteHeader(http.StatusCreated)
	})

	err := client.UpsertParticipant(context.Background(), ParticipantRecord{
		SessionID: "s1",
		UserID:    "u1",
		IsOnline:  true,
		LastSeen:  time.Now(),
	})
	require.NoError(t, err)

	assert.Contains(t, gotQuery, "on_conflict=session_id%2Cuser_id")
	assert.Contains(t, gotPrefer, "merge-duplicates")
}

func TestUpsertParticipant_ConflictIsSuccess(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	err := client.UpsertParticipant(context.Background(), ParticipantRecord{SessionID: "s1", UserID: "u1"})
	assert.NoError(t, err)
}

func TestQueryParticipants(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/participants", r.URL.Path)
		assert.Equal(t, "eq.s1", r.URL.Query().Get("session_id"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]ParticipantRecord{
			{SessionID: "s1", UserID: "u1", IsOnline: true},
			{SessionID: "s1", UserID: "u2", IsOnline: false},
		})
	})

	participants, err := client.QueryParticipants(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, participants, 2)
	assert.Equal(t, "u1", participants[0].UserID)
	assert.True(t, participants[0].IsOnline)
	assert.False(t, participants[1].IsOnline)
}

func TestLookupSession(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/sessions", r.URL.Path)
		assert.Equal(t, "eq.ABC123", r.URL.Query().Get("code"))
		assert.Equal(t, "1", r.URL.Query().Get("limit"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]SessionRecord{
			{ID: "s1", Code: "ABC123", Active: true},
		})
	})

	session, err := client.LookupSession(context.Background(), "ABC123")
	require.NoError(t, err)
	assert.Equal(t, "s1", session.ID)
	assert.True(t, session.Active)
}

func TestLookupSession_NotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("[]"))
	})

	_, err := client.LookupSession(context.Background(), "NOSUCH")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestLookupSession_ServerErrorIsTransient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := client.LookupSession(context.Background(), "ABC123")
	assert.True(t, IsTransient(err))
}

func TestBreakerOpensAndReportsTransient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	ctx := context.Background()

	// Five consecutive failures trip the breaker.
	for i := 0; i < 5; i++ {
		err := client.InsertMessage(ctx, sampleMessage())
		assert.True(t, IsTransient(err))
	}

	// Rejected calls surface as transient so the outbox keeps retrying.
	err := client.InsertMessage(ctx, sampleMessage())
	assert.True(t, IsTransient(err))
}
