package service

import (
	"context"
	"testing"
	"time"

	"pairlink/pkg/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryJoin(t *testing.T) {
	remote := &fakeStoreClient{}
	registry := NewParticipantRegistry(remote, nil)

	require.NoError(t, registry.Join(context.Background(), "s1", "u1"))

	records := remote.upsertedRecords()
	require.Len(t, records, 1)
	assert.Equal(t, "s1", records[0].SessionID)
	assert.Equal(t, "u1", records[0].UserID)
	assert.True(t, records[0].IsOnline)
	assert.False(t, records[0].LastSeen.IsZero())
}

func TestRegistryJoinValidatesInput(t *testing.T) {
	registry := NewParticipantRegistry(&fakeStoreClient{}, nil)
	ctx := context.Background()

	assert.Error(t, registry.Join(ctx, "", "u1"))
	assert.Error(t, registry.Join(ctx, "s1", ""))
	assert.Error(t, registry.Join(ctx, "bad\nsession", "u1"))
}

func TestRegistryMarkOffline(t *testing.T) {
	remote := &fakeStoreClient{}
	registry := NewParticipantRegistry(remote, nil)

	require.NoError(t, registry.MarkOffline(context.Background(), "s1", "u1"))

	records := remote.upsertedRecords()
	require.Len(t, records, 1)
	assert.False(t, records[0].IsOnline)
}

func TestRegistryResolveSession(t *testing.T) {
	remote := &fakeStoreClient{}
	registry := NewParticipantRegistry(remote, nil)
	ctx := context.Background()

	remote.setSession(store.SessionRecord{
		ID:        "s1",
		Code:      "ABC123",
		ExpiresAt: time.Now().Add(time.Hour),
		Active:    true,
	})

	session, err := registry.ResolveSession(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, "s1", session.ID)
	assert.Equal(t, "ABC123", session.Code)

	_, err = registry.ResolveSession(ctx, "NOSUCH")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrSessionNotFound)

	// Codes are validated before any remote call.
	_, err = registry.ResolveSession(ctx, "bad code!")
	assert.Error(t, err)
}

func TestRegistryResolveSessionRejectsDeadSessions(t *testing.T) {
	remote := &fakeStoreClient{}
	registry := NewParticipantRegistry(remote, nil)
	ctx := context.Background()

	remote.setSession(store.SessionRecord{ID: "s1", Code: "ABC123", Active: false})
	_, err := registry.ResolveSession(ctx, "ABC123")
	assert.ErrorContains(t, err, "no longer active")

	remote.setSession(store.SessionRecord{
		ID:        "s1",
		Code:      "ABC123",
		ExpiresAt: time.Now().Add(-time.Minute),
		Active:    true,
	})
	_, err = registry.ResolveSession(ctx, "ABC123")
	assert.ErrorContains(t, err, "expired")
}

func TestRegistryList(t *testing.T) {
	remote := &fakeStoreClient{}
	registry := NewParticipantRegistry(remote, nil)

	remote.setParticipants([]store.ParticipantRecord{
		{SessionID: "s1", UserID: "u1", IsOnline: true, LastSeen: time.Now()},
		{SessionID: "s1", UserID: "u2", IsOnline: false},
	})

	participants, err := registry.List(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, participants, 2)
	assert.Equal(t, "u1", participants[0].UserID)
	assert.True(t, participants[0].IsOnline)
	assert.Equal(t, "u2", participants[1].UserID)
	assert.False(t, participants[1].IsOnline)
}

func TestRegistryPartnerOnline(t *testing.T) {
	remote := &fakeStoreClient{}
	registry := NewParticipantRegistry(remote, nil)
	ctx := context.Background()

	online, err := registry.PartnerOnline(ctx, "s1", "u1")
	require.NoError(t, err)
	assert.False(t, online)

	remote.setParticipants([]store.ParticipantRecord{
		{SessionID: "s1", UserID: "u1", IsOnline: true},
	})
	online, err = registry.PartnerOnline(ctx, "s1", "u1")
	require.NoError(t, err)
	assert.False(t, online, "self does not count as partner")

	// A lone foreign row before the local join upsert lands is not a
	// paired session yet.
	remote.setParticipants([]store.ParticipantRecord{
		{SessionID: "s1", UserID: "u2", IsOnline: true},
	})
	online, err = registry.PartnerOnline(ctx, "s1", "u1")
	require.NoError(t, err)
	assert.False(t, online)

	remote.setParticipants([]store.ParticipantRecord{
		{SessionID: "s1", UserID: "u1", IsOnline: true},
		{SessionID: "s1", UserID: "u2", IsOnline: true},
	})
	online, err = registry.PartnerOnline(ctx, "s1", "u1")
	require.NoError(t, err)
	assert.True(t, online)
}
