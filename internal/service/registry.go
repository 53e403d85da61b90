package service

import (
	"context"
	"fmt"
	"time"

	"pairlink/internal/models"
	"pairlink/internal/privacy"
	"pairlink/internal/validation"
	"pairlink/pkg/store"

	"github.com/sirupsen/logrus"
)

// ParticipantRegistry maintains each participant's row in the remote
// store. Joining an already-joined session refreshes the existing row;
// a key conflict is success.
type ParticipantRegistry struct {
	remote store.Client
	logger *logrus.Logger
}

func NewParticipantRegistry(remote store.Client, logger *logrus.Logger) *ParticipantRegistry {
	if logger == nil {
		logger = logrus.New()
	}
	return &ParticipantRegistry{remote: remote, logger: logger}
}

// Join marks the user online in the session.
func (r *ParticipantRegistry) Join(ctx context.Context, sessionID, userID string) error {
	if err := validation.ValidateSessionID(sessionID); err != nil {
		return err
	}
	if err := validation.ValidateUserID(userID); err != nil {
		return err
	}

	err := r.remote.UpsertParticipant(ctx, store.ParticipantRecord{
		SessionID: sessionID,
		UserID:    userID,
		IsOnline:  true,
		LastSeen:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to join session: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"user_id":    privacy.MaskUserID(userID),
	}).Info("Participant joined session")
	return nil
}

// MarkOffline records the user as offline. Called during cleanup; a
// failure is logged but does not block teardown.
func (r *ParticipantRegistry) MarkOffline(ctx context.Context, sessionID, userID string) error {
	err := r.remote.UpsertParticipant(ctx, store.ParticipantRecord{
		SessionID: sessionID,
		UserID:    userID,
		IsOnline:  false,
		LastSeen:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to mark participant offline: %w", err)
	}
	return nil
}

// ResolveSession resolves a pairing code to its session. Inactive and
// expired sessions resolve with an error so the caller never joins a
// dead session by code.
func (r *ParticipantRegistry) ResolveSession(ctx context.Context, code string) (models.Session, error) {
	if err := validation.ValidateSessionCode(code); err != nil {
		return models.Session{}, err
	}

	record, err := r.remote.LookupSession(ctx, code)
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to resolve session code: %w", err)
	}

	session := models.Session{
		ID:        record.ID,
		Code:      record.Code,
		CreatedAt: record.CreatedAt,
		ExpiresAt: record.ExpiresAt,
		Active:    record.Active,
	}
	if !session.Active {
		return models.Session{}, fmt.Errorf("session %s is no longer active", session.ID)
	}
	if !session.ExpiresAt.IsZero() && time.Now().After(session.ExpiresAt) {
		return models.Session{}, fmt.Errorf("session %s expired at %s", session.ID, session.ExpiresAt.Format(time.RFC3339))
	}
	return session, nil
}

// List returns all participants in the session.
func (r *ParticipantRegistry) List(ctx context.Context, sessionID string) ([]models.Participant, error) {
	records, err := r.remote.QueryParticipants(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}

	participants := make([]models.Participant, 0, len(records))
	for _, rec := range records {
		participants = append(participants, models.Participant{
			SessionID: rec.SessionID,
			UserID:    rec.UserID,
			IsOnline:  rec.IsOnline,
			LastSeen:  rec.LastSeen,
		})
	}
	return participants, nil
}

// PartnerOnline reports whether any participant other than selfID is
// marked online in the session. A session holds a partner only once
// both rows exist; a lone foreign row before the local join lands does
// not count.
func (r *ParticipantRegistry) PartnerOnline(ctx context.Context, sessionID, selfID string) (bool, error) {
	participants, err := r.remote.QueryParticipants(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to query participants: %w", err)
	}
	if len(participants) < 2 {
		return false, nil
	}

	for _, p := range participants {
		if p.UserID != selfID && p.IsOnline {
			return true, nil
		}
	}
	return false, nil
}
