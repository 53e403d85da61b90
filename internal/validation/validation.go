package validation

import (
	"fmt"
	"strings"
	"unicode"

	"pairlink/internal/constants"
	"pairlink/internal/errors"
	"pairlink/internal/models"

	"github.com/google/uuid"
)

// ValidateMessageText rejects messages that must never be queued:
// empty (after trimming) or oversized text.
func ValidateMessageText(text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New(errors.ErrCodeValidation, "message text cannot be empty")
	}

	if len(text) > constants.MaxMessageTextLength {
		return errors.New(errors.ErrCodeValidation,
			fmt.Sprintf("message text too long (max %d characters)", constants.MaxMessageTextLength))
	}

	return nil
}

// ValidateMessageID checks that an id is a well-formed UUID. Entries
// loaded from the persisted outbox that fail this check are discarded.
func ValidateMessageID(messageID string) error {
	if messageID == "" {
		return errors.New(errors.ErrCodeValidation, "message ID cannot be empty")
	}

	if _, err := uuid.Parse(messageID); err != nil {
		return errors.Wrap(err, errors.ErrCodeValidation, "message ID is not a well-formed UUID")
	}

	return nil
}

// ValidateSessionID validates session identifier format and length
func ValidateSessionID(sessionID string) error {
	if sessionID == "" {
		return errors.New(errors.ErrCodeValidation, "session ID cannot be empty")
	}

	if len(sessionID) > constants.MaxSessionIDLength {
		return errors.New(errors.ErrCodeValidation,
			fmt.Sprintf("session ID too long (max %d characters)", constants.MaxSessionIDLength))
	}

	for _, char := range sessionID {
		if char == '\x00' || char == '\n' || char == '\r' || char == '\t' {
			return errors.New(errors.ErrCodeValidation, "session ID contains invalid characters")
		}
	}

	return nil
}

// ValidateUserID validates user identifier format and length
func ValidateUserID(userID string) error {
	if userID == "" {
		return errors.New(errors.ErrCodeValidation, "user ID cannot be empty")
	}

	if len(userID) > constants.MaxUserIDLength {
		return errors.New(errors.ErrCodeValidation,
			fmt.Sprintf("user ID too long (max %d characters)", constants.MaxUserIDLength))
	}

	for _, char := range userID {
		if char == '\x00' || char == '\n' || char == '\r' || char == '\t' {
			return errors.New(errors.ErrCodeValidation, "user ID contains invalid characters")
		}
	}

	return nil
}

// ValidateSessionCode validates the short human-entered pairing code.
func ValidateSessionCode(code string) error {
	if code == "" {
		return errors.New(errors.ErrCodeValidation, "session code cannot be empty")
	}

	if len(code) > constants.MaxSessionCodeLength {
		return errors.New(errors.ErrCodeValidation,
			fmt.Sprintf("session code too long (max %d characters)", constants.MaxSessionCodeLength))
	}

	for _, char := range code {
		if !unicode.IsLetter(char) && !unicode.IsDigit(char) {
			return errors.New(errors.ErrCodeValidation, "session code must be alphanumeric")
		}
	}

	return nil
}

// ValidateActivity checks the broadcast activity value.
func ValidateActivity(activity models.ActivityState) error {
	if !models.ValidActivity(activity) {
		return errors.New(errors.ErrCodeValidation,
			fmt.Sprintf("unknown activity state: %s", activity))
	}
	return nil
}
