package privacy

import (
	"strings"

	"pairlink/internal/constants"
)

// MaskUserID masks a user identifier showing only the last 4 characters.
// Example: "9f2c4a1e-77b0-4c52-9d1a-3f8e12ab34cd" -> "****34cd"
func MaskUserID(userID string) string {
	if userID == "" {
		return ""
	}

	keep := constants.DefaultUserMaskLength
	if len(userID) <= keep {
		return strings.Repeat("*", len(userID))
	}
	return "****" + userID[len(userID)-keep:]
}

// MaskMessageID shortens a message ID for logs while keeping enough
// prefix to correlate with the remote store.
func MaskMessageID(messageID string) string {
	if messageID == "" {
		return ""
	}

	if len(messageID) > constants.DefaultMessageIDLogChars {
		return messageID[:constants.DefaultMessageIDLogChars] + "..."
	}
	return messageID
}

// MaskContent hides message text entirely; bodies never appear in
// non-verbose logs.
func MaskContent(content string) string {
	if content == "" {
		return ""
	}
	return "[hidden]"
}
