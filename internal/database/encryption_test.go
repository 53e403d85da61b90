package database

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptorDisabledPassesThrough(t *testing.T) {
	t.Setenv("PAIRLINK_ENABLE_ENCRYPTION", "false")

	enc, err := newEncryptor()
	require.NoError(t, err)

	sealed, err := enc.encrypt("hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", sealed)

	plain, err := enc.decrypt("hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", plain)
}

func TestEncryptorRoundTrip(t *testing.T) {
	t.Setenv("PAIRLINK_ENABLE_ENCRYPTION", "true")
	t.Setenv("PAIRLINK_ENCRYPTION_SECRET", strings.Repeat("s", 32))

	enc, err := newEncryptor()
	require.NoError(t, err)

	sealed, err := enc.encrypt("secret text")
	require.NoError(t, err)
	assert.NotEqual(t, "secret text", sealed)

	plain, err := enc.decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "secret text", plain)

	// Random nonces make repeated encryptions differ.
	again, err := enc.encrypt("secret text")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again)
}

func TestEncryptorRejectsWeakSecret(t *testing.T) {
	t.Setenv("PAIRLINK_ENABLE_ENCRYPTION", "true")

	t.Setenv("PAIRLINK_ENCRYPTION_SECRET", "")
	_, err := newEncryptor()
	assert.Error(t, err)

	t.Setenv("PAIRLINK_ENCRYPTION_SECRET", "short")
	_, err = newEncryptor()
	assert.Error(t, err)
}

func TestEncryptorRejectsCorruptCiphertext(t *testing.T) {
	t.Setenv("PAIRLINK_ENABLE_ENCRYPTION", "true")
	t.Setenv("PAIRLINK_ENCRYPTION_SECRET", strings.Repeat("s", 32))

	enc, err := newEncryptor()
	require.NoError(t, err)

	_, err = enc.decrypt("not base64 at all!")
	assert.Error(t, err)

	_, err = enc.decrypt("c2hvcnQ=")
	assert.Error(t, err)
}

func TestDatabaseEncryptsTextAtRest(t *testing.T) {
	t.Setenv("PAIRLINK_ENABLE_ENCRYPTION", "true")
	t.Setenv("PAIRLINK_ENCRYPTION_SECRET", strings.Repeat("s", 32))

	db, err := New(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	entry := newEntry("s1", "u1", 1)
	entry.Message.OriginalText = "private note"
	require.NoError(t, db.SaveEntry(ctx, &entry))

	// The raw column never holds the plaintext.
	var stored string
	err = db.db.QueryRowContext(ctx,
		`SELECT original_text FROM outbox_entries WHERE message_id = ?`,
		entry.Message.ID).Scan(&stored)
	require.NoError(t, err)
	assert.NotEqual(t, "private note", stored)

	// Reads decrypt transparently.
	entries, err := db.ListEntries(ctx, entry.Message.SessionID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "private note", entries[0].Message.OriginalText)
}
