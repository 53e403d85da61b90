package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"pairlink/internal/migrations"
	"pairlink/internal/models"
	"pairlink/internal/security"
	"pairlink/internal/validation"

	_ "github.com/mattn/go-sqlite3"
)

// Database is the durable store behind the message outbox. One
// instance owns one sqlite file; no other component writes to it.
type Database struct {
	db  *sql.DB
	enc *encryptor
}

func New(dbPath string) (*Database, error) {
	if err := security.ValidateDatabasePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	enc, err := newEncryptor()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encryption: %w", err)
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(migrations.GetInitialSchema()); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Database{db: db, enc: enc}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// SaveEntry inserts a new queue entry.
func (d *Database) SaveEntry(ctx context.Context, entry *models.QueueEntry) error {
	query := `
		INSERT INTO outbox_entries (
			temp_id, message_id, session_id, sender_id, original_text,
			translated_text, message_timestamp, sequence_number,
			status, retry_count, last_attempt
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	originalText, err := d.enc.encrypt(entry.Message.OriginalText)
	if err != nil {
		return fmt.Errorf("failed to encrypt message text: %w", err)
	}
	translatedText, err := d.enc.encryptOptional(entry.Message.TranslatedText)
	if err != nil {
		return fmt.Errorf("failed to encrypt translated text: %w", err)
	}

	return retryableDBOperation(ctx, func() error {
		_, err := d.db.ExecContext(ctx, query,
			entry.TempID,
			entry.Message.ID,
			entry.Message.SessionID,
			entry.Message.SenderID,
			originalText,
			translatedText,
			entry.Message.Timestamp,
			entry.Message.SequenceNumber,
			entry.Status,
			entry.RetryCount,
			nullableTime(entry.LastAttempt),
		)
		return err
	}, "save outbox entry")
}

// UpdateEntry records a status transition for a queued message.
func (d *Database) UpdateEntry(ctx context.Context, messageID string, status models.QueueStatus, retryCount int, lastAttempt time.Time) error {
	query := `
		UPDATE outbox_entries
		SET status = ?, retry_count = ?, last_attempt = ?, updated_at = CURRENT_TIMESTAMP
		WHERE message_id = ?
	`

	return retryableDBOperation(ctx, func() error {
		result, err := d.db.ExecContext(ctx, query, status, retryCount, nullableTime(lastAttempt), messageID)
		if err != nil {
			return err
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get affected rows: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("no outbox entry with message ID: %s", messageID)
		}
		return nil
	}, "update outbox entry")
}

// DeleteEntry removes an entry after confirmed delivery or permanent
// failure.
func (d *Database) DeleteEntry(ctx context.Context, messageID string) error {
	return retryableDBOperation(ctx, func() error {
		_, err := d.db.ExecContext(ctx, `DELETE FROM outbox_entries WHERE message_id = ?`, messageID)
		return err
	}, "delete outbox entry")
}

// ListEntries returns all entries for a session in ascending sequence
// order.
func (d *Database) ListEntries(ctx context.Context, sessionID string) ([]models.QueueEntry, error) {
	query := `
		SELECT temp_id, message_id, session_id, sender_id, original_text,
			   translated_text, message_timestamp, sequence_number,
			   status, retry_count, last_attempt
		FROM outbox_entries
		WHERE session_id = ?
		ORDER BY sequence_number ASC
	`

	rows, err := d.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []models.QueueEntry
	for rows.Next() {
		var entry models.QueueEntry
		var lastAttempt sql.NullTime

		err := rows.Scan(
			&entry.TempID,
			&entry.Message.ID,
			&entry.Message.SessionID,
			&entry.Message.SenderID,
			&entry.Message.OriginalText,
			&entry.Message.TranslatedText,
			&entry.Message.Timestamp,
			&entry.Message.SequenceNumber,
			&entry.Status,
			&entry.RetryCount,
			&lastAttempt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		if lastAttempt.Valid {
			entry.LastAttempt = lastAttempt.Time
		}

		entry.Message.OriginalText, err = d.enc.decrypt(entry.Message.OriginalText)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt message text: %w", err)
		}
		entry.Message.TranslatedText, err = d.enc.decryptOptional(entry.Message.TranslatedText)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt translated text: %w", err)
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox entries: %w", err)
	}
	return entries, nil
}

// CountEntries returns the number of queued entries for a session.
func (d *Database) CountEntries(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox_entries WHERE session_id = ?`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count outbox entries: %w", err)
	}
	return count, nil
}

// EvictOldestPending deletes the n oldest pending entries by sequence
// number and returns how many were removed.
func (d *Database) EvictOldestPending(ctx context.Context, sessionID string, n int) (int, error) {
	query := `
		DELETE FROM outbox_entries
		WHERE message_id IN (
			SELECT message_id FROM outbox_entries
			WHERE session_id = ? AND status = ?
			ORDER BY sequence_number ASC
			LIMIT ?
		)
	`

	result, err := d.db.ExecContext(ctx, query, sessionID, models.QueueStatusPending, n)
	if err != nil {
		return 0, fmt.Errorf("failed to evict pending entries: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return int(rows), nil
}

// MaxSequence returns the highest sequence number this sender has
// assigned within the session, or 0 if none exist.
func (d *Database) MaxSequence(ctx context.Context, sessionID, senderID string) (int64, error) {
	var seq sql.NullInt64
	err := d.db.QueryRowContext(ctx,
		`SELECT MAX(sequence_number) FROM outbox_entries WHERE session_id = ? AND sender_id = ?`,
		sessionID, senderID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to read max sequence: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// PurgeMalformedEntries drops persisted entries whose message id is not
// a well-formed UUID. Stale or corrupted rows from older builds must
// not block the queue. Returns the number of rows removed.
func (d *Database) PurgeMalformedEntries(ctx context.Context, sessionID string) (int, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT message_id FROM outbox_entries WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to scan outbox for cleanup: %w", err)
	}

	var malformed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("failed to scan message id: %w", err)
		}
		if validation.ValidateMessageID(id) != nil {
			malformed = append(malformed, id)
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, fmt.Errorf("failed to iterate message ids: %w", err)
	}
	if err := rows.Close(); err != nil {
		return 0, fmt.Errorf("failed to close cleanup cursor: %w", err)
	}

	for _, id := range malformed {
		if _, err := d.db.ExecContext(ctx,
			`DELETE FROM outbox_entries WHERE message_id = ?`, id); err != nil {
			return 0, fmt.Errorf("failed to delete malformed entry: %w", err)
		}
	}

	return len(malformed), nil
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
