package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/voxline/voxsync/internal/schema"
)

const messageColumns = `message_id, conversation_id, timestamp, uid, audio_url, is_read`

// UpsertMessage inserts or updates a single message.
func (db *DB) UpsertMessage(msg *schema.Message) error {
	return db.UpsertMessageContext(context.Background(), msg)
}

// UpsertMessageContext inserts or updates a message with context support.
//
// An unknown conversation gets a stub row (is_cached = 0) so the message is
// kept until the full conversation arrives. The message id is appended to the
// conversation's list and last_message_ts is recomputed. is_read never goes
// from true back to false here; see SetMessageReadLocal.
func (db *DB) UpsertMessageContext(ctx context.Context, msg *schema.Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertMessage(ctx, tx, msg); err != nil {
		return err
	}
	if err := appendMessageID(ctx, tx, msg.ConversationID, msg.MessageID); err != nil {
		return err
	}
	if _, err := db.recomputeLastMessage(ctx, tx, msg.ConversationID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func upsertMessage(ctx context.Context, tx *sql.Tx, msg *schema.Message) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (conversation_id) VALUES (?) ON CONFLICT(conversation_id) DO NOTHING`,
		msg.ConversationID,
	); err != nil {
		return fmt.Errorf("failed to create conversation stub %s: %w", msg.ConversationID, err)
	}

	query := `
	INSERT INTO messages (` + messageColumns + `)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(message_id) DO UPDATE SET
		conversation_id = excluded.conversation_id,
		timestamp = excluded.timestamp,
		uid = excluded.uid,
		audio_url = excluded.audio_url,
		is_read = MAX(messages.is_read, excluded.is_read)
	`
	_, err := tx.ExecContext(ctx, query,
		msg.MessageID,
		msg.ConversationID,
		schema.UnixMilli(msg.Timestamp),
		msg.UID,
		msg.AudioURL,
		boolToInt(msg.IsRead),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert message %s: %w", msg.MessageID, err)
	}
	return nil
}

func appendMessageID(ctx context.Context, tx *sql.Tx, conversationID, messageID string) error {
	var raw sql.NullString
	if err := tx.QueryRowContext(ctx,
		`SELECT message_ids FROM conversations WHERE conversation_id = ?`, conversationID,
	).Scan(&raw); err != nil {
		return fmt.Errorf("failed to read message ids of %s: %w", conversationID, err)
	}

	ids, _ := decodeIDs(json.RawMessage(raw.String))
	for _, id := range ids {
		if id == messageID {
			return nil
		}
	}
	data, err := json.Marshal(append(ids, messageID))
	if err != nil {
		return fmt.Errorf("failed to marshal message ids: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET message_ids = ? WHERE conversation_id = ?`,
		string(data), conversationID,
	); err != nil {
		return fmt.Errorf("failed to append message %s to %s: %w", messageID, conversationID, err)
	}
	return nil
}

// MarkMessageReadLocal sets is_read on a cached message.
func (db *DB) MarkMessageReadLocal(messageID string) (bool, error) {
	return db.MarkMessageReadLocalContext(context.Background(), messageID)
}

// MarkMessageReadLocalContext sets is_read with context support.
// It reports false, without error, when the message is not cached.
func (db *DB) MarkMessageReadLocalContext(ctx context.Context, messageID string) (bool, error) {
	return db.SetMessageReadLocal(ctx, messageID, true)
}

// SetMessageReadLocal writes is_read unconditionally. This is the rollback
// path for a failed remote mark-as-read and the only way is_read returns to
// false. It reports whether a cached message matched.
func (db *DB) SetMessageReadLocal(ctx context.Context, messageID string, isRead bool) (bool, error) {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE messages SET is_read = ? WHERE message_id = ?`,
		boolToInt(isRead), messageID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update read state of %s: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to update read state of %s: %w", messageID, err)
	}
	return n > 0, nil
}

// GetMessage returns a cached message or ErrNotFound.
func (db *DB) GetMessage(ctx context.Context, messageID string) (*schema.Message, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE message_id = ?`, messageID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	return m, err
}

// MessagesForConversation returns cached messages in display order.
func (db *DB) MessagesForConversation(ctx context.Context, conversationID string) ([]schema.Message, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY timestamp ASC, message_id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages of %s: %w", conversationID, err)
	}
	defer rows.Close()

	msgs := []schema.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// UnreadCount counts messages in the conversation that uid received and has
// not read.
func (db *DB) UnreadCount(ctx context.Context, conversationID, uid string) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND uid != ? AND is_read = 0`,
		conversationID, uid,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread messages of %s: %w", conversationID, err)
	}
	return n, nil
}

func scanMessage(s rowScanner) (*schema.Message, error) {
	var (
		m      schema.Message
		ts     int64
		isRead int
	)
	if err := s.Scan(&m.MessageID, &m.ConversationID, &ts, &m.UID, &m.AudioURL, &isRead); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	m.Timestamp = schema.FromUnixMilli(ts)
	m.IsRead = isRead == 1
	return &m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
