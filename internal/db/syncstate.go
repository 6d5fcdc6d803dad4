package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/voxline/voxsync/internal/schema"
)

// Well-known sync_state keys.
const (
	KeyPullCursor   = "pull_cursor"
	KeyLastSyncTime = "last_sync_time"
)

// GetSyncState reads a sync_state value. ok is false when the key is unset.
func (db *DB) GetSyncState(ctx context.Context, key string) (value string, ok bool, err error) {
	err = db.conn.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read sync state %s: %w", key, err)
	}
	return value, true, nil
}

// SetSyncState writes a sync_state value.
func (db *DB) SetSyncState(ctx context.Context, key, value string) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, db.nowMilli())
	if err != nil {
		return fmt.Errorf("failed to write sync state %s: %w", key, err)
	}
	return nil
}

// SyncTime reads a timestamp stored under key. Unset keys give the zero time.
func (db *DB) SyncTime(ctx context.Context, key string) (time.Time, error) {
	v, ok, err := db.GetSyncState(ctx, key)
	if err != nil || !ok {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt sync state %s=%q: %w", key, v, err)
	}
	return schema.FromUnixMilli(ms), nil
}

// SetSyncTime stores a timestamp under key.
func (db *DB) SetSyncTime(ctx context.Context, key string, t time.Time) error {
	return db.SetSyncState(ctx, key, strconv.FormatInt(schema.UnixMilli(t), 10))
}

type pullCursor struct {
	UpdatedAt      time.Time `json:"updated_at"`
	ConversationID string    `json:"conversation_id"`
}

// PullCursor returns the (updated_at, conversation id) position the last
// pull stopped at. An unset cursor gives the zero time and an empty id. A
// cursor written as bare unix milliseconds reads back with an empty id.
func (db *DB) PullCursor(ctx context.Context) (time.Time, string, error) {
	v, ok, err := db.GetSyncState(ctx, KeyPullCursor)
	if err != nil || !ok {
		return time.Time{}, "", err
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return schema.FromUnixMilli(ms), "", nil
	}
	var c pullCursor
	if err := json.Unmarshal([]byte(v), &c); err != nil {
		return time.Time{}, "", fmt.Errorf("corrupt sync state %s=%q: %w", KeyPullCursor, v, err)
	}
	return c.UpdatedAt.UTC(), c.ConversationID, nil
}

// SetPullCursor stores the pull position. The timestamp keeps full
// precision, since backends may stamp finer than a millisecond.
func (db *DB) SetPullCursor(ctx context.Context, at time.Time, conversationID string) error {
	data, err := json.Marshal(pullCursor{UpdatedAt: at.UTC(), ConversationID: conversationID})
	if err != nil {
		return fmt.Errorf("failed to encode pull cursor: %w", err)
	}
	return db.SetSyncState(ctx, KeyPullCursor, string(data))
}
