package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/voxline/voxsync/internal/schema"
)

// Mutation statuses.
const (
	MutationPending = "pending"
	MutationFailed  = "failed"
)

// Mutation is a local change waiting to be pushed to the remote API.
type Mutation struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Key       string          `json:"key"` // idempotency key
	Payload   json.RawMessage `json:"payload"`
	Status    string          `json:"status"`
	Retries   int             `json:"retries"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// EnqueueMutation queues a mutation for the next push.
//
// Mutations are keyed: enqueueing an existing key replaces its payload and
// puts it back to pending (a failed mutation gets its retries reset), so
// repeated local edits collapse into one push.
func (db *DB) EnqueueMutation(ctx context.Context, kind, key string, payload any) (*Mutation, error) {
	if kind == "" || key == "" {
		return nil, fmt.Errorf("mutation kind and key are required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}

	now := db.nowMilli()
	query := `
	INSERT INTO outbox (id, kind, key, payload, status, retries, created_at, updated_at)
	VALUES (?, ?, ?, ?, 'pending', 0, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		payload = excluded.payload,
		retries = CASE WHEN outbox.status = 'failed' THEN 0 ELSE outbox.retries END,
		status = 'pending',
		updated_at = excluded.updated_at
	`
	if _, err := db.conn.ExecContext(ctx, query, uuid.NewString(), kind, key, string(data), now, now); err != nil {
		return nil, fmt.Errorf("failed to enqueue %s: %w", kind, err)
	}

	row := db.conn.QueryRowContext(ctx, `SELECT `+mutationColumns+` FROM outbox WHERE key = ?`, key)
	return scanMutation(row)
}

// PendingMutations returns up to limit pending mutations, oldest first.
func (db *DB) PendingMutations(ctx context.Context, limit int) ([]*Mutation, error) {
	return db.listMutations(ctx, MutationPending, limit)
}

// FailedMutations returns mutations that exhausted their retries.
func (db *DB) FailedMutations(ctx context.Context, limit int) ([]*Mutation, error) {
	return db.listMutations(ctx, MutationFailed, limit)
}

func (db *DB) listMutations(ctx context.Context, status string, limit int) ([]*Mutation, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+mutationColumns+` FROM outbox WHERE status = ? ORDER BY created_at ASC, rowid ASC LIMIT ?`,
		status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s mutations: %w", status, err)
	}
	defer rows.Close()

	var out []*Mutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AckMutation removes a mutation the remote API accepted.
func (db *DB) AckMutation(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to ack mutation %s: %w", id, err)
	}
	return nil
}

// NackMutation records a failed push attempt. Once retries reach maxRetries
// the mutation is parked as failed and no longer returned by
// PendingMutations. The resulting status is returned.
func (db *DB) NackMutation(ctx context.Context, id string, cause error, maxRetries int) (string, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	query := `
	UPDATE outbox SET
		retries = retries + 1,
		last_error = ?,
		status = CASE WHEN retries + 1 >= ? THEN 'failed' ELSE 'pending' END,
		updated_at = ?
	WHERE id = ?
	RETURNING status
	`
	var status string
	err := db.conn.QueryRowContext(ctx, query, msg, maxRetries, db.nowMilli(), id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("mutation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to nack mutation %s: %w", id, err)
	}
	return status, nil
}

const mutationColumns = `id, kind, key, payload, status, retries, last_error, created_at, updated_at`

func scanMutation(s rowScanner) (*Mutation, error) {
	var (
		m                    Mutation
		payload              string
		createdAt, updatedAt int64
	)
	err := s.Scan(&m.ID, &m.Kind, &m.Key, &payload, &m.Status, &m.Retries, &m.LastError, &createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan mutation: %w", err)
	}
	m.Payload = json.RawMessage(payload)
	m.CreatedAt = schema.FromUnixMilli(createdAt)
	m.UpdatedAt = schema.FromUnixMilli(updatedAt)
	return &m, nil
}
