package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/voxline/voxsync/internal/schema"
)

// UpsertProfile stores a profile. The Conversations field is ignored: the
// membership index is derived, see RebuildProfileIndex.
func (db *DB) UpsertProfile(ctx context.Context, p *schema.Profile) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid profile: %w", err)
	}

	query := `
	INSERT INTO profiles (uid, name, profile_picture, email, user_code, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(uid) DO UPDATE SET
		name = excluded.name,
		profile_picture = excluded.profile_picture,
		email = excluded.email,
		user_code = excluded.user_code,
		updated_at = excluded.updated_at
	`
	_, err := db.conn.ExecContext(ctx, query,
		p.UID, p.Name, p.ProfilePicture, p.Email, p.UserCode, db.nowMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert profile %s: %w", p.UID, err)
	}
	return nil
}

// GetProfile returns a profile with its conversation list filled from the
// membership index.
func (db *DB) GetProfile(ctx context.Context, uid string) (*schema.Profile, error) {
	var p schema.Profile
	err := db.conn.QueryRowContext(ctx,
		`SELECT uid, name, profile_picture, email, user_code FROM profiles WHERE uid = ?`, uid,
	).Scan(&p.UID, &p.Name, &p.ProfilePicture, &p.Email, &p.UserCode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile %s: %w", uid, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile %s: %w", uid, err)
	}

	p.Conversations, err = db.ConversationIDsForUser(ctx, uid)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ConversationIDsForUser returns the conversations uid participates in,
// according to the membership index.
func (db *DB) ConversationIDsForUser(ctx context.Context, uid string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT conversation_id FROM profile_conversations WHERE uid = ? ORDER BY conversation_id`, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations of %s: %w", uid, err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RebuildProfileIndex recomputes profile_conversations from
// conversations.uids, which is authoritative. It returns the number of
// index entries written.
func (db *DB) RebuildProfileIndex(ctx context.Context) (int, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM profile_conversations`); err != nil {
		return 0, fmt.Errorf("failed to clear profile index: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT conversation_id, uids FROM conversations WHERE is_cached = 1`)
	if err != nil {
		return 0, fmt.Errorf("failed to read conversation members: %w", err)
	}
	type member struct{ uid, conversationID string }
	var members []member
	for rows.Next() {
		var id, uidsJSON string
		if err := rows.Scan(&id, &uidsJSON); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan conversation members: %w", err)
		}
		var uids []string
		if err := json.Unmarshal([]byte(uidsJSON), &uids); err != nil {
			continue
		}
		for _, uid := range uids {
			if uid != "" {
				members = append(members, member{uid: uid, conversationID: id})
			}
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating conversations: %w", err)
	}

	for _, m := range members {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO profile_conversations (uid, conversation_id) VALUES (?, ?)`,
			m.uid, m.conversationID,
		); err != nil {
			return 0, fmt.Errorf("failed to index %s in %s: %w", m.uid, m.conversationID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return len(members), nil
}
