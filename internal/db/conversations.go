package db

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/voxline/voxsync/internal/schema"
)

// ConversationRow is a cached conversation as stored, before domain
// reconciliation. MessageIDs is the raw stored message list and may be nil or
// malformed; Document renders the row as wire JSON for schema.ParseConversation.
type ConversationRow struct {
	ConversationID string
	UIDs           []string
	MessageIDs     json.RawMessage
	LastRead       map[string]time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastMessageAt  time.Time
	CachedAt       time.Time
	IsCached       bool

	// Messages holds the cached message records of the conversation in
	// timestamp order.
	Messages []schema.Message
}

// Document renders the row in the remote wire format. The messages field is
// the stored list verbatim, or absent if none was ever stored.
func (r *ConversationRow) Document() []byte {
	doc := map[string]any{
		"conversationId": r.ConversationID,
		"uids":           r.UIDs,
	}
	if len(r.MessageIDs) > 0 {
		doc["messages"] = r.MessageIDs
	}
	if len(r.LastRead) > 0 {
		lr := make(map[string]int64, len(r.LastRead))
		for uid, t := range r.LastRead {
			lr[uid] = schema.UnixMilli(t)
		}
		doc["lastRead"] = lr
	}
	if !r.CreatedAt.IsZero() {
		doc["created_at"] = schema.UnixMilli(r.CreatedAt)
	}
	if !r.UpdatedAt.IsZero() {
		doc["updated_at"] = schema.UnixMilli(r.UpdatedAt)
	}
	data, _ := json.Marshal(doc)
	return data
}

// UpsertResult describes what UpsertConversation did.
type UpsertResult struct {
	// Stale is true when the incoming server row was older than the cached
	// one and its conversation fields were not applied.
	Stale         bool
	Messages      int
	LastMessageAt time.Time
}

// UpsertConversation inserts or replaces a conversation and its embedded
// messages, then recomputes last_message_ts.
func (db *DB) UpsertConversation(conv *schema.Conversation) (UpsertResult, error) {
	return db.UpsertConversationContext(context.Background(), conv)
}

// UpsertConversationContext inserts or replaces a conversation with context support.
//
// Rows carrying a server timestamp are last-writer-wins on that timestamp:
// an older server row leaves the cached conversation fields untouched.
// Local writes (zero UpdatedAt) always apply. In both cases the stored
// message list is the union of old and new ids and lastRead only moves
// forward per participant.
func (db *DB) UpsertConversationContext(ctx context.Context, conv *schema.Conversation) (UpsertResult, error) {
	var res UpsertResult
	if conv == nil || conv.ConversationID == "" {
		return res, fmt.Errorf("conversation id is required")
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := loadConversationRow(ctx, tx, conv.ConversationID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return res, err
	}

	local := conv.UpdatedAt.IsZero()
	res.Stale = existing != nil && !local && schema.UnixMilli(conv.UpdatedAt) < schema.UnixMilli(existing.UpdatedAt)

	for i := range conv.Messages {
		m := conv.Messages[i]
		if m.ConversationID == "" {
			m.ConversationID = conv.ConversationID
		}
		if err := upsertMessage(ctx, tx, &m); err != nil {
			return res, err
		}
		res.Messages++
	}

	if !res.Stale {
		if err := db.writeConversation(ctx, tx, conv, existing); err != nil {
			return res, err
		}
	}

	res.LastMessageAt, err = db.recomputeLastMessage(ctx, tx, conv.ConversationID)
	if err != nil {
		return res, err
	}

	if local {
		if err := clampLastRead(ctx, tx, conv.ConversationID); err != nil {
			return res, err
		}
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return res, nil
}

func (db *DB) writeConversation(ctx context.Context, tx *sql.Tx, conv *schema.Conversation, existing *ConversationRow) error {
	uidsJSON, err := json.Marshal(conv.UIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal uids: %w", err)
	}

	// A conversation built without any messages field stores NULL so the
	// read path can tell "never provided" from "empty".
	var idsJSON sql.NullString
	ids := conv.AllMessageIDs()
	provided := conv.Messages != nil || conv.MessageIDs != nil
	if existing != nil {
		if old, ok := decodeIDs(existing.MessageIDs); ok {
			ids = unionIDs(old, ids)
			provided = true
		}
	}
	if provided {
		data, err := json.Marshal(ids)
		if err != nil {
			return fmt.Errorf("failed to marshal message ids: %w", err)
		}
		idsJSON = sql.NullString{String: string(data), Valid: true}
	}

	lastRead := make(map[string]int64, len(conv.LastRead))
	if existing != nil {
		for uid, t := range existing.LastRead {
			lastRead[uid] = schema.UnixMilli(t)
		}
	}
	for uid, t := range conv.LastRead {
		if ms := schema.UnixMilli(t); ms > lastRead[uid] {
			lastRead[uid] = ms
		}
	}
	lastReadJSON, err := json.Marshal(lastRead)
	if err != nil {
		return fmt.Errorf("failed to marshal lastRead: %w", err)
	}

	query := `
	INSERT INTO conversations (
		conversation_id, uids, message_ids, last_read,
		created_at, updated_at, is_cached, cached_at
	) VALUES (?, ?, ?, ?, ?, ?, 1, ?)
	ON CONFLICT(conversation_id) DO UPDATE SET
		uids = excluded.uids,
		message_ids = excluded.message_ids,
		last_read = excluded.last_read,
		created_at = CASE WHEN excluded.created_at > 0 THEN excluded.created_at ELSE conversations.created_at END,
		updated_at = MAX(conversations.updated_at, excluded.updated_at),
		is_cached = 1,
		cached_at = excluded.cached_at
	`
	_, err = tx.ExecContext(ctx, query,
		conv.ConversationID,
		string(uidsJSON),
		idsJSON,
		string(lastReadJSON),
		schema.UnixMilli(conv.CreatedAt),
		schema.UnixMilli(conv.UpdatedAt),
		db.nowMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert conversation %s: %w", conv.ConversationID, err)
	}
	return nil
}

// recomputeLastMessage sets last_message_ts to the newest cached message
// timestamp, or synthesizes one for a conversation without messages.
func (db *DB) recomputeLastMessage(ctx context.Context, tx *sql.Tx, conversationID string) (time.Time, error) {
	var maxTS sql.NullInt64
	var createdAt int64
	err := tx.QueryRowContext(ctx, `
		SELECT (SELECT MAX(timestamp) FROM messages WHERE conversation_id = ?), created_at
		FROM conversations WHERE conversation_id = ?`,
		conversationID, conversationID,
	).Scan(&maxTS, &createdAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last message of %s: %w", conversationID, err)
	}

	ts := maxTS.Int64
	if !maxTS.Valid {
		ts = db.emptyConversationTimestamp(createdAt)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_message_ts = ? WHERE conversation_id = ?`,
		ts, conversationID,
	); err != nil {
		return time.Time{}, fmt.Errorf("failed to update last message of %s: %w", conversationID, err)
	}
	return schema.FromUnixMilli(ts), nil
}

func (db *DB) emptyConversationTimestamp(createdAt int64) int64 {
	now := db.nowMilli()
	if db.grace > 0 && createdAt > 0 && now-createdAt > db.grace.Milliseconds() {
		return createdAt
	}
	return now
}

// clampLastRead caps every lastRead entry at the newest cached message.
func clampLastRead(ctx context.Context, tx *sql.Tx, conversationID string) error {
	var raw string
	var maxTS sql.NullInt64
	err := tx.QueryRowContext(ctx, `
		SELECT last_read, (SELECT MAX(timestamp) FROM messages WHERE conversation_id = ?)
		FROM conversations WHERE conversation_id = ?`,
		conversationID, conversationID,
	).Scan(&raw, &maxTS)
	if err != nil {
		return fmt.Errorf("failed to read lastRead of %s: %w", conversationID, err)
	}

	lastRead := map[string]int64{}
	if err := json.Unmarshal([]byte(raw), &lastRead); err != nil {
		lastRead = map[string]int64{}
	}
	changed := false
	for uid, ms := range lastRead {
		switch {
		case !maxTS.Valid:
			delete(lastRead, uid)
			changed = true
		case ms > maxTS.Int64:
			lastRead[uid] = maxTS.Int64
			changed = true
		}
	}
	if !changed {
		return nil
	}

	data, err := json.Marshal(lastRead)
	if err != nil {
		return fmt.Errorf("failed to marshal lastRead: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_read = ? WHERE conversation_id = ?`,
		string(data), conversationID,
	); err != nil {
		return fmt.Errorf("failed to update lastRead of %s: %w", conversationID, err)
	}
	return nil
}

// GetRecentConversations returns cached conversations, most recent first.
// A limit <= 0 returns all of them.
func (db *DB) GetRecentConversations(limit int) ([]*ConversationRow, error) {
	return db.GetRecentConversationsContext(context.Background(), limit)
}

// GetRecentConversationsContext returns cached conversations with context support.
//
// Ordering is last_message_ts DESC with conversation_id ASC breaking ties.
// Stub rows (is_cached = 0) are never returned.
func (db *DB) GetRecentConversationsContext(ctx context.Context, limit int) ([]*ConversationRow, error) {
	if limit <= 0 {
		limit = -1
	}

	query := `
	SELECT ` + conversationColumns + `
	FROM conversations
	WHERE is_cached = 1
	ORDER BY last_message_ts DESC, conversation_id ASC
	LIMIT ?
	`
	rows, err := db.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent conversations: %w", err)
	}
	defer rows.Close()

	convs, err := scanConversations(rows)
	if err != nil {
		return nil, err
	}
	if err := db.attachMessages(ctx, convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// GetConversation returns a single conversation, cached or stub.
func (db *DB) GetConversation(ctx context.Context, conversationID string) (*ConversationRow, error) {
	row, err := loadConversationRow(ctx, db.conn, conversationID)
	if err != nil {
		return nil, err
	}
	if err := db.attachMessages(ctx, []*ConversationRow{row}); err != nil {
		return nil, err
	}
	return row, nil
}

// ListConversationIDs returns the ids of every cached conversation.
func (db *DB) ListConversationIDs(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT conversation_id FROM conversations WHERE is_cached = 1 ORDER BY conversation_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetLastRead records that uid has read conversationID up to at.
//
// The value is capped at the newest cached message and never moves
// backwards. With no cached messages nothing is recorded and the zero time
// is returned. The effective lastRead is returned.
func (db *DB) SetLastRead(ctx context.Context, conversationID, uid string, at time.Time) (time.Time, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row, err := loadConversationRow(ctx, tx, conversationID)
	if err != nil {
		return time.Time{}, err
	}
	member := false
	for _, u := range row.UIDs {
		if u == uid {
			member = true
		}
	}
	if !member {
		return time.Time{}, fmt.Errorf("%s in %s: %w", uid, conversationID, ErrNotParticipant)
	}

	var maxTS sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(timestamp) FROM messages WHERE conversation_id = ?`, conversationID,
	).Scan(&maxTS); err != nil {
		return time.Time{}, fmt.Errorf("failed to read last message of %s: %w", conversationID, err)
	}
	if !maxTS.Valid {
		return time.Time{}, nil
	}

	ms := schema.UnixMilli(at)
	if ms > maxTS.Int64 {
		ms = maxTS.Int64
	}
	lastRead := make(map[string]int64, len(row.LastRead)+1)
	for u, t := range row.LastRead {
		lastRead[u] = schema.UnixMilli(t)
	}
	if ms < lastRead[uid] {
		ms = lastRead[uid]
	}
	lastRead[uid] = ms

	data, err := json.Marshal(lastRead)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to marshal lastRead: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_read = ? WHERE conversation_id = ?`,
		string(data), conversationID,
	); err != nil {
		return time.Time{}, fmt.Errorf("failed to update lastRead of %s: %w", conversationID, err)
	}
	if err := tx.Commit(); err != nil {
		return time.Time{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return schema.FromUnixMilli(ms), nil
}

const conversationColumns = `conversation_id, uids, message_ids, last_read,
	created_at, updated_at, last_message_ts, cached_at, is_cached`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func loadConversationRow(ctx context.Context, q queryer, conversationID string) (*ConversationRow, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE conversation_id = ?`, conversationID)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	return conv, err
}

func scanConversations(rows *sql.Rows) ([]*ConversationRow, error) {
	var convs []*ConversationRow
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversations: %w", err)
	}
	return convs, nil
}

func scanConversation(s rowScanner) (*ConversationRow, error) {
	var (
		conv                         ConversationRow
		uidsJSON, lastReadJSON       string
		messageIDs                   sql.NullString
		createdAt, updatedAt, lastTS int64
		cachedAt                     int64
		isCached                     int
	)
	err := s.Scan(
		&conv.ConversationID, &uidsJSON, &messageIDs, &lastReadJSON,
		&createdAt, &updatedAt, &lastTS, &cachedAt, &isCached,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}

	if err := json.Unmarshal([]byte(uidsJSON), &conv.UIDs); err != nil {
		return nil, fmt.Errorf("failed to decode uids of %s: %w", conv.ConversationID, err)
	}
	if messageIDs.Valid {
		conv.MessageIDs = json.RawMessage(messageIDs.String)
	}
	var lastRead map[string]int64
	if err := json.Unmarshal([]byte(lastReadJSON), &lastRead); err == nil && len(lastRead) > 0 {
		conv.LastRead = make(map[string]time.Time, len(lastRead))
		for uid, ms := range lastRead {
			conv.LastRead[uid] = schema.FromUnixMilli(ms)
		}
	}
	conv.CreatedAt = schema.FromUnixMilli(createdAt)
	conv.UpdatedAt = schema.FromUnixMilli(updatedAt)
	conv.LastMessageAt = schema.FromUnixMilli(lastTS)
	conv.CachedAt = schema.FromUnixMilli(cachedAt)
	conv.IsCached = isCached == 1
	return &conv, nil
}

// attachMessages loads the cached messages of every row in one query.
func (db *DB) attachMessages(ctx context.Context, convs []*ConversationRow) error {
	if len(convs) == 0 {
		return nil
	}
	byID := make(map[string]*ConversationRow, len(convs))
	args := make([]any, 0, len(convs))
	for _, c := range convs {
		byID[c.ConversationID] = c
		c.Messages = []schema.Message{}
		args = append(args, c.ConversationID)
	}

	query := `SELECT ` + messageColumns + ` FROM messages
	WHERE conversation_id IN (?` + strings.Repeat(", ?", len(args)-1) + `)
	ORDER BY timestamp ASC, message_id ASC`
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return err
		}
		if c := byID[m.ConversationID]; c != nil {
			c.Messages = append(c.Messages, *m)
		}
	}
	return rows.Err()
}

func decodeIDs(raw json.RawMessage) ([]string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, false
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, false
	}
	return ids, true
}

func unionIDs(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
