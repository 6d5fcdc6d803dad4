package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/voxline/voxsync/internal/schema"
)

// Postgres is the API backed by a Postgres database (for example a
// Supabase project) through pgx's database/sql driver.
type Postgres struct {
	conn *sql.DB
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Postgres{conn: conn}, nil
}

// NewPostgres wraps an existing connection opened with the "pgx" driver.
func NewPostgres(conn *sql.DB) *Postgres {
	return &Postgres{conn: conn}
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	return p.conn.Close()
}

// Migrate creates the backend tables if they don't exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			"conversationId" TEXT PRIMARY KEY,
			uids JSONB NOT NULL DEFAULT '[]',
			messages JSONB NOT NULL DEFAULT '[]',
			"lastRead" JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
		)`,
		`CREATE INDEX IF NOT EXISTS conversations_updated_at ON conversations(updated_at, "conversationId")`,
		`CREATE TABLE IF NOT EXISTS messages (
			"messageId" TEXT PRIMARY KEY,
			"conversationId" TEXT NOT NULL REFERENCES conversations("conversationId") ON DELETE CASCADE,
			timestamp TIMESTAMPTZ NOT NULL,
			uid TEXT NOT NULL,
			"audioUrl" TEXT NOT NULL DEFAULT '',
			"isRead" BOOLEAN NOT NULL DEFAULT false
		)`,
		`CREATE TABLE IF NOT EXISTS profiles (
			uid TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			"profilePicture" TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			"userCode" TEXT NOT NULL DEFAULT ''
		)`,
	}

	for _, query := range queries {
		if _, err := p.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

const pgConversationColumns = `"conversationId", uids, messages, "lastRead", created_at, updated_at`

func (p *Postgres) FetchConversation(ctx context.Context, id string) (*schema.Conversation, error) {
	row := p.conn.QueryRowContext(ctx,
		`SELECT `+pgConversationColumns+` FROM conversations WHERE "conversationId" = $1`, id)
	conv, err := scanPGConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return conv, err
}

func (p *Postgres) FetchConversationsUpdatedSince(ctx context.Context, after Cursor, limit int) ([]*schema.Conversation, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.conn.QueryContext(ctx, `
		SELECT `+pgConversationColumns+`
		FROM conversations
		WHERE (updated_at, "conversationId") > ($1, $2)
		ORDER BY updated_at ASC, "conversationId" ASC
		LIMIT $3`, after.UpdatedAt, after.ConversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query updated conversations: %w", err)
	}
	defer rows.Close()

	var out []*schema.Conversation
	for rows.Next() {
		conv, err := scanPGConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func (p *Postgres) FetchMessages(ctx context.Context, ids []string) ([]schema.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := p.conn.QueryContext(ctx, `
		SELECT "messageId", "conversationId", timestamp, uid, "audioUrl", "isRead"
		FROM messages WHERE "messageId" = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	out := make([]schema.Message, 0, len(ids))
	for rows.Next() {
		var m schema.Message
		if err := rows.Scan(&m.MessageID, &m.ConversationID, &m.Timestamp, &m.UID, &m.AudioURL, &m.IsRead); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Timestamp = m.Timestamp.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) FetchProfiles(ctx context.Context, uids []string) ([]schema.Profile, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	rows, err := p.conn.QueryContext(ctx, `
		SELECT uid, name, "profilePicture", email, "userCode"
		FROM profiles WHERE uid = ANY($1)`, uids)
	if err != nil {
		return nil, fmt.Errorf("failed to query profiles: %w", err)
	}
	defer rows.Close()

	out := make([]schema.Profile, 0, len(uids))
	for rows.Next() {
		var pr schema.Profile
		if err := rows.Scan(&pr.UID, &pr.Name, &pr.ProfilePicture, &pr.Email, &pr.UserCode); err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		pr.Conversations = []string{}
		out = append(out, pr)
	}
	return out, rows.Err()
}

func (p *Postgres) InsertMessage(ctx context.Context, msg schema.Message) error {
	_, err := p.conn.ExecContext(ctx, `
		INSERT INTO messages ("messageId", "conversationId", timestamp, uid, "audioUrl", "isRead")
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT ("messageId") DO NOTHING`,
		msg.MessageID, msg.ConversationID, msg.Timestamp, msg.UID, msg.AudioURL, msg.IsRead)
	if err != nil {
		return fmt.Errorf("failed to insert message %s: %w", msg.MessageID, err)
	}
	return nil
}

func (p *Postgres) AppendConversationMessage(ctx context.Context, conversationID, messageID string) error {
	res, err := p.conn.ExecContext(ctx, `
		UPDATE conversations SET
			messages = CASE WHEN messages @> to_jsonb(ARRAY[$2::text]) THEN messages
			                ELSE messages || to_jsonb($2::text) END,
			updated_at = clock_timestamp()
		WHERE "conversationId" = $1`, conversationID, messageID)
	if err != nil {
		return fmt.Errorf("failed to append message %s to %s: %w", messageID, conversationID, err)
	}
	return requireRow(res, "conversation", conversationID)
}

func (p *Postgres) UpdateMessageRead(ctx context.Context, messageID string) error {
	tx, err := p.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var conversationID string
	err = tx.QueryRowContext(ctx,
		`UPDATE messages SET "isRead" = true WHERE "messageId" = $1 RETURNING "conversationId"`,
		messageID).Scan(&conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to mark message %s read: %w", messageID, err)
	}

	// Bump the conversation so other devices pull the read receipt.
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = clock_timestamp() WHERE "conversationId" = $1`,
		conversationID); err != nil {
		return fmt.Errorf("failed to touch conversation %s: %w", conversationID, err)
	}
	return tx.Commit()
}

func (p *Postgres) UpdateConversationLastRead(ctx context.Context, conversationID, uid string, at time.Time) error {
	res, err := p.conn.ExecContext(ctx, `
		UPDATE conversations SET
			"lastRead" = jsonb_set("lastRead", ARRAY[$2::text], to_jsonb($3::bigint)),
			updated_at = clock_timestamp()
		WHERE "conversationId" = $1
		  AND COALESCE(("lastRead"->>$2)::bigint, 0) < $3`,
		conversationID, uid, schema.UnixMilli(at))
	if err != nil {
		return fmt.Errorf("failed to update lastRead of %s: %w", conversationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil || n > 0 {
		return err
	}
	// Nothing updated: either the conversation is missing or lastRead was
	// already ahead.
	var exists bool
	if err := p.conn.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM conversations WHERE "conversationId" = $1)`, conversationID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check conversation %s: %w", conversationID, err)
	}
	if !exists {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	return nil
}

func (p *Postgres) DeleteMessage(ctx context.Context, messageID string) error {
	if _, err := p.conn.ExecContext(ctx, `DELETE FROM messages WHERE "messageId" = $1`, messageID); err != nil {
		return fmt.Errorf("failed to delete message %s: %w", messageID, err)
	}
	return nil
}

type pgScanner interface {
	Scan(dest ...any) error
}

func scanPGConversation(s pgScanner) (*schema.Conversation, error) {
	var (
		conv                           schema.Conversation
		uidsJSON, idsJSON, lastReadRaw []byte
	)
	err := s.Scan(&conv.ConversationID, &uidsJSON, &idsJSON, &lastReadRaw, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}
	if err := json.Unmarshal(uidsJSON, &conv.UIDs); err != nil {
		return nil, fmt.Errorf("failed to decode uids of %s: %w", conv.ConversationID, err)
	}

	// messages and lastRead go through the lenient document parser.
	doc, _ := json.Marshal(map[string]json.RawMessage{
		"conversationId": mustJSON(conv.ConversationID),
		"messages":       json.RawMessage(idsJSON),
		"lastRead":       json.RawMessage(lastReadRaw),
	})
	parsed, _, err := schema.ParseConversation(doc)
	if err == nil {
		conv.MessageIDs = parsed.AllMessageIDs()
		conv.LastRead = parsed.LastRead
	}
	conv.CreatedAt = conv.CreatedAt.UTC()
	conv.UpdatedAt = conv.UpdatedAt.UTC()
	return &conv, nil
}

func mustJSON(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
