// Package db is the on-device conversation cache.
//
// The cache is an embedded SQLite database (ncruces/go-sqlite3, WASM build,
// no CGO) opened in WAL mode so the UI can keep reading while a sync pass
// writes. Nothing in this package talks to the network.
//
// Tables:
//   - conversations: one row per conversation, plus the local-only sync
//     metadata (is_cached, last_message_ts, cached_at)
//   - messages: cached message records
//   - profiles, profile_conversations: profiles and the membership index
//     rebuilt from conversations.uids
//   - outbox: local mutations waiting to be pushed
//   - sync_state: pull cursor and last sync time
//
// Ordering for the conversation list is last_message_ts DESC, conversation_id
// ASC. last_message_ts is the newest cached message timestamp, or the time the
// conversation was cached when it has no messages, so a freshly started
// conversation surfaces at the top of the list.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	_ "github.com/ncruces/go-sqlite3/vfs/memdb"
)

// ErrNotFound is returned when a requested row is not cached.
var ErrNotFound = errors.New("not found in cache")

// ErrNotParticipant is returned when a uid is not part of a conversation.
var ErrNotParticipant = errors.New("uid is not a participant")

// StorageInitError reports that the cache engine could not be opened or its
// schema created. Callers degrade to running without a durable cache.
type StorageInitError struct {
	Path string
	Err  error
}

func (e *StorageInitError) Error() string {
	return fmt.Sprintf("cache storage unavailable at %s: %v", e.Path, e.Err)
}

func (e *StorageInitError) Unwrap() error { return e.Err }

// DB is the conversation cache.
type DB struct {
	conn  *sql.DB
	path  string
	now   func() time.Time
	grace time.Duration
}

// Option configures a DB.
type Option func(*DB)

// WithClock replaces the wall clock used for synthesized timestamps.
func WithClock(now func() time.Time) Option {
	return func(db *DB) { db.now = now }
}

// WithEmptyConversationGrace limits how long a conversation without messages
// keeps floating to the top of the list. After the grace period it ranks by
// its creation time. Zero keeps it on top indefinitely.
func WithEmptyConversationGrace(d time.Duration) Option {
	return func(db *DB) { db.grace = d }
}

// Open opens (creating if needed) the cache database at path.
//
// Every pooled connection gets WAL journaling, a 5s busy timeout and foreign
// keys. Errors are returned as *StorageInitError.
//
// The caller MUST call Close() when done.
func Open(path string, opts ...Option) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &StorageInitError{Path: path, Err: fmt.Errorf("failed to create cache directory: %w", err)}
	}
	return open(path, dsn("file:"+path, true), opts)
}

// OpenMemory opens a private in-memory cache. It is used when the on-disk
// cache cannot be opened, and by tests. Data is lost on Close.
func OpenMemory(name string, opts ...Option) (*DB, error) {
	if name == "" {
		name = "voxsync"
	}
	return open(":memory:"+name, dsn("file:/"+name+".db?vfs=memdb", false), opts)
}

func dsn(base string, wal bool) string {
	pragmas := []string{"busy_timeout(5000)", "foreign_keys(1)"}
	if wal {
		pragmas = append(pragmas, "journal_mode(wal)")
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	var b strings.Builder
	b.WriteString(base)
	for _, p := range pragmas {
		b.WriteString(sep)
		b.WriteString("_pragma=")
		b.WriteString(url.QueryEscape(p))
		sep = "&"
	}
	return b.String()
}

func open(path, connStr string, opts []Option) (*DB, error) {
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, &StorageInitError{Path: path, Err: fmt.Errorf("failed to open database: %w", err)}
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, &StorageInitError{Path: path, Err: fmt.Errorf("failed to ping database: %w", err)}
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(db)
	}
	return db, nil
}

// Path returns the database location.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// migrations are applied in order; PRAGMA user_version records how many ran.
var migrations = []string{
	`
	CREATE TABLE IF NOT EXISTS conversations (
		conversation_id TEXT PRIMARY KEY,
		uids TEXT NOT NULL DEFAULT '[]',      -- JSON array
		message_ids TEXT,                     -- JSON array, NULL when never provided
		last_read TEXT NOT NULL DEFAULT '{}', -- JSON object uid -> unix ms
		created_at INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL DEFAULT 0, -- server time, unix ms

		-- Local-only sync metadata
		last_message_ts INTEGER NOT NULL DEFAULT 0,
		is_cached INTEGER NOT NULL DEFAULT 0,
		cached_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS messages (
		message_id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		uid TEXT NOT NULL,
		audio_url TEXT NOT NULL DEFAULT '',
		is_read INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (conversation_id) REFERENCES conversations(conversation_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_recent
	    ON conversations(is_cached, last_message_ts DESC, conversation_id);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation
	    ON messages(conversation_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_messages_unread
	    ON messages(conversation_id, is_read);
	`,
	`
	CREATE TABLE IF NOT EXISTS profiles (
		uid TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		profile_picture TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		user_code TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS profile_conversations (
		uid TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		PRIMARY KEY (uid, conversation_id)
	);
	`,
	`
	CREATE TABLE IF NOT EXISTS outbox (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		key TEXT NOT NULL UNIQUE,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		retries INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox(status, created_at);

	CREATE TABLE IF NOT EXISTS sync_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`,
}

// InitSchema creates the cache schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the cache schema with context support.
// Failures are returned as *StorageInitError.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	if err := db.migrate(ctx); err != nil {
		return &StorageInitError{Path: db.path, Err: err}
	}
	return nil
}

func (db *DB) migrate(ctx context.Context) error {
	if db.conn == nil {
		return errors.New("database is closed")
	}

	var version int
	if err := db.conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			return fmt.Errorf("failed to set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

// SchemaVersion returns the number of applied migrations.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := db.conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// Stats summarises the cache contents.
type Stats struct {
	Conversations    int `json:"conversations" yaml:"conversations"`
	Cached           int `json:"cached" yaml:"cached"`
	Messages         int `json:"messages" yaml:"messages"`
	Unread           int `json:"unread" yaml:"unread"`
	Profiles         int `json:"profiles" yaml:"profiles"`
	PendingMutations int `json:"pending_mutations" yaml:"pending_mutations"`
	FailedMutations  int `json:"failed_mutations" yaml:"failed_mutations"`
}

// Stats returns row counts for status output.
func (db *DB) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	query := `
	SELECT
		(SELECT COUNT(*) FROM conversations),
		(SELECT COUNT(*) FROM conversations WHERE is_cached = 1),
		(SELECT COUNT(*) FROM messages),
		(SELECT COUNT(*) FROM messages WHERE is_read = 0),
		(SELECT COUNT(*) FROM profiles),
		(SELECT COUNT(*) FROM outbox WHERE status = 'pending'),
		(SELECT COUNT(*) FROM outbox WHERE status = 'failed')
	`
	err := db.conn.QueryRowContext(ctx, query).Scan(
		&s.Conversations, &s.Cached, &s.Messages, &s.Unread,
		&s.Profiles, &s.PendingMutations, &s.FailedMutations,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read cache stats: %w", err)
	}
	return s, nil
}

func (db *DB) nowMilli() int64 {
	return db.now().UnixMilli()
}
