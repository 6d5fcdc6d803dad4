// Package repository is the read/write surface the rest of voxsync uses for
// conversation data. It validates writes before they reach the cache,
// rebuilds domain objects on read, and turns user actions (send, mark read)
// into local changes plus queued or tracked remote mutations.
package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/voxline/voxsync/internal/db"
	"github.com/voxline/voxsync/internal/readtracker"
	"github.com/voxline/voxsync/internal/schema"
)

// ErrForbidden is returned when a user acts on a conversation they are not
// part of.
var ErrForbidden = errors.New("not a participant")

// Store is the part of the local cache the repository uses. *db.DB
// satisfies it.
type Store interface {
	UpsertConversationContext(ctx context.Context, conv *schema.Conversation) (db.UpsertResult, error)
	GetRecentConversationsContext(ctx context.Context, limit int) ([]*db.ConversationRow, error)
	GetConversation(ctx context.Context, conversationID string) (*db.ConversationRow, error)
	UpsertMessageContext(ctx context.Context, msg *schema.Message) error
	GetMessage(ctx context.Context, messageID string) (*schema.Message, error)
	MarkMessageReadLocalContext(ctx context.Context, messageID string) (bool, error)
	SetMessageReadLocal(ctx context.Context, messageID string, isRead bool) (bool, error)
	SetLastRead(ctx context.Context, conversationID, uid string, at time.Time) (time.Time, error)
	UnreadCount(ctx context.Context, conversationID, uid string) (int, error)
	ConversationIDsForUser(ctx context.Context, uid string) ([]string, error)
	EnqueueMutation(ctx context.Context, kind, key string, payload any) (*db.Mutation, error)
}

// Repository is the conversation façade over a Store.
type Repository struct {
	store   Store
	logger  *log.Logger
	tracker *readtracker.Tracker
	verbose bool
	now     func() time.Time
	newID   func() string
}

// Option configures a Repository.
type Option func(*Repository)

// WithTracker sets the read tracker used by MarkAsRead.
func WithTracker(t *readtracker.Tracker) Option {
	return func(r *Repository) { r.tracker = t }
}

// WithVerbose logs how each stored row was rebuilt on read.
func WithVerbose(verbose bool) Option {
	return func(r *Repository) { r.verbose = verbose }
}

// WithClock replaces the clock used for new messages and read marks.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// New creates a Repository. If logger is nil, a default logger writing to
// stderr is used.
func New(store Store, logger *log.Logger, opts ...Option) *Repository {
	if logger == nil {
		logger = log.New(os.Stderr, "[repo] ", log.LstdFlags)
	}
	r := &Repository{
		store:  store,
		logger: logger,
		now:    time.Now,
		newID:  newMessageID,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SaveConversation validates conv and writes it to the cache. Malformed
// input returns a *schema.ValidationError and nothing is written.
func (r *Repository) SaveConversation(ctx context.Context, conv *schema.Conversation) error {
	if conv == nil {
		return &schema.ValidationError{Field: "conversation", Reason: "is nil"}
	}
	if err := conv.Validate(); err != nil {
		return err
	}
	if _, err := r.store.UpsertConversationContext(ctx, conv); err != nil {
		return fmt.Errorf("failed to save conversation %s: %w", conv.ConversationID, err)
	}
	return nil
}

// SaveConversationJSON parses a wire-format conversation and saves it. A
// missing or malformed messages field is logged and saved as absent.
func (r *Repository) SaveConversationJSON(ctx context.Context, data []byte) error {
	conv, warnings, err := schema.ParseConversation(data)
	if err != nil {
		return &schema.ValidationError{Field: "json", Reason: err.Error()}
	}
	r.warn(warnings)

	var probe struct {
		Messages json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(data, &probe); err == nil && !hasMessageList(probe.Messages) {
		conv.Messages = nil
	}
	return r.SaveConversation(ctx, conv)
}

// GetRecentConversations returns up to limit cached conversations, most
// recent first. Rows whose stored message list is missing or malformed come
// back with no messages and a logged warning.
func (r *Repository) GetRecentConversations(ctx context.Context, limit int) ([]*schema.Conversation, error) {
	rows, err := r.store.GetRecentConversationsContext(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent conversations: %w", err)
	}
	out := make([]*schema.Conversation, 0, len(rows))
	for _, row := range rows {
		out = append(out, r.reconcile(row))
	}
	return out, nil
}

// GetConversation returns one cached conversation. It returns db.ErrNotFound
// when the conversation is not cached.
func (r *Repository) GetConversation(ctx context.Context, conversationID string) (*schema.Conversation, error) {
	row, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return r.reconcile(row), nil
}

// ConversationsForUser returns the cached conversations uid participates in,
// derived from the conversations' participant lists.
func (r *Repository) ConversationsForUser(ctx context.Context, uid string) ([]*schema.Conversation, error) {
	ids, err := r.store.ConversationIDsForUser(ctx, uid)
	if err != nil {
		return nil, err
	}
	out := make([]*schema.Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := r.GetConversation(ctx, id)
		if errors.Is(err, db.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, nil
}

// UnreadCount returns how many messages from the other participant uid has
// not read.
func (r *Repository) UnreadCount(ctx context.Context, conversationID, uid string) (int, error) {
	return r.store.UnreadCount(ctx, conversationID, uid)
}

// reconcile rebuilds a domain object from a stored row.
func (r *Repository) reconcile(row *db.ConversationRow) *schema.Conversation {
	conv, warnings, err := schema.ParseConversation(row.Document())
	if err != nil {
		r.logger.Printf("WARNING: conversation %s: %v, using stored fields", row.ConversationID, err)
		conv = &schema.Conversation{
			ConversationID: row.ConversationID,
			UIDs:           row.UIDs,
			LastRead:       row.LastRead,
			CreatedAt:      row.CreatedAt,
			UpdatedAt:      row.UpdatedAt,
			Messages:       []schema.Message{},
		}
	}
	r.warn(warnings)

	if hasMessageList(row.MessageIDs) && len(row.Messages) > 0 {
		conv.Messages = append([]schema.Message{}, row.Messages...)
		schema.SortMessages(conv.Messages)
	}
	r.debugf("Loaded %s: %d message(s), message list stored=%t", row.ConversationID, len(conv.Messages), hasMessageList(row.MessageIDs))
	return conv
}

func (r *Repository) debugf(format string, args ...any) {
	if r.verbose {
		r.logger.Printf(format, args...)
	}
}

func (r *Repository) warn(warnings []string) {
	for _, w := range warnings {
		r.logger.Printf("WARNING: %s", w)
	}
}

// hasMessageList reports whether raw is a JSON array.
func hasMessageList(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '[' && json.Valid(raw)
}
