// Package remote is the boundary to the backend that owns the source of truth
// for conversations, messages and profiles.
//
// The backend is an opaque request/response store with a conversations table
// (conversationId, uids, messages as a list of ids, created_at, updated_at,
// lastRead) and a messages table (messageId, conversationId, timestamp, uid,
// audioUrl, isRead). API is what the sync manager and the read tracker
// consume; Memory, Postgres and Dynamo implement it.
//
// updated_at is assigned by the backend on every conversation write and is
// the only clock used for conflict resolution.
package remote

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/voxline/voxsync/internal/schema"
)

// ErrNotFound is returned when a row does not exist remotely.
var ErrNotFound = errors.New("remote: not found")

// API is the remote data API.
type API interface {
	// FetchConversation returns one conversation by id.
	FetchConversation(ctx context.Context, conversationID string) (*schema.Conversation, error)

	// FetchConversationsUpdatedSince returns conversations positioned after
	// the cursor in (updated_at, conversationId) order, oldest update first,
	// at most limit rows.
	FetchConversationsUpdatedSince(ctx context.Context, after Cursor, limit int) ([]*schema.Conversation, error)

	// FetchMessages returns the messages with the given ids. Unknown ids are
	// skipped.
	FetchMessages(ctx context.Context, messageIDs []string) ([]schema.Message, error)

	// FetchProfiles returns the profiles of the given uids. Unknown uids are
	// skipped.
	FetchProfiles(ctx context.Context, uids []string) ([]schema.Profile, error)

	// InsertMessage creates a message row. Inserting an id that already
	// exists is not an error.
	InsertMessage(ctx context.Context, msg schema.Message) error

	// AppendConversationMessage adds a message id to a conversation's list.
	AppendConversationMessage(ctx context.Context, conversationID, messageID string) error

	// UpdateMessageRead sets isRead on a message.
	UpdateMessageRead(ctx context.Context, messageID string) error

	// UpdateConversationLastRead moves uid's lastRead entry forward to at.
	UpdateConversationLastRead(ctx context.Context, conversationID, uid string, at time.Time) error

	// DeleteMessage removes a message row.
	DeleteMessage(ctx context.Context, messageID string) error
}

// Cursor is a keyset position in the (updated_at, conversationId) order.
// Conversations sharing one updated_at are told apart by id, so a page
// boundary inside a run of equal timestamps loses nothing.
type Cursor struct {
	UpdatedAt      time.Time
	ConversationID string
}

// CursorAt returns the cursor positioned at conv.
func CursorAt(conv *schema.Conversation) Cursor {
	return Cursor{UpdatedAt: conv.UpdatedAt, ConversationID: conv.ConversationID}
}

// Before reports whether conv sorts after c.
func (c Cursor) Before(conv *schema.Conversation) bool {
	if !conv.UpdatedAt.Equal(c.UpdatedAt) {
		return conv.UpdatedAt.After(c.UpdatedAt)
	}
	return conv.ConversationID > c.ConversationID
}

// IsZero reports whether c is the start of the order.
func (c Cursor) IsZero() bool {
	return c.UpdatedAt.IsZero() && c.ConversationID == ""
}

// sortByCursor orders convs by (updated_at, conversationId).
func sortByCursor(convs []*schema.Conversation) {
	sort.Slice(convs, func(i, j int) bool {
		return CursorAt(convs[i]).Before(convs[j])
	})
}

// timeoutAPI bounds every call with a deadline.
type timeoutAPI struct {
	api     API
	timeout time.Duration
}

// WithTimeout wraps api so that each call gets its own deadline. A
// non-positive timeout returns api unchanged.
func WithTimeout(api API, timeout time.Duration) API {
	if timeout <= 0 {
		return api
	}
	return &timeoutAPI{api: api, timeout: timeout}
}

func (t *timeoutAPI) FetchConversation(ctx context.Context, id string) (*schema.Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.api.FetchConversation(ctx, id)
}

func (t *timeoutAPI) FetchConversationsUpdatedSince(ctx context.Context, after Cursor, limit int) ([]*schema.Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.api.FetchConversationsUpdatedSince(ctx, after, limit)
}

func (t *timeoutAPI) FetchMessages(ctx context.Context, ids []string) ([]schema.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.api.FetchMessages(ctx, ids)
}

func (t *timeoutAPI) FetchProfiles(ctx context.Context, uids []string) ([]schema.Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.api.FetchProfiles(ctx, uids)
}

func (t *timeoutAPI) InsertMessage(ctx context.Context, msg schema.Message) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.api.InsertMessage(ctx, msg)
}

func (t *timeoutAPI) AppendConversationMessage(ctx context.Context, conversationID, messageID string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.api.AppendConversationMessage(ctx, conversationID, messageID)
}

func (t *timeoutAPI) UpdateMessageRead(ctx context.Context, messageID string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.api.UpdateMessageRead(ctx, messageID)
}

func (t *timeoutAPI) UpdateConversationLastRead(ctx context.Context, conversationID, uid string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.api.UpdateConversationLastRead(ctx, conversationID, uid, at)
}

func (t *timeoutAPI) DeleteMessage(ctx context.Context, messageID string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.api.DeleteMessage(ctx, messageID)
}
