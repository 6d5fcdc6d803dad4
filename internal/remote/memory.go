package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/voxline/voxsync/internal/schema"
)

// Memory is an in-process backend. It serves the offline demo mode and
// tests, and can inject failures and pauses per operation.
type Memory struct {
	mu            sync.Mutex
	conversations map[string]*schema.Conversation
	messages      map[string]schema.Message
	profiles      map[string]schema.Profile
	calls         map[string]int
	failures      map[string]error
	lastUpdate    time.Time
	now           func() time.Time

	// BeforeCall, when set, runs at the start of every operation without
	// the lock held. Tests use it to hold a call open.
	BeforeCall func(op string)
}

// Operation names used by Calls, FailNext and BeforeCall.
const (
	OpFetchConversation      = "FetchConversation"
	OpFetchUpdatedSince      = "FetchConversationsUpdatedSince"
	OpFetchMessages          = "FetchMessages"
	OpFetchProfiles          = "FetchProfiles"
	OpInsertMessage          = "InsertMessage"
	OpAppendMessage          = "AppendConversationMessage"
	OpUpdateMessageRead      = "UpdateMessageRead"
	OpUpdateConversationRead = "UpdateConversationLastRead"
	OpDeleteMessage          = "DeleteMessage"
)

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]*schema.Conversation),
		messages:      make(map[string]schema.Message),
		profiles:      make(map[string]schema.Profile),
		calls:         make(map[string]int),
		failures:      make(map[string]error),
		now:           time.Now,
	}
}

// SetClock replaces the server clock.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Calls returns how many times op has been invoked.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// FailNext makes the next call of op return err.
func (m *Memory) FailNext(op string, err error) {
	m.mu.Lock()
	m.failures[op] = err
	m.mu.Unlock()
}

// PutConversation stores a conversation as if written by another client.
// Embedded messages are stored in the messages table. The server assigns
// updated_at.
func (m *Memory) PutConversation(conv *schema.Conversation) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := &schema.Conversation{
		ConversationID: conv.ConversationID,
		UIDs:           append([]string(nil), conv.UIDs...),
		MessageIDs:     conv.AllMessageIDs(),
		LastRead:       copyLastRead(conv.LastRead),
		CreatedAt:      conv.CreatedAt,
	}
	for _, msg := range conv.Messages {
		if msg.ConversationID == "" {
			msg.ConversationID = conv.ConversationID
		}
		m.messages[msg.MessageID] = msg
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.tick()
	}
	stored.UpdatedAt = m.tick()
	m.conversations[conv.ConversationID] = stored
	return stored.UpdatedAt
}

// PutConversationAt is PutConversation with updated_at pinned to at instead
// of the next server tick. Several writes may share one timestamp, as they do
// on a backend whose clock is coarser than its write rate.
func (m *Memory) PutConversationAt(conv *schema.Conversation, at time.Time) {
	m.PutConversation(conv)
	at = at.UTC().Truncate(time.Millisecond)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[conv.ConversationID].UpdatedAt = at
	if at.After(m.lastUpdate) {
		m.lastUpdate = at
	}
}

// PutProfile stores a profile.
func (m *Memory) PutProfile(p schema.Profile) {
	m.mu.Lock()
	m.profiles[p.UID] = p
	m.mu.Unlock()
}

// Message returns a stored message.
func (m *Memory) Message(id string) (schema.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	return msg, ok
}

// tick returns a strictly increasing server timestamp. Caller holds mu.
func (m *Memory) tick() time.Time {
	now := m.now().UTC().Truncate(time.Millisecond)
	if !now.After(m.lastUpdate) {
		now = m.lastUpdate.Add(time.Millisecond)
	}
	m.lastUpdate = now
	return now
}

// begin records the call and returns an injected failure, if any.
func (m *Memory) begin(ctx context.Context, op string) error {
	if hook := m.BeforeCall; hook != nil {
		hook(op)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[op]++
	if err, ok := m.failures[op]; ok {
		delete(m.failures, op)
		return err
	}
	return nil
}

func (m *Memory) FetchConversation(ctx context.Context, id string) (*schema.Conversation, error) {
	if err := m.begin(ctx, OpFetchConversation); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return cloneConversation(conv), nil
}

func (m *Memory) FetchConversationsUpdatedSince(ctx context.Context, after Cursor, limit int) ([]*schema.Conversation, error) {
	if err := m.begin(ctx, OpFetchUpdatedSince); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*schema.Conversation
	for _, conv := range m.conversations {
		if after.Before(conv) {
			out = append(out, cloneConversation(conv))
		}
	}
	sortByCursor(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) FetchMessages(ctx context.Context, ids []string) ([]schema.Message, error) {
	if err := m.begin(ctx, OpFetchMessages); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]schema.Message, 0, len(ids))
	for _, id := range ids {
		if msg, ok := m.messages[id]; ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *Memory) FetchProfiles(ctx context.Context, uids []string) ([]schema.Profile, error) {
	if err := m.begin(ctx, OpFetchProfiles); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]schema.Profile, 0, len(uids))
	for _, uid := range uids {
		if p, ok := m.profiles[uid]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) InsertMessage(ctx context.Context, msg schema.Message) error {
	if err := m.begin(ctx, OpInsertMessage); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[msg.MessageID]; !ok {
		m.messages[msg.MessageID] = msg
	}
	return nil
}

func (m *Memory) AppendConversationMessage(ctx context.Context, conversationID, messageID string) error {
	if err := m.begin(ctx, OpAppendMessage); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[conversationID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	for _, id := range conv.MessageIDs {
		if id == messageID {
			return nil
		}
	}
	conv.MessageIDs = append(conv.MessageIDs, messageID)
	conv.UpdatedAt = m.tick()
	return nil
}

func (m *Memory) UpdateMessageRead(ctx context.Context, messageID string) error {
	if err := m.begin(ctx, OpUpdateMessageRead); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	msg.IsRead = true
	m.messages[messageID] = msg
	if conv, ok := m.conversations[msg.ConversationID]; ok {
		conv.UpdatedAt = m.tick()
	}
	return nil
}

func (m *Memory) UpdateConversationLastRead(ctx context.Context, conversationID, uid string, at time.Time) error {
	if err := m.begin(ctx, OpUpdateConversationRead); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[conversationID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	if conv.LastRead == nil {
		conv.LastRead = make(map[string]time.Time)
	}
	if at.After(conv.LastRead[uid]) {
		conv.LastRead[uid] = at
		conv.UpdatedAt = m.tick()
	}
	return nil
}

func (m *Memory) DeleteMessage(ctx context.Context, messageID string) error {
	if err := m.begin(ctx, OpDeleteMessage); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, messageID)
	return nil
}

func cloneConversation(c *schema.Conversation) *schema.Conversation {
	return &schema.Conversation{
		ConversationID: c.ConversationID,
		UIDs:           append([]string(nil), c.UIDs...),
		MessageIDs:     append([]string{}, c.MessageIDs...),
		LastRead:       copyLastRead(c.LastRead),
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

func copyLastRead(in map[string]time.Time) map[string]time.Time {
	if in == nil {
		return nil
	}
	out := make(map[string]time.Time, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
