package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Participants is the number of uids in a conversation. Conversations are 1:1.
const Participants = 2

// Conversation is a persistent 1:1 thread between two participants.
//
// The messages field arrives in two shapes: remote rows carry only message
// ids (MessageIDs) while cached and exported rows embed full records
// (Messages). AllMessageIDs merges the two.
type Conversation struct {
	ConversationID string               `json:"conversationId"`
	UIDs           []string             `json:"uids"`
	Messages       []Message            `json:"-"`
	MessageIDs     []string             `json:"-"`
	LastRead       map[string]time.Time `json:"lastRead,omitempty"`
	CreatedAt      time.Time            `json:"created_at,omitempty"`

	// UpdatedAt is the server's modification time. Zero for writes that
	// originated on this device.
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Validate checks participant and identity invariants.
func (c *Conversation) Validate() error {
	if c.ConversationID == "" {
		return invalid("conversationId", "is required")
	}
	if len(c.UIDs) != Participants {
		return invalid("uids", "conversation %s needs exactly %d participants, got %d",
			c.ConversationID, Participants, len(c.UIDs))
	}
	seen := make(map[string]struct{}, len(c.UIDs))
	for _, uid := range c.UIDs {
		if uid == "" {
			return invalid("uids", "conversation %s has an empty participant", c.ConversationID)
		}
		if _, dup := seen[uid]; dup {
			return invalid("uids", "conversation %s lists %s twice", c.ConversationID, uid)
		}
		seen[uid] = struct{}{}
	}
	for uid := range c.LastRead {
		if _, ok := seen[uid]; !ok {
			return invalid("lastRead", "%s is not a participant of %s", uid, c.ConversationID)
		}
	}
	for i := range c.Messages {
		m := &c.Messages[i]
		if m.MessageID == "" {
			return invalid("messages", "message %d of %s has no messageId", i, c.ConversationID)
		}
		if m.ConversationID != "" && m.ConversationID != c.ConversationID {
			return invalid("messages", "message %s belongs to %s, not %s",
				m.MessageID, m.ConversationID, c.ConversationID)
		}
	}
	return nil
}

// HasParticipant reports whether uid is one of the conversation's uids.
func (c *Conversation) HasParticipant(uid string) bool {
	for _, u := range c.UIDs {
		if u == uid {
			return true
		}
	}
	return false
}

// OtherParticipant returns the uid that is not uid, or "" if uid is not a
// participant.
func (c *Conversation) OtherParticipant(uid string) string {
	if !c.HasParticipant(uid) {
		return ""
	}
	for _, u := range c.UIDs {
		if u != uid {
			return u
		}
	}
	return ""
}

// LastMessageTime returns the newest embedded message timestamp.
func (c *Conversation) LastMessageTime() (time.Time, bool) {
	var latest time.Time
	for _, m := range c.Messages {
		if m.Timestamp.After(latest) {
			latest = m.Timestamp
		}
	}
	return latest, !latest.IsZero()
}

// SortedMessages returns a copy of the embedded messages in display order.
func (c *Conversation) SortedMessages() []Message {
	out := make([]Message, len(c.Messages))
	copy(out, c.Messages)
	SortMessages(out)
	return out
}

// UnreadFor returns the unread messages uid has received, oldest first.
func (c *Conversation) UnreadFor(uid string) []Message {
	var out []Message
	for _, m := range c.SortedMessages() {
		if m.UID != uid && !m.IsRead {
			out = append(out, m)
		}
	}
	return out
}

// AllMessageIDs returns the embedded message ids followed by any id-only
// entries, without duplicates.
func (c *Conversation) AllMessageIDs() []string {
	seen := make(map[string]struct{}, len(c.Messages)+len(c.MessageIDs))
	ids := make([]string, 0, len(c.Messages)+len(c.MessageIDs))
	for _, m := range c.Messages {
		if _, ok := seen[m.MessageID]; ok {
			continue
		}
		seen[m.MessageID] = struct{}{}
		ids = append(ids, m.MessageID)
	}
	for _, id := range c.MessageIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// MarshalJSON writes embedded messages as objects and the remaining ids as
// strings in one "messages" array.
func (c Conversation) MarshalJSON() ([]byte, error) {
	msgs := make([]any, 0, len(c.Messages)+len(c.MessageIDs))
	embedded := make(map[string]struct{}, len(c.Messages))
	for _, m := range c.SortedMessages() {
		embedded[m.MessageID] = struct{}{}
		msgs = append(msgs, m)
	}
	for _, id := range c.MessageIDs {
		if _, ok := embedded[id]; !ok {
			msgs = append(msgs, id)
		}
	}

	type alias Conversation
	return json.Marshal(struct {
		*alias
		Messages  []any      `json:"messages"`
		CreatedAt *time.Time `json:"created_at,omitempty"`
		UpdatedAt *time.Time `json:"updated_at,omitempty"`
	}{
		alias:     (*alias)(&c),
		Messages:  msgs,
		CreatedAt: nonZero(c.CreatedAt),
		UpdatedAt: nonZero(c.UpdatedAt),
	})
}

// UnmarshalJSON parses leniently and drops the warnings; use
// ParseConversation to see them.
func (c *Conversation) UnmarshalJSON(data []byte) error {
	parsed, _, err := ParseConversation(data)
	if err != nil {
		return err
	}
	*c = *parsed
	return nil
}

type rawConversation struct {
	ConversationID string                     `json:"conversationId"`
	UIDs           []string                   `json:"uids"`
	Messages       json.RawMessage            `json:"messages"`
	LastRead       map[string]json.RawMessage `json:"lastRead"`
	CreatedAt      json.RawMessage            `json:"created_at"`
	UpdatedAt      json.RawMessage            `json:"updated_at"`
}

// ParseConversation decodes a conversation record.
//
// A missing, null or malformed messages field is not an error: the result
// has no messages and the returned warnings describe what was dropped.
// An error is returned only when the document itself cannot be decoded.
func ParseConversation(data []byte) (*Conversation, []string, error) {
	var raw rawConversation
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("failed to parse conversation: %w", err)
	}

	conv := &Conversation{
		ConversationID: raw.ConversationID,
		UIDs:           raw.UIDs,
		Messages:       []Message{},
	}
	var warnings []string

	var err error
	if conv.CreatedAt, err = parseTime(raw.CreatedAt); err != nil {
		warnings = append(warnings, fmt.Sprintf("conversation %s: created_at: %v", raw.ConversationID, err))
	}
	if conv.UpdatedAt, err = parseTime(raw.UpdatedAt); err != nil {
		warnings = append(warnings, fmt.Sprintf("conversation %s: updated_at: %v", raw.ConversationID, err))
	}

	if len(raw.LastRead) > 0 {
		conv.LastRead = make(map[string]time.Time, len(raw.LastRead))
		for uid, v := range raw.LastRead {
			t, err := parseTime(v)
			if err != nil || t.IsZero() {
				warnings = append(warnings, fmt.Sprintf("conversation %s: dropping lastRead for %s", raw.ConversationID, uid))
				continue
			}
			conv.LastRead[uid] = t
		}
	}

	warnings = append(warnings, conv.parseMessages(raw.Messages)...)
	return conv, warnings, nil
}

func (c *Conversation) parseMessages(raw json.RawMessage) []string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return []string{fmt.Sprintf("conversation %s: messages field missing, using empty list", c.ConversationID)}
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return []string{fmt.Sprintf("conversation %s: messages field malformed (%v), using empty list", c.ConversationID, err)}
	}

	var warnings []string
	for i, item := range items {
		item = bytes.TrimSpace(item)
		if len(item) == 0 {
			continue
		}
		switch item[0] {
		case '"':
			var id string
			if err := json.Unmarshal(item, &id); err != nil || id == "" {
				warnings = append(warnings, fmt.Sprintf("conversation %s: skipping message entry %d", c.ConversationID, i))
				continue
			}
			c.MessageIDs = append(c.MessageIDs, id)
		case '{':
			var m Message
			if err := json.Unmarshal(item, &m); err != nil || m.MessageID == "" {
				warnings = append(warnings, fmt.Sprintf("conversation %s: skipping malformed message %d", c.ConversationID, i))
				continue
			}
			if m.ConversationID == "" {
				m.ConversationID = c.ConversationID
			}
			c.Messages = append(c.Messages, m)
		default:
			warnings = append(warnings, fmt.Sprintf("conversation %s: skipping message entry %d of unexpected type", c.ConversationID, i))
		}
	}
	return warnings
}

func nonZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
