package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Message is a single voice message in a conversation.
type Message struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	Timestamp      time.Time `json:"timestamp"`
	UID            string    `json:"uid"`      // sender
	AudioURL       string    `json:"audioUrl"` // opaque reference to the remote audio asset
	IsRead         bool      `json:"isRead"`
}

// Validate checks the fields every stored message must carry.
func (m *Message) Validate() error {
	if m.MessageID == "" {
		return invalid("messageId", "is required")
	}
	if m.ConversationID == "" {
		return invalid("conversationId", "is required for message %s", m.MessageID)
	}
	if m.UID == "" {
		return invalid("uid", "sender is required for message %s", m.MessageID)
	}
	if m.Timestamp.IsZero() {
		return invalid("timestamp", "is required for message %s", m.MessageID)
	}
	return nil
}

// UnmarshalJSON accepts RFC3339 or unix-millisecond timestamps.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	aux := struct {
		*alias
		Timestamp json.RawMessage `json:"timestamp"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	ts, err := parseTime(aux.Timestamp)
	if err != nil {
		return fmt.Errorf("message %s: %w", m.MessageID, err)
	}
	m.Timestamp = ts
	return nil
}

// ParseMessage decodes a message record.
func ParseMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return &m, nil
}

// SortMessages orders messages by timestamp ascending, breaking ties by id.
// The slice is sorted in place.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].MessageID < msgs[j].MessageID
		}
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}
