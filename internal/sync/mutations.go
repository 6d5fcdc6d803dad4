package sync

import (
	"time"

	"github.com/voxline/voxsync/internal/schema"
)

// Outbox mutation kinds understood by the push phase.
const (
	KindMessageSend      = "message.send"
	KindMessageRead      = "message.read"
	KindConversationRead = "conversation.last_read"
)

// SendPayload is the payload of a message.send mutation.
type SendPayload struct {
	Message schema.Message `json:"message"`
}

// ReadPayload is the payload of a message.read mutation.
type ReadPayload struct {
	MessageID string `json:"messageId"`
}

// LastReadPayload is the payload of a conversation.last_read mutation.
type LastReadPayload struct {
	ConversationID string    `json:"conversationId"`
	UID            string    `json:"uid"`
	At             time.Time `json:"at"`
}

// SendKey, ReadKey and LastReadKey build outbox idempotency keys. Repeated
// local edits of the same target collapse into one pending mutation.
func SendKey(messageID string) string { return KindMessageSend + ":" + messageID }

func ReadKey(messageID string) string { return KindMessageRead + ":" + messageID }

func LastReadKey(conversationID, uid string) string {
	return KindConversationRead + ":" + conversationID + ":" + uid
}
