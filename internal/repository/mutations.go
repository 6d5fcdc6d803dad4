package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voxline/voxsync/internal/db"
	"github.com/voxline/voxsync/internal/schema"
	"github.com/voxline/voxsync/internal/sync"
)

func newMessageID() string {
	return uuid.NewString()
}

// SendMessage records a new message from senderUID locally and queues it for
// the next sync push.
func (r *Repository) SendMessage(ctx context.Context, conversationID, senderUID, audioURL string) (*schema.Message, error) {
	if strings.TrimSpace(audioURL) == "" {
		return nil, &schema.ValidationError{Field: "audioUrl", Reason: "is required"}
	}
	row, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	conv := schema.Conversation{ConversationID: row.ConversationID, UIDs: row.UIDs}
	if !conv.HasParticipant(senderUID) {
		return nil, &schema.ValidationError{Field: "uid", Reason: fmt.Sprintf("%q is not a participant of %s", senderUID, conversationID)}
	}

	msg := &schema.Message{
		MessageID:      r.newID(),
		ConversationID: conversationID,
		Timestamp:      r.now().UTC().Truncate(time.Millisecond),
		UID:            senderUID,
		AudioURL:       audioURL,
	}
	if err := r.store.UpsertMessageContext(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to store message: %w", err)
	}
	if _, err := r.store.EnqueueMutation(ctx, sync.KindMessageSend, sync.SendKey(msg.MessageID), sync.SendPayload{Message: *msg}); err != nil {
		return nil, fmt.Errorf("failed to queue message: %w", err)
	}
	r.debugf("Queued message %s in %s", msg.MessageID, conversationID)
	return msg, nil
}

// CheckReader returns nil if uid may mark messageID read: uid takes part in
// the message's conversation and did not send the message. A non-participant
// gets an error wrapping ErrForbidden; the sender gets a
// *schema.ValidationError.
func (r *Repository) CheckReader(ctx context.Context, messageID, uid string) error {
	msg, err := r.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if err := r.CheckParticipant(ctx, msg.ConversationID, uid); err != nil {
		return err
	}
	if msg.UID == uid {
		return &schema.ValidationError{Field: "messageId", Reason: fmt.Sprintf("%s was sent by %q", messageID, uid)}
	}
	return nil
}

// CheckParticipant returns an error wrapping ErrForbidden unless uid takes
// part in the cached conversation.
func (r *Repository) CheckParticipant(ctx context.Context, conversationID, uid string) error {
	row, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	conv := schema.Conversation{ConversationID: row.ConversationID, UIDs: row.UIDs}
	if !conv.HasParticipant(uid) {
		return fmt.Errorf("%q is not a participant of %s: %w", uid, conversationID, ErrForbidden)
	}
	return nil
}

// MarkAsRead marks a message read through the read tracker: the cache is
// updated at once, the remote API confirms, and a failed confirmation
// restores the read flag the message had before. It never returns an error.
func (r *Repository) MarkAsRead(ctx context.Context, messageID string) bool {
	if r.tracker == nil {
		r.logger.Printf("WARNING: mark %s: no read tracker configured", messageID)
		return false
	}

	prior := false
	if msg, err := r.store.GetMessage(ctx, messageID); err == nil {
		prior = msg.IsRead
	} else if !errors.Is(err, db.ErrNotFound) {
		r.logger.Printf("WARNING: mark %s: %v", messageID, err)
		return false
	}

	apply := func() error {
		_, err := r.store.MarkMessageReadLocalContext(ctx, messageID)
		return err
	}
	revert := func() error {
		_, err := r.store.SetMessageReadLocal(ctx, messageID, prior)
		return err
	}
	return r.tracker.MarkAsRead(ctx, messageID, apply, revert)
}

// QueueMarkAsRead marks a message read locally and queues the remote update
// for the next sync push, for use without a reachable backend.
func (r *Repository) QueueMarkAsRead(ctx context.Context, messageID string) error {
	found, err := r.store.MarkMessageReadLocalContext(ctx, messageID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("message %s: %w", messageID, db.ErrNotFound)
	}
	if _, err := r.store.EnqueueMutation(ctx, sync.KindMessageRead, sync.ReadKey(messageID), sync.ReadPayload{MessageID: messageID}); err != nil {
		return fmt.Errorf("failed to queue read receipt: %w", err)
	}
	return nil
}

// MarkConversationRead moves uid's read marker to now, clamped to the newest
// cached message, and queues it for push. A conversation without messages
// is left unchanged and the zero time is returned.
func (r *Repository) MarkConversationRead(ctx context.Context, conversationID, uid string) (time.Time, error) {
	at, err := r.store.SetLastRead(ctx, conversationID, uid, r.now())
	if errors.Is(err, db.ErrNotParticipant) {
		return time.Time{}, &schema.ValidationError{Field: "uid", Reason: fmt.Sprintf("%q is not a participant of %s", uid, conversationID)}
	}
	if err != nil {
		return time.Time{}, err
	}
	if at.IsZero() {
		return at, nil
	}
	payload := sync.LastReadPayload{ConversationID: conversationID, UID: uid, At: at}
	if _, err := r.store.EnqueueMutation(ctx, sync.KindConversationRead, sync.LastReadKey(conversationID, uid), payload); err != nil {
		return time.Time{}, fmt.Errorf("failed to queue read marker: %w", err)
	}
	return at, nil
}
