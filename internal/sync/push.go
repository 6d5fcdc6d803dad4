package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/voxline/voxsync/internal/db"
)

// push sends pending outbox mutations oldest first. Every mutation is tried
// once per pass; the first failure fails the pass after the rest were tried.
func (m *Manager) push(ctx context.Context, res *Result) error {
	pending, err := m.store.PendingMutations(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to read outbox: %w", err)
	}

	var firstErr error
	for _, mut := range pending {
		if err := m.apply(ctx, mut); err != nil {
			res.PushFailed++
			status, nackErr := m.store.NackMutation(ctx, mut.ID, err, m.maxRetries)
			if nackErr != nil {
				m.logger.Printf("WARNING: failed to record push failure for %s: %v", mut.Key, nackErr)
			} else if status == db.MutationFailed {
				m.logger.Printf("WARNING: giving up on %s after %d attempts: %v", mut.Key, mut.Retries+1, err)
			}
			m.debugf("Push of %s failed (attempt %d): %v", mut.Key, mut.Retries+1, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", mut.Key, err)
			}
			continue
		}
		if err := m.store.AckMutation(ctx, mut.ID); err != nil {
			return err
		}
		m.debugf("Pushed %s", mut.Key)
		res.Pushed++
	}
	return firstErr
}

func (m *Manager) apply(ctx context.Context, mut *db.Mutation) error {
	switch mut.Kind {
	case KindMessageSend:
		var p SendPayload
		if err := json.Unmarshal(mut.Payload, &p); err != nil {
			return fmt.Errorf("failed to decode payload: %w", err)
		}
		return m.sendMessage(ctx, p)

	case KindMessageRead:
		var p ReadPayload
		if err := json.Unmarshal(mut.Payload, &p); err != nil {
			return fmt.Errorf("failed to decode payload: %w", err)
		}
		return m.api.UpdateMessageRead(ctx, p.MessageID)

	case KindConversationRead:
		var p LastReadPayload
		if err := json.Unmarshal(mut.Payload, &p); err != nil {
			return fmt.Errorf("failed to decode payload: %w", err)
		}
		return m.api.UpdateConversationLastRead(ctx, p.ConversationID, p.UID, p.At)

	default:
		return fmt.Errorf("unknown mutation kind %q", mut.Kind)
	}
}

// sendMessage inserts the message row and appends it to its conversation.
// If the append fails the inserted row is deleted again so the backend never
// holds a message no conversation points to.
func (m *Manager) sendMessage(ctx context.Context, p SendPayload) error {
	msg := p.Message
	if err := m.api.InsertMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	if err := m.api.AppendConversationMessage(ctx, msg.ConversationID, msg.MessageID); err != nil {
		if delErr := m.api.DeleteMessage(ctx, msg.MessageID); delErr != nil {
			return errors.Join(
				fmt.Errorf("failed to append message to %s: %w", msg.ConversationID, err),
				fmt.Errorf("failed to delete orphaned message: %w", delErr),
			)
		}
		return fmt.Errorf("failed to append message to %s: %w", msg.ConversationID, err)
	}
	return nil
}
