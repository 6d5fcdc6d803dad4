package sync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/voxline/voxsync/internal/remote"
	"github.com/voxline/voxsync/internal/schema"
)

// pull merges conversations positioned after the cursor into the store. The
// cursor is the (updated_at, conversation id) of the last merged row and is
// persisted after every page, so a failed pass resumes where the last merged
// page ended and rows sharing one updated_at are never skipped.
func (m *Manager) pull(ctx context.Context, since *time.Time, res *Result) error {
	var cursor remote.Cursor
	if since != nil {
		cursor = remote.Cursor{UpdatedAt: *since}
	} else {
		at, id, err := m.store.PullCursor(ctx)
		if err != nil {
			return fmt.Errorf("failed to read pull cursor: %w", err)
		}
		cursor = remote.Cursor{UpdatedAt: at, ConversationID: id}
	}

	uids := make(map[string]struct{})
	for {
		page, err := m.api.FetchConversationsUpdatedSince(ctx, cursor, m.pageLimit)
		if err != nil {
			return fmt.Errorf("failed to fetch conversations after %s: %w", describeCursor(cursor), err)
		}
		m.debugf("Fetched %d conversation(s) after %s", len(page), describeCursor(cursor))

		next, advanced := cursor, false
		for _, conv := range page {
			if err := m.mergeConversation(ctx, conv, res); err != nil {
				return err
			}
			for _, uid := range conv.UIDs {
				uids[uid] = struct{}{}
			}
			if next.Before(conv) {
				next, advanced = remote.CursorAt(conv), true
			}
		}

		if advanced {
			if err := m.store.SetPullCursor(ctx, next.UpdatedAt, next.ConversationID); err != nil {
				return fmt.Errorf("failed to advance pull cursor: %w", err)
			}
			cursor = next
		}

		if len(page) < m.pageLimit {
			break
		}
		if !advanced {
			m.logger.Printf("WARNING: full page did not advance the pull cursor past %s, stopping pull",
				describeCursor(cursor))
			break
		}
	}

	if len(uids) > 0 {
		if err := m.pullProfiles(ctx, uids, res); err != nil {
			return err
		}
	}

	if _, err := m.store.RebuildProfileIndex(ctx); err != nil {
		return fmt.Errorf("failed to rebuild profile index: %w", err)
	}
	return nil
}

func describeCursor(c remote.Cursor) string {
	if c.ConversationID == "" {
		return c.UpdatedAt.Format(time.RFC3339Nano)
	}
	return c.UpdatedAt.Format(time.RFC3339Nano) + "/" + c.ConversationID
}

// mergeConversation fetches the message rows of conv and upserts both.
func (m *Manager) mergeConversation(ctx context.Context, conv *schema.Conversation, res *Result) error {
	ids := conv.AllMessageIDs()
	if len(ids) > 0 {
		msgs, err := m.api.FetchMessages(ctx, ids)
		if err != nil {
			return fmt.Errorf("failed to fetch messages of %s: %w", conv.ConversationID, err)
		}
		for i := range msgs {
			if msgs[i].ConversationID == "" {
				msgs[i].ConversationID = conv.ConversationID
			}
		}
		conv.Messages = msgs
		if missing := len(ids) - len(msgs); missing > 0 {
			m.logger.Printf("WARNING: %d message(s) of %s not found remotely", missing, conv.ConversationID)
		}
	}

	out, err := m.store.UpsertConversationContext(ctx, conv)
	if err != nil {
		return fmt.Errorf("failed to merge conversation %s: %w", conv.ConversationID, err)
	}
	if out.Stale {
		res.Stale++
		m.debugf("Kept local copy of %s (remote updated_at %s is not newer)",
			conv.ConversationID, conv.UpdatedAt.Format(time.RFC3339Nano))
	} else {
		res.Pulled++
		m.debugf("Merged %s: %d message(s)", conv.ConversationID, out.Messages)
	}
	res.MessagesMerged += out.Messages
	return nil
}

func (m *Manager) pullProfiles(ctx context.Context, uids map[string]struct{}, res *Result) error {
	list := make([]string, 0, len(uids))
	for uid := range uids {
		list = append(list, uid)
	}
	sort.Strings(list)

	profiles, err := m.api.FetchProfiles(ctx, list)
	if err != nil {
		return fmt.Errorf("failed to fetch profiles: %w", err)
	}
	for i := range profiles {
		if err := m.store.UpsertProfile(ctx, &profiles[i]); err != nil {
			return fmt.Errorf("failed to store profile %s: %w", profiles[i].UID, err)
		}
		res.Profiles++
	}
	return nil
}
