package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/voxline/voxsync/internal/schema"
)

func seedMemory(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory()
	m.PutConversation(&schema.Conversation{
		ConversationID: "c1",
		UIDs:           []string{"alice", "bob"},
		Messages: []schema.Message{
			{MessageID: "m1", Timestamp: time.UnixMilli(100), UID: "bob"},
		},
	})
	m.PutConversation(&schema.Conversation{ConversationID: "c2", UIDs: []string{"alice", "carol"}})
	return m
}

func TestMemory_FetchUpdatedSincePagesInOrder(t *testing.T) {
	m := seedMemory(t)
	ctx := context.Background()

	page, err := m.FetchConversationsUpdatedSince(ctx, Cursor{}, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "c1", page[0].ConversationID)
	require.Equal(t, []string{"m1"}, page[0].MessageIDs)

	rest, err := m.FetchConversationsUpdatedSince(ctx, CursorAt(page[0]), 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, "c2", rest[0].ConversationID)

	none, err := m.FetchConversationsUpdatedSince(ctx, CursorAt(rest[0]), 10)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestMemory_FetchUpdatedSinceBreaksTiesByID(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	at := time.UnixMilli(5000)
	for _, id := range []string{"c", "a", "b"} {
		m.PutConversationAt(&schema.Conversation{ConversationID: id, UIDs: []string{"alice", "bob"}}, at)
	}

	first, err := m.FetchConversationsUpdatedSince(ctx, Cursor{}, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.Equal(t, "a", first[0].ConversationID)
	require.Equal(t, "b", first[1].ConversationID)

	rest, err := m.FetchConversationsUpdatedSince(ctx, CursorAt(first[1]), 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, "c", rest[0].ConversationID)

	// A timestamp-only cursor keeps every row at that timestamp.
	same, err := m.FetchConversationsUpdatedSince(ctx, Cursor{UpdatedAt: at.Add(-time.Millisecond)}, 10)
	require.NoError(t, err)
	require.Len(t, same, 3)
}

func TestCursor_Before(t *testing.T) {
	at := time.UnixMilli(100)
	c := Cursor{UpdatedAt: at, ConversationID: "b"}
	require.True(t, c.Before(&schema.Conversation{ConversationID: "c", UpdatedAt: at}))
	require.False(t, c.Before(&schema.Conversation{ConversationID: "b", UpdatedAt: at}))
	require.False(t, c.Before(&schema.Conversation{ConversationID: "a", UpdatedAt: at}))
	require.True(t, c.Before(&schema.Conversation{ConversationID: "a", UpdatedAt: at.Add(time.Millisecond)}))
	require.False(t, c.Before(&schema.Conversation{ConversationID: "z", UpdatedAt: at.Add(-time.Millisecond)}))
	require.True(t, Cursor{}.IsZero())
}

func TestMemory_MutationsBumpUpdatedAt(t *testing.T) {
	m := seedMemory(t)
	ctx := context.Background()

	before, err := m.FetchConversation(ctx, "c1")
	require.NoError(t, err)

	require.NoError(t, m.InsertMessage(ctx, schema.Message{MessageID: "m2", ConversationID: "c1", UID: "alice", Timestamp: time.UnixMilli(200)}))
	require.NoError(t, m.AppendConversationMessage(ctx, "c1", "m2"))
	require.NoError(t, m.AppendConversationMessage(ctx, "c1", "m2"))
	require.NoError(t, m.UpdateMessageRead(ctx, "m1"))
	require.NoError(t, m.UpdateConversationLastRead(ctx, "c1", "alice", time.UnixMilli(100)))

	after, err := m.FetchConversation(ctx, "c1")
	require.NoError(t, err)
	require.True(t, after.UpdatedAt.After(before.UpdatedAt))
	require.Equal(t, []string{"m1", "m2"}, after.MessageIDs)
	require.Equal(t, int64(100), after.LastRead["alice"].UnixMilli())

	msgs, err := m.FetchMessages(ctx, []string{"m1", "missing"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].IsRead)

	require.NoError(t, m.DeleteMessage(ctx, "m2"))
	_, ok := m.Message("m2")
	require.False(t, ok)
}

func TestMemory_NotFoundAndInjectedFailures(t *testing.T) {
	m := seedMemory(t)
	ctx := context.Background()

	_, err := m.FetchConversation(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, m.UpdateMessageRead(ctx, "nope"), ErrNotFound)

	boom := errors.New("boom")
	m.FailNext(OpUpdateMessageRead, boom)
	require.ErrorIs(t, m.UpdateMessageRead(ctx, "m1"), boom)
	require.NoError(t, m.UpdateMessageRead(ctx, "m1"))
	require.Equal(t, 3, m.Calls(OpUpdateMessageRead))
}

type slowAPI struct {
	*Memory
}

func (s *slowAPI) FetchConversation(ctx context.Context, id string) (*schema.Conversation, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestWithTimeout(t *testing.T) {
	slow := &slowAPI{Memory: NewMemory()}
	api := WithTimeout(slow, 20*time.Millisecond)

	start := time.Now()
	_, err := api.FetchConversation(context.Background(), "c1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)

	require.Same(t, API(slow), WithTimeout(slow, 0))
}
