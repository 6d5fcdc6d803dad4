package db

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/voxline/voxsync/internal/schema"
)

// TestGetRecentConversations_Ordering tests newest-first ordering with id tie-break
func TestGetRecentConversations_Ordering(t *testing.T) {
	db, _ := setupDB(t)

	fixtures := []*schema.Conversation{
		conversation("c-old", msg("m1", "c-old", 100, "bob")),
		conversation("c-new", msg("m2", "c-new", 100, "bob"), msg("m3", "c-new", 300, "alice")),
		conversation("c-tie-b", msg("m4", "c-tie-b", 200, "bob")),
		conversation("c-tie-a", msg("m5", "c-tie-a", 200, "alice")),
	}
	for _, c := range fixtures {
		if _, err := db.UpsertConversation(c); err != nil {
			t.Fatalf("UpsertConversation(%s) failed: %v", c.ConversationID, err)
		}
	}

	want := []string{"c-new", "c-tie-a", "c-tie-b", "c-old"}
	if got := recentIDs(t, db, 10); !equalIDs(got, want) {
		t.Errorf("recent = %v, want %v", got, want)
	}
	if got := recentIDs(t, db, 2); !equalIDs(got, want[:2]) {
		t.Errorf("recent(limit 2) = %v, want %v", got, want[:2])
	}
	if got := recentIDs(t, db, 0); len(got) != 4 {
		t.Errorf("recent(limit 0) returned %d rows, want all 4", len(got))
	}
}

// TestGetRecentConversations_EmptyRanksFirst tests that a conversation without
// messages ranks above conversations whose last message is older than the
// time it was cached
func TestGetRecentConversations_EmptyRanksFirst(t *testing.T) {
	db, clock := setupDB(t)

	clock.Set(6)
	if _, err := db.UpsertConversation(conversation("A", msg("m1", "A", 5, "bob"))); err != nil {
		t.Fatal(err)
	}
	clock.Set(10)
	res, err := db.UpsertConversation(conversation("B"))
	if err != nil {
		t.Fatal(err)
	}
	if res.LastMessageAt.UnixMilli() != 10 {
		t.Errorf("LastMessageAt = %d, want 10 (cache time)", res.LastMessageAt.UnixMilli())
	}

	if got := recentIDs(t, db, 2); !equalIDs(got, []string{"B", "A"}) {
		t.Errorf("recent = %v, want [B A]", got)
	}

	// The first real message replaces the synthesized timestamp.
	clock.Set(50)
	if err := db.UpsertMessage(&schema.Message{MessageID: "m2", ConversationID: "B", UID: "alice", Timestamp: time.UnixMilli(3)}); err != nil {
		t.Fatal(err)
	}
	if got := recentIDs(t, db, 2); !equalIDs(got, []string{"A", "B"}) {
		t.Errorf("recent after first message = %v, want [A B]", got)
	}
}

// TestEmptyConversationGrace tests that empty conversations stop floating
// once the grace period has passed
func TestEmptyConversationGrace(t *testing.T) {
	db, clock := setupDB(t, WithEmptyConversationGrace(time.Minute))

	empty := conversation("E")
	empty.CreatedAt = time.UnixMilli(1000)

	clock.Set(2000)
	if _, err := db.UpsertConversation(empty); err != nil {
		t.Fatal(err)
	}
	if _, err := db.UpsertConversation(conversation("A", msg("m1", "A", 1500, "bob"))); err != nil {
		t.Fatal(err)
	}
	if got := recentIDs(t, db, 2); !equalIDs(got, []string{"E", "A"}) {
		t.Errorf("within grace: recent = %v, want [E A]", got)
	}

	clock.Set(1000 + time.Minute.Milliseconds() + 1)
	if _, err := db.UpsertConversation(empty); err != nil {
		t.Fatal(err)
	}
	if got := recentIDs(t, db, 2); !equalIDs(got, []string{"A", "E"}) {
		t.Errorf("after grace: recent = %v, want [A E]", got)
	}
}

// TestUpsertMessage_CreatesStub tests that a message for an unknown
// conversation is stored without making the conversation query-eligible
func TestUpsertMessage_CreatesStub(t *testing.T) {
	db, _ := setupDB(t)
	ctx := context.Background()

	m := msg("m1", "ghost", 10, "bob")
	if err := db.UpsertMessage(&m); err != nil {
		t.Fatalf("UpsertMessage() failed: %v", err)
	}
	if got := recentIDs(t, db, 10); len(got) != 0 {
		t.Errorf("stub conversation listed: %v", got)
	}
	row, err := db.GetConversation(ctx, "ghost")
	if err != nil {
		t.Fatalf("GetConversation() failed: %v", err)
	}
	if row.IsCached {
		t.Error("stub row should not be flagged cached")
	}
	if len(row.Messages) != 1 {
		t.Errorf("stub has %d messages, want 1", len(row.Messages))
	}

	// A full upsert promotes the stub.
	if _, err := db.UpsertConversation(conversation("ghost")); err != nil {
		t.Fatal(err)
	}
	if got := recentIDs(t, db, 10); !equalIDs(got, []string{"ghost"}) {
		t.Errorf("recent = %v, want [ghost]", got)
	}
	row, _ = db.GetConversation(ctx, "ghost")
	if row.LastMessageAt.UnixMilli() != 10 {
		t.Errorf("LastMessageAt = %d, want 10", row.LastMessageAt.UnixMilli())
	}
}

// TestUpsertConversation_ServerLastWriterWins tests server-timestamp conflict resolution
func TestUpsertConversation_ServerLastWriterWins(t *testing.T) {
	db, _ := setupDB(t)
	ctx := context.Background()

	newer := conversation("c1")
	newer.UIDs = []string{"alice", "bob"}
	newer.UpdatedAt = time.UnixMilli(2000)
	if _, err := db.UpsertConversation(newer); err != nil {
		t.Fatal(err)
	}

	older := conversation("c1", msg("m1", "c1", 10, "carol"))
	older.UIDs = []string{"alice", "carol"}
	older.UpdatedAt = time.UnixMilli(1000)
	res, err := db.UpsertConversation(older)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Stale {
		t.Error("older server row should be reported stale")
	}

	row, err := db.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if row.UIDs[1] != "bob" {
		t.Errorf("uids = %v, stale row overwrote them", row.UIDs)
	}
	if row.UpdatedAt.UnixMilli() != 2000 {
		t.Errorf("updated_at = %d, want 2000", row.UpdatedAt.UnixMilli())
	}

	// A local write keeps the server timestamp.
	local := conversation("c1")
	if _, err := db.UpsertConversation(local); err != nil {
		t.Fatal(err)
	}
	row, _ = db.GetConversation(ctx, "c1")
	if row.UpdatedAt.UnixMilli() != 2000 {
		t.Errorf("local write changed updated_at to %d", row.UpdatedAt.UnixMilli())
	}
}

// TestUpsertConversation_MergesMessageIDsAndLastRead tests that ids are
// unioned and lastRead only moves forward
func TestUpsertConversation_MergesMessageIDsAndLastRead(t *testing.T) {
	db, _ := setupDB(t)
	ctx := context.Background()

	first := conversation("c1", msg("m1", "c1", 10, "bob"), msg("m2", "c1", 20, "bob"))
	first.LastRead = map[string]time.Time{"alice": time.UnixMilli(20)}
	first.UpdatedAt = time.UnixMilli(100)
	if _, err := db.UpsertConversation(first); err != nil {
		t.Fatal(err)
	}

	second := &schema.Conversation{
		ConversationID: "c1",
		UIDs:           []string{"alice", "bob"},
		MessageIDs:     []string{"m3"},
		LastRead:       map[string]time.Time{"alice": time.UnixMilli(10), "bob": time.UnixMilli(5)},
		UpdatedAt:      time.UnixMilli(200),
	}
	if _, err := db.UpsertConversation(second); err != nil {
		t.Fatal(err)
	}

	row, err := db.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	if err := json.Unmarshal(row.MessageIDs, &ids); err != nil {
		t.Fatalf("stored message ids not valid JSON: %v", err)
	}
	if !equalIDs(ids, []string{"m1", "m2", "m3"}) {
		t.Errorf("message ids = %v, want [m1 m2 m3]", ids)
	}
	if got := row.LastRead["alice"].UnixMilli(); got != 20 {
		t.Errorf("lastRead[alice] = %d, want 20", got)
	}
	if got := row.LastRead["bob"].UnixMilli(); got != 5 {
		t.Errorf("lastRead[bob] = %d, want 5", got)
	}
}

// TestUpsertConversation_ClampsLocalLastRead tests that a local write cannot
// claim to have read past the newest message
func TestUpsertConversation_ClampsLocalLastRead(t *testing.T) {
	db, _ := setupDB(t)

	c := conversation("c1", msg("m1", "c1", 10, "bob"))
	c.LastRead = map[string]time.Time{"alice": time.UnixMilli(99)}
	if _, err := db.UpsertConversation(c); err != nil {
		t.Fatal(err)
	}

	row, err := db.GetConversation(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got := row.LastRead["alice"].UnixMilli(); got != 10 {
		t.Errorf("lastRead[alice] = %d, want clamp to 10", got)
	}
}

// TestUpsertConversation_NilMessagesStoredAsAbsent tests that a conversation
// built without a messages field keeps NULL in storage
func TestUpsertConversation_NilMessagesStoredAsAbsent(t *testing.T) {
	db, _ := setupDB(t)

	c := &schema.Conversation{ConversationID: "c1", UIDs: []string{"alice", "bob"}}
	if _, err := db.UpsertConversation(c); err != nil {
		t.Fatal(err)
	}
	row, err := db.GetConversation(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if row.MessageIDs != nil {
		t.Errorf("MessageIDs = %s, want nil", row.MessageIDs)
	}

	parsed, warnings, err := schema.ParseConversation(row.Document())
	if err != nil {
		t.Fatalf("ParseConversation(Document()) failed: %v", err)
	}
	if len(parsed.Messages) != 0 || len(warnings) == 0 {
		t.Errorf("parsed %d messages with warnings %v", len(parsed.Messages), warnings)
	}
}

// TestSetLastRead tests clamping, monotonicity and membership checks
func TestSetLastRead(t *testing.T) {
	db, _ := setupDB(t)
	ctx := context.Background()

	if _, err := db.UpsertConversation(conversation("empty")); err != nil {
		t.Fatal(err)
	}
	got, err := db.SetLastRead(ctx, "empty", "alice", time.UnixMilli(50))
	if err != nil {
		t.Fatalf("SetLastRead(empty) failed: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("SetLastRead on empty conversation = %v, want zero", got)
	}

	if _, err := db.UpsertConversation(conversation("c1", msg("m1", "c1", 10, "bob"), msg("m2", "c1", 30, "bob"))); err != nil {
		t.Fatal(err)
	}

	got, err = db.SetLastRead(ctx, "c1", "alice", time.UnixMilli(1000))
	if err != nil {
		t.Fatal(err)
	}
	if got.UnixMilli() != 30 {
		t.Errorf("SetLastRead() = %d, want clamp to 30", got.UnixMilli())
	}

	got, err = db.SetLastRead(ctx, "c1", "alice", time.UnixMilli(10))
	if err != nil {
		t.Fatal(err)
	}
	if got.UnixMilli() != 30 {
		t.Errorf("SetLastRead() moved backwards to %d", got.UnixMilli())
	}

	if _, err := db.SetLastRead(ctx, "c1", "mallory", time.UnixMilli(10)); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("SetLastRead(non-member) error = %v, want ErrNotParticipant", err)
	}
	if _, err := db.SetLastRead(ctx, "nope", "alice", time.UnixMilli(10)); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetLastRead(missing) error = %v, want ErrNotFound", err)
	}
}

// TestRebuildProfileIndex tests that membership is derived from conversation uids
func TestRebuildProfileIndex(t *testing.T) {
	db, _ := setupDB(t)
	ctx := context.Background()

	c1 := conversation("c1")
	c2 := conversation("c2")
	c2.UIDs = []string{"alice", "carol"}
	for _, c := range []*schema.Conversation{c1, c2} {
		if _, err := db.UpsertConversation(c); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.UpsertProfile(ctx, &schema.Profile{UID: "alice", Name: "Alice", UserCode: "ALC"}); err != nil {
		t.Fatal(err)
	}

	n, err := db.RebuildProfileIndex(ctx)
	if err != nil {
		t.Fatalf("RebuildProfileIndex() failed: %v", err)
	}
	if n != 4 {
		t.Errorf("index entries = %d, want 4", n)
	}

	p, err := db.GetProfile(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !equalIDs(p.Conversations, []string{"c1", "c2"}) {
		t.Errorf("alice conversations = %v", p.Conversations)
	}

	// Moving carol out of c2 drops her index entry on the next rebuild.
	c2.UIDs = []string{"alice", "dave"}
	if _, err := db.UpsertConversation(c2); err != nil {
		t.Fatal(err)
	}
	if _, err := db.RebuildProfileIndex(ctx); err != nil {
		t.Fatal(err)
	}
	ids, err := db.ConversationIDsForUser(ctx, "carol")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("carol still indexed in %v", ids)
	}

	if _, err := db.GetProfile(ctx, "zed"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetProfile(missing) error = %v, want ErrNotFound", err)
	}
}
