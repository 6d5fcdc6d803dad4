package db

import (
	"context"
	"errors"
	"testing"

	"github.com/voxline/voxsync/internal/schema"
)

// TestMarkMessageReadLocal tests local read marking and the uncached no-op
func TestMarkMessageReadLocal(t *testing.T) {
	db, _ := setupDB(t)
	ctx := context.Background()

	if _, err := db.UpsertConversation(conversation("c1", msg("m1", "c1", 100, "bob"))); err != nil {
		t.Fatal(err)
	}

	ok, err := db.MarkMessageReadLocal("missing")
	if err != nil {
		t.Fatalf("MarkMessageReadLocal(missing) error: %v", err)
	}
	if ok {
		t.Error("MarkMessageReadLocal(missing) reported a match")
	}

	ok, err = db.MarkMessageReadLocal("m1")
	if err != nil || !ok {
		t.Fatalf("MarkMessageReadLocal(m1) = %v, %v", ok, err)
	}
	m, err := db.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if !m.IsRead {
		t.Error("m1 should be read")
	}

	// Marking twice is harmless.
	if ok, err := db.MarkMessageReadLocal("m1"); err != nil || !ok {
		t.Errorf("second MarkMessageReadLocal(m1) = %v, %v", ok, err)
	}
}

// TestUpsertMessage_ReadIsMonotonic tests that a remote row cannot unread a
// message while an explicit rollback can
func TestUpsertMessage_ReadIsMonotonic(t *testing.T) {
	db, _ := setupDB(t)
	ctx := context.Background()

	m := msg("m1", "c1", 100, "bob")
	if _, err := db.UpsertConversation(conversation("c1", m)); err != nil {
		t.Fatal(err)
	}
	if _, err := db.MarkMessageReadLocal("m1"); err != nil {
		t.Fatal(err)
	}

	m.IsRead = false
	if err := db.UpsertMessage(&m); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetMessage(ctx, "m1")
	if !got.IsRead {
		t.Error("upsert with isRead=false reverted a read message")
	}

	ok, err := db.SetMessageReadLocal(ctx, "m1", false)
	if err != nil || !ok {
		t.Fatalf("SetMessageReadLocal(false) = %v, %v", ok, err)
	}
	got, _ = db.GetMessage(ctx, "m1")
	if got.IsRead {
		t.Error("explicit rollback did not clear isRead")
	}
}

// TestUpsertMessage_Invalid tests message validation
func TestUpsertMessage_Invalid(t *testing.T) {
	db, _ := setupDB(t)

	err := db.UpsertMessage(&schema.Message{MessageID: "m1"})
	var verr *schema.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("UpsertMessage() error = %v, want ValidationError", err)
	}
}

// TestMessagesForConversation tests display ordering and unread counts
func TestMessagesForConversation(t *testing.T) {
	db, _ := setupDB(t)
	ctx := context.Background()

	c := conversation("c1",
		msg("m3", "c1", 300, "bob"),
		msg("m1", "c1", 100, "bob"),
		msg("m2", "c1", 200, "alice"),
	)
	if _, err := db.UpsertConversation(c); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.MessagesForConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("MessagesForConversation() failed: %v", err)
	}
	var ids []string
	for _, m := range msgs {
		ids = append(ids, m.MessageID)
	}
	if !equalIDs(ids, []string{"m1", "m2", "m3"}) {
		t.Errorf("order = %v, want [m1 m2 m3]", ids)
	}

	n, err := db.UnreadCount(ctx, "c1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("UnreadCount(alice) = %d, want 2", n)
	}

	if _, err := db.GetMessage(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetMessage(missing) error = %v, want ErrNotFound", err)
	}
}
