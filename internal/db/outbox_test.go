package db

import (
	"context"
	"errors"
	"testing"
	"time"
)

// TestOutbox_Lifecycle tests enqueue, keyed replacement, nack and ack
func TestOutbox_Lifecycle(t *testing.T) {
	db, clock := setupDB(t)
	ctx := context.Background()

	clock.Set(100)
	first, err := db.EnqueueMutation(ctx, "conversation.last_read", "last_read:c1:alice", map[string]int{"at": 1})
	if err != nil {
		t.Fatalf("EnqueueMutation() failed: %v", err)
	}
	clock.Set(200)
	if _, err := db.EnqueueMutation(ctx, "message.send", "send:m1", map[string]string{"id": "m1"}); err != nil {
		t.Fatal(err)
	}
	clock.Set(300)
	again, err := db.EnqueueMutation(ctx, "conversation.last_read", "last_read:c1:alice", map[string]int{"at": 2})
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != first.ID {
		t.Error("same key should reuse the queued mutation")
	}
	if string(again.Payload) != `{"at":2}` {
		t.Errorf("payload = %s, want latest", again.Payload)
	}

	pending, err := db.PendingMutations(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || pending[0].Key != "last_read:c1:alice" {
		t.Fatalf("pending = %+v, want 2 oldest first", pending)
	}

	status, err := db.NackMutation(ctx, first.ID, errors.New("timeout"), 2)
	if err != nil {
		t.Fatal(err)
	}
	if status != MutationPending {
		t.Errorf("status after first nack = %s, want pending", status)
	}
	status, _ = db.NackMutation(ctx, first.ID, errors.New("timeout"), 2)
	if status != MutationFailed {
		t.Errorf("status after second nack = %s, want failed", status)
	}

	failed, err := db.FailedMutations(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].Retries != 2 || failed[0].LastError != "timeout" {
		t.Errorf("failed = %+v", failed)
	}

	// Re-enqueueing a failed key revives it with a fresh retry budget.
	clock.Set(400)
	revived, err := db.EnqueueMutation(ctx, "conversation.last_read", "last_read:c1:alice", map[string]int{"at": 3})
	if err != nil {
		t.Fatal(err)
	}
	if revived.Status != MutationPending || revived.Retries != 0 {
		t.Errorf("revived = %+v", revived)
	}
	if !revived.UpdatedAt.Equal(time.UnixMilli(400).UTC()) {
		t.Errorf("UpdatedAt = %v", revived.UpdatedAt)
	}

	for _, m := range pending {
		if err := db.AckMutation(ctx, m.ID); err != nil {
			t.Fatal(err)
		}
	}
	pending, _ = db.PendingMutations(ctx, 10)
	if len(pending) != 0 {
		t.Errorf("%d mutations left after ack", len(pending))
	}

	if _, err := db.NackMutation(ctx, "nope", nil, 3); !errors.Is(err, ErrNotFound) {
		t.Errorf("NackMutation(missing) error = %v, want ErrNotFound", err)
	}
}

// TestSyncState tests cursor persistence
func TestSyncState(t *testing.T) {
	db, _ := setupDB(t)
	ctx := context.Background()

	got, err := db.SyncTime(ctx, KeyPullCursor)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsZero() {
		t.Errorf("unset cursor = %v, want zero", got)
	}

	at := time.UnixMilli(1700000000123)
	if err := db.SetSyncTime(ctx, KeyPullCursor, at); err != nil {
		t.Fatal(err)
	}
	got, err = db.SyncTime(ctx, KeyPullCursor)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(at) {
		t.Errorf("cursor = %v, want %v", got, at)
	}

	if err := db.SetSyncState(ctx, KeyLastSyncTime, "garbage"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.SyncTime(ctx, KeyLastSyncTime); err == nil {
		t.Error("expected error for corrupt sync time")
	}
}

// TestPullCursor tests the two-part pull position
func TestPullCursor(t *testing.T) {
	db, _ := setupDB(t)
	ctx := context.Background()

	at, id, err := db.PullCursor(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !at.IsZero() || id != "" {
		t.Errorf("unset cursor = (%v, %q), want zero", at, id)
	}

	// Bare milliseconds from older caches still read.
	legacy := time.UnixMilli(1700000000123)
	if err := db.SetSyncTime(ctx, KeyPullCursor, legacy); err != nil {
		t.Fatal(err)
	}
	at, id, err = db.PullCursor(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !at.Equal(legacy) || id != "" {
		t.Errorf("legacy cursor = (%v, %q), want (%v, \"\")", at, id, legacy)
	}

	fine := time.Date(2026, 10, 18, 12, 0, 0, 123456000, time.UTC)
	if err := db.SetPullCursor(ctx, fine, "c2"); err != nil {
		t.Fatal(err)
	}
	at, id, err = db.PullCursor(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !at.Equal(fine) || id != "c2" {
		t.Errorf("cursor = (%v, %q), want (%v, \"c2\")", at, id, fine)
	}

	if err := db.SetSyncState(ctx, KeyPullCursor, "{broken"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := db.PullCursor(ctx); err == nil {
		t.Error("expected error for corrupt pull cursor")
	}
}
