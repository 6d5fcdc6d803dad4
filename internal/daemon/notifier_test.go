package daemon

import (
	"context"
	"io"
	"log"
	"os"
	"testing"
	"time"
)

// TestRedisNotifier_Live round-trips a change through a real redis server
// when VOXSYNC_TEST_REDIS_URL is set, e.g. redis://localhost:6379/0
func TestRedisNotifier_Live(t *testing.T) {
	url := os.Getenv("VOXSYNC_TEST_REDIS_URL")
	if url == "" {
		t.Skip("VOXSYNC_TEST_REDIS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := NewRedisNotifier(ctx, url, "voxsync:test:"+t.Name(), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewRedisNotifier() failed: %v", err)
	}
	defer n.Close()

	if err := n.Publish(ctx, ChangeEvent{Table: "conversations", ID: "c1"}); err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}

	select {
	case ev := <-n.Events():
		if ev.Table != "conversations" || ev.ID != "c1" {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for change event")
	}
}

func TestNewRedisNotifier_InvalidURL(t *testing.T) {
	if _, err := NewRedisNotifier(context.Background(), "not a url", "", nil); err == nil {
		t.Error("expected error for invalid url")
	}
}
