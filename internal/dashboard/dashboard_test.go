package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/voxline/voxsync/internal/db"
	"github.com/voxline/voxsync/internal/sync"
)

func startServer(t *testing.T) *Server {
	t.Helper()
	server := NewServer(&Config{
		Addr:   "127.0.0.1:0",
		Logger: log.New(io.Discard, "[test] ", log.LstdFlags),
	})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

func dial(t *testing.T, server *Server) (*websocket.Conn, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn, ctx
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func waitForClients(t *testing.T, server *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d clients, got %d", n, server.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type fakeStats struct {
	stats db.Stats
	err   error
}

func (f fakeStats) Stats(context.Context) (db.Stats, error) { return f.stats, f.err }

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{
		Addr:   "127.0.0.1:0",
		Logger: log.New(io.Discard, "", 0),
	})

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	if addr := server.GetAddr(); addr == "" || addr == "127.0.0.1:0" {
		t.Fatalf("Unexpected server address %q", addr)
	}

	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
	// Second stop is a no-op.
	if err := server.Stop(); err != nil {
		t.Fatalf("Second Stop() failed: %v", err)
	}
}

func TestHealth(t *testing.T) {
	server := startServer(t)

	resp, err := http.Get("http://" + server.GetAddr() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", body["status"])
	}
}

func TestWebSocketWelcome(t *testing.T) {
	server := startServer(t)
	conn, ctx := dial(t, server)

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeStats {
		t.Errorf("Expected welcome message type %s, got %s", MessageTypeStats, msg.Type)
	}

	waitForClients(t, server, 1)

	_ = conn.Close(websocket.StatusNormalClosure, "")
	waitForClients(t, server, 0)
}

func TestHandler_SyncLifecycle(t *testing.T) {
	server := startServer(t)
	conn, ctx := dial(t, server)
	readMessage(t, ctx, conn) // welcome
	waitForClients(t, server, 1)

	h := NewHandler(server, fakeStats{stats: db.Stats{Conversations: 3, Unread: 2}}, log.New(io.Discard, "", 0))

	h.SyncStarted()
	if msg := readMessage(t, ctx, conn); msg.Type != MessageTypeSyncStarted {
		t.Fatalf("Expected %s, got %s", MessageTypeSyncStarted, msg.Type)
	}

	h.SyncCompleted(sync.Result{Pulled: 4, Pushed: 1})
	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeSyncComplete {
		t.Fatalf("Expected %s, got %s", MessageTypeSyncComplete, msg.Type)
	}
	var done SyncCompleteData
	if err := json.Unmarshal(msg.Data, &done); err != nil {
		t.Fatalf("Failed to decode completion data: %v", err)
	}
	if done.Pulled != 4 || done.Pushed != 1 {
		t.Errorf("Unexpected completion data: %+v", done)
	}

	msg = readMessage(t, ctx, conn)
	if msg.Type != MessageTypeStats {
		t.Fatalf("Expected stats after completion, got %s", msg.Type)
	}
	var st db.Stats
	if err := json.Unmarshal(msg.Data, &st); err != nil {
		t.Fatalf("Failed to decode stats: %v", err)
	}
	if st.Conversations != 3 || st.Unread != 2 {
		t.Errorf("Unexpected stats: %+v", st)
	}

	h.SyncFailed(&sync.SyncError{Phase: sync.PhasePush, Err: errors.New("backend down")})
	msg = readMessage(t, ctx, conn)
	if msg.Type != MessageTypeSyncFailed {
		t.Fatalf("Expected %s, got %s", MessageTypeSyncFailed, msg.Type)
	}
	var failed SyncFailedData
	if err := json.Unmarshal(msg.Data, &failed); err != nil {
		t.Fatalf("Failed to decode failure data: %v", err)
	}
	if failed.Phase != "push" {
		t.Errorf("Expected phase push, got %q", failed.Phase)
	}
}

func TestHandler_MessageRead(t *testing.T) {
	server := startServer(t)
	conn, ctx := dial(t, server)
	readMessage(t, ctx, conn)
	waitForClients(t, server, 1)

	h := NewHandler(server, nil, nil)

	h.OnMessageRead("m1", true)
	h.OnMessageRead("m2", false)

	first := readMessage(t, ctx, conn)
	second := readMessage(t, ctx, conn)
	if first.Type != MessageTypeMessageRead {
		t.Errorf("Expected %s, got %s", MessageTypeMessageRead, first.Type)
	}
	if second.Type != MessageTypeMessageReadFailed {
		t.Errorf("Expected %s, got %s", MessageTypeMessageReadFailed, second.Type)
	}

	var data MessageReadData
	if err := json.Unmarshal(second.Data, &data); err != nil {
		t.Fatalf("Failed to decode read data: %v", err)
	}
	if data.MessageID != "m2" {
		t.Errorf("Expected m2, got %q", data.MessageID)
	}
}

func TestWelcomeCarriesLatestStats(t *testing.T) {
	server := startServer(t)
	h := NewHandler(server, fakeStats{stats: db.Stats{Messages: 7}}, nil)
	h.BroadcastStats(context.Background())

	conn, ctx := dial(t, server)
	msg := readMessage(t, ctx, conn)
	var st db.Stats
	if err := json.Unmarshal(msg.Data, &st); err != nil {
		t.Fatalf("Failed to decode stats: %v", err)
	}
	if st.Messages != 7 {
		t.Errorf("Expected welcome stats with 7 messages, got %+v", st)
	}
}
