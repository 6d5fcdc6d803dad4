package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/voxline/voxsync/internal/db"
	"github.com/voxline/voxsync/internal/sync"
)

// StatsSource provides cache statistics. *db.DB satisfies it.
type StatsSource interface {
	Stats(ctx context.Context) (db.Stats, error)
}

// SyncCompleteData contains sync completion information
type SyncCompleteData struct {
	Pulled         int           `json:"pulled"`
	Stale          int           `json:"stale"`
	MessagesMerged int           `json:"messages_merged"`
	Profiles       int           `json:"profiles"`
	Pushed         int           `json:"pushed"`
	PushFailed     int           `json:"push_failed"`
	Duration       time.Duration `json:"duration"`
}

// SyncFailedData describes a failed pass.
type SyncFailedData struct {
	Phase string `json:"phase,omitempty"`
	Error string `json:"error"`
}

// MessageReadData identifies the message a read event is about.
type MessageReadData struct {
	MessageID string `json:"message_id"`
}

// Handler turns sync and read-tracker events into dashboard messages. It
// implements sync.Observer; OnMessageRead fits readtracker.WithObserver.
type Handler struct {
	server *Server
	stats  StatsSource
	logger *log.Logger
}

var _ sync.Observer = (*Handler)(nil)

// NewHandler creates a handler broadcasting on server. stats may be nil.
func NewHandler(server *Server, stats StatsSource, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{server: server, stats: stats, logger: logger}
}

// SyncStarted implements sync.Observer.
func (h *Handler) SyncStarted() {
	h.send(MessageTypeSyncStarted, nil)
}

// SyncCompleted implements sync.Observer.
func (h *Handler) SyncCompleted(r sync.Result) {
	h.send(MessageTypeSyncComplete, SyncCompleteData{
		Pulled:         r.Pulled,
		Stale:          r.Stale,
		MessagesMerged: r.MessagesMerged,
		Profiles:       r.Profiles,
		Pushed:         r.Pushed,
		PushFailed:     r.PushFailed,
		Duration:       r.Duration,
	})
	h.BroadcastStats(context.Background())
}

// SyncFailed implements sync.Observer.
func (h *Handler) SyncFailed(err error) {
	data := SyncFailedData{Error: err.Error()}
	var syncErr *sync.SyncError
	if errors.As(err, &syncErr) {
		data.Phase = string(syncErr.Phase)
	}
	h.send(MessageTypeSyncFailed, data)
}

// OnMessageRead reports the outcome of a mark-as-read operation.
func (h *Handler) OnMessageRead(messageID string, ok bool) {
	typ := MessageTypeMessageRead
	if !ok {
		typ = MessageTypeMessageReadFailed
	}
	h.send(typ, MessageReadData{MessageID: messageID})
}

// BroadcastStats sends current cache statistics to all clients.
func (h *Handler) BroadcastStats(ctx context.Context) {
	if h.stats == nil {
		return
	}
	st, err := h.stats.Stats(ctx)
	if err != nil {
		h.logger.Printf("Failed to read cache stats: %v", err)
		return
	}
	h.send(MessageTypeStats, st)
}

func (h *Handler) send(typ MessageType, data any) {
	msg := Message{Type: typ, Timestamp: time.Now()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			h.logger.Printf("Failed to marshal %s data: %v", typ, err)
			return
		}
		msg.Data = raw
	}
	h.server.Broadcast(msg)
}
