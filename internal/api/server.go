// Package api exposes the conversation cache to local UI clients over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/voxline/voxsync/internal/db"
	"github.com/voxline/voxsync/internal/repository"
	"github.com/voxline/voxsync/internal/schema"
	"github.com/voxline/voxsync/internal/sync"
)

// Syncer is the part of the sync manager the API drives.
type Syncer interface {
	Trigger(ctx context.Context) bool
	Status() sync.Status
}

// Config wires the API's collaborators.
type Config struct {
	Repo *repository.Repository
	Sync Syncer
	Auth *Authenticator
	// Feed serves /ws when set, normally a *dashboard.Server.
	Feed   http.Handler
	Logger *log.Logger
}

type handler struct {
	repo   *repository.Repository
	syncer Syncer
	logger *log.Logger
}

// NewRouter builds the HTTP API.
func NewRouter(cfg Config) (http.Handler, error) {
	if cfg.Repo == nil {
		return nil, errors.New("api: repository is required")
	}
	if cfg.Auth == nil {
		return nil, ErrMissingSecret
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[api] ", log.LstdFlags)
	}
	h := &handler{repo: cfg.Repo, syncer: cfg.Sync, logger: cfg.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: cfg.Logger, NoColor: true}))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(cfg.Auth.Handle)

		r.Route("/api", func(r chi.Router) {
			r.Get("/conversations", h.listConversations)
			r.Post("/conversations", h.saveConversation)
			r.Get("/conversations/{id}", h.getConversation)
			r.Post("/conversations/{id}/messages", h.sendMessage)
			r.Post("/conversations/{id}/read", h.markConversationRead)
			r.Post("/messages/{id}/read", h.markMessageRead)
			r.Post("/sync", h.triggerSync)
			r.Get("/sync/status", h.syncStatus)
		})

		if cfg.Feed != nil {
			r.Handle("/ws", cfg.Feed)
		}
	})

	return r, nil
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	var vErr *schema.ValidationError
	switch {
	case errors.As(err, &vErr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: vErr.Reason, Field: vErr.Field})
	case errors.Is(err, db.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, repository.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody{Error: err.Error()})
	default:
		h.logger.Printf("request failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func (h *handler) listConversations(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a non-negative integer", Field: "limit"})
			return
		}
		limit = n
	}

	convs, err := h.repo.GetRecentConversations(r.Context(), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if convs == nil {
		convs = []*schema.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (h *handler) saveConversation(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if err := h.repo.SaveConversationJSON(r.Context(), body); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *handler) getConversation(w http.ResponseWriter, r *http.Request) {
	uid, _ := UIDFromContext(r.Context())

	conv, err := h.repo.GetConversation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !conv.HasParticipant(uid) {
		h.writeError(w, fmt.Errorf("%q is not a participant of %s: %w", uid, conv.ConversationID, repository.ErrForbidden))
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

type sendRequest struct {
	AudioURL string `json:"audioUrl"`
}

func (h *handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	uid, _ := UIDFromContext(r.Context())

	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}

	msg, err := h.repo.SendMessage(r.Context(), chi.URLParam(r, "id"), uid, req.AudioURL)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

type lastReadResponse struct {
	ConversationID string     `json:"conversationId"`
	LastRead       *time.Time `json:"lastRead"`
}

func (h *handler) markConversationRead(w http.ResponseWriter, r *http.Request) {
	uid, _ := UIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	at, err := h.repo.MarkConversationRead(r.Context(), id, uid)
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp := lastReadResponse{ConversationID: id}
	if !at.IsZero() {
		resp.LastRead = &at
	}
	writeJSON(w, http.StatusOK, resp)
}

type markReadResponse struct {
	MessageID string `json:"messageId"`
	OK        bool   `json:"ok"`
	Queued    bool   `json:"queued,omitempty"`
}

// markMessageRead confirms the read with the backend right away. With
// ?queue=true the remote update goes through the outbox instead. Only the
// recipient of a message may mark it read.
func (h *handler) markMessageRead(w http.ResponseWriter, r *http.Request) {
	uid, _ := UIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if err := h.repo.CheckReader(r.Context(), id, uid); err != nil {
		h.writeError(w, err)
		return
	}

	if queue, _ := strconv.ParseBool(r.URL.Query().Get("queue")); queue {
		if err := h.repo.QueueMarkAsRead(r.Context(), id); err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, markReadResponse{MessageID: id, OK: true, Queued: true})
		return
	}

	ok := h.repo.MarkAsRead(r.Context(), id)
	writeJSON(w, http.StatusOK, markReadResponse{MessageID: id, OK: ok})
}

func (h *handler) triggerSync(w http.ResponseWriter, r *http.Request) {
	if h.syncer == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "sync is not configured"})
		return
	}
	started := h.syncer.Trigger(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusAccepted, map[string]bool{"started": started})
}

func (h *handler) syncStatus(w http.ResponseWriter, r *http.Request) {
	if h.syncer == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "sync is not configured"})
		return
	}
	writeJSON(w, http.StatusOK, h.syncer.Status())
}
