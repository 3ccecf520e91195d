package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"notes_core/internal/chat"
	"notes_core/internal/domain"
	"notes_core/internal/notify"
	"notes_core/internal/presence"
	"notes_core/internal/repository"
)

type ChatService interface {
	Send(ctx context.Context, sender, recipient domain.UserID, text string) (*domain.ChatMessage, error)
	History(ctx context.Context, user, other domain.UserID, limit int, before *domain.Cursor) ([]*domain.ChatMessage, error)
	MarkRead(ctx context.Context, reader, other domain.UserID) (int64, error)
}

type Notifier interface {
	NoteShared(ctx context.Context, sender, recipient domain.UserID, noteID string) (*domain.Notification, error)
	NoteDeleted(ctx context.Context, noteID string, recipients []domain.UserID) (int, error)
	List(ctx context.Context, user domain.UserID, limit int) ([]*domain.Notification, int64, error)
	MarkRead(ctx context.Context, user domain.UserID, id string) error
	MarkAllRead(ctx context.Context, user domain.UserID) (int64, error)
}

type PresenceChecker interface {
	IsUserOnline(ctx context.Context, user domain.UserID) (bool, error)
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Deps are the collaborators served over HTTP. Presence may be nil, in which
// case presence answers come from the local registry only.
type Deps struct {
	Chat     ChatService
	Notifier Notifier
	Registry *presence.Registry
	Presence PresenceChecker
	Checks   map[string]HealthCheck
	NodeID   string
	Logger   zerolog.Logger
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	chat     ChatService
	notifier Notifier
	registry *presence.Registry
	presence PresenceChecker
	checks   map[string]HealthCheck
	nodeID   string
	logger   zerolog.Logger
}

func NewHandler(d Deps) *Handler {
	h := &Handler{
		chat:     d.Chat,
		notifier: d.Notifier,
		registry: d.Registry,
		presence: d.Presence,
		checks:   d.Checks,
		nodeID:   d.NodeID,
		logger:   d.Logger.With().Str("component", "api").Logger(),
	}
	if h.presence == nil {
		h.presence = presence.LocalChecker{Registry: d.Registry}
	}
	return h
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Debug().Err(err).Msg("failed to write response")
	}
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// fail maps a service error onto a response.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, chat.ErrInvalidMessage), errors.Is(err, notify.ErrInvalidNotification):
		h.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrNotFound):
		h.Error(w, http.StatusNotFound, "not found")
	case errors.Is(err, chat.ErrPersistence):
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("persistence failure")
		h.Error(w, http.StatusInternalServerError, "message could not be saved")
	default:
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		h.Error(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}
