package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"notes_core/internal/api/middleware"
	"notes_core/internal/domain"
)

type NoteSharedRequest struct {
	RecipientID domain.UserID `json:"recipient_id"`
}

type NoteDeletedRequest struct {
	RecipientIDs []domain.UserID `json:"recipient_ids"`
}

type NoteDeletedResponse struct {
	Notified int `json:"notified"`
}

type NotificationsResponse struct {
	Notifications []*domain.Notification `json:"notifications"`
	Unread        int64                  `json:"unread"`
}

type PresenceResponse struct {
	UserID           domain.UserID `json:"user_id"`
	Online           bool          `json:"online"`
	LocalConnections int           `json:"local_connections"`
	NodeID           string        `json:"node_id"`
}

// NoteShared is called by the notes service after the caller shared a note.
func (h *Handler) NoteShared(w http.ResponseWriter, r *http.Request) {
	sender := middleware.UserFromContext(r.Context())
	noteID := chi.URLParam(r, "noteID")

	var req NoteSharedRequest
	if err := decodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	n, err := h.notifier.NoteShared(r.Context(), sender, req.RecipientID, noteID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, n)
}

// NoteDeleted is called by the notes service after a shared note was deleted.
func (h *Handler) NoteDeleted(w http.ResponseWriter, r *http.Request) {
	noteID := chi.URLParam(r, "noteID")

	var req NoteDeletedRequest
	if err := decodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	count, err := h.notifier.NoteDeleted(r.Context(), noteID, req.RecipientIDs)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, NoteDeletedResponse{Notified: count})
}

func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())

	limit, err := queryInt(r, "limit")
	if err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	list, unread, err := h.notifier.List(r.Context(), user, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []*domain.Notification{}
	}
	h.JSON(w, http.StatusOK, NotificationsResponse{Notifications: list, Unread: unread})
}

func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	if err := h.notifier.MarkRead(r.Context(), user, chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) MarkAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	n, err := h.notifier.MarkAllRead(r.Context(), user)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, MarkReadResponse{Updated: n})
}

// Presence reports whether {userID} has a live connection.
func (h *Handler) Presence(w http.ResponseWriter, r *http.Request) {
	user := domain.UserID(chi.URLParam(r, "userID"))

	online, err := h.presence.IsUserOnline(r.Context(), user)
	if err != nil {
		h.logger.Warn().Err(err).Str("user_id", user.String()).Msg("presence lookup failed, using local registry")
		online = h.registry.IsOnline(user)
	}
	local := len(h.registry.ConnectionIDs(user))

	h.JSON(w, http.StatusOK, PresenceResponse{
		UserID:           user,
		Online:           online || local > 0,
		LocalConnections: local,
		NodeID:           h.nodeID,
	})
}
