package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"notes_core/internal/api/middleware"
	"notes_core/internal/domain"
)

type SendMessageRequest struct {
	RecipientID domain.UserID `json:"recipient_id"`
	Text        string        `json:"text"`
}

type HistoryResponse struct {
	Messages []*domain.ChatMessage `json:"messages"`
}

type MarkReadResponse struct {
	Updated int64 `json:"updated"`
}

// SendMessage persists a chat message and delivers it live.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	sender := middleware.UserFromContext(r.Context())

	var req SendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	msg, err := h.chat.Send(r.Context(), sender, req.RecipientID, req.Text)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, msg)
}

// History returns the caller's conversation with {userID}, oldest first.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	other := domain.UserID(chi.URLParam(r, "userID"))

	limit, err := queryInt(r, "limit")
	if err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	// before_id pages inside a timestamp; without it the cursor is the
	// timestamp alone.
	var before *domain.Cursor
	if raw := r.URL.Query().Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			h.Error(w, http.StatusBadRequest, "before must be an RFC 3339 timestamp")
			return
		}
		before = &domain.Cursor{CreatedAt: t, ID: r.URL.Query().Get("before_id")}
	}

	msgs, err := h.chat.History(r.Context(), user, other, limit, before)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []*domain.ChatMessage{}
	}
	h.JSON(w, http.StatusOK, HistoryResponse{Messages: msgs})
}

// MarkRead marks everything {userID} sent to the caller as read.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	reader := middleware.UserFromContext(r.Context())
	other := domain.UserID(chi.URLParam(r, "userID"))

	n, err := h.chat.MarkRead(r.Context(), reader, other)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, MarkReadResponse{Updated: n})
}
