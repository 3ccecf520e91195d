package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notes_core/internal/api/middleware"
	"notes_core/internal/chat"
	"notes_core/internal/dispatch"
	"notes_core/internal/domain"
	"notes_core/internal/notify"
	"notes_core/internal/presence"
	"notes_core/internal/repository"
)

type brokenChatStore struct {
	*repository.MemoryChatRepository
}

func (brokenChatStore) Save(context.Context, *domain.ChatMessage) error {
	return errors.New("connection refused")
}

type sink struct{ id string }

func (s sink) ID() string                         { return s.id }
func (s sink) Send(string, json.RawMessage) error { return nil }

type testServer struct {
	router   http.Handler
	registry *presence.Registry
}

func newTestServer(t *testing.T, store chat.Store, checks map[string]HealthCheck) *testServer {
	t.Helper()
	reg := presence.NewRegistry(4)
	d := dispatch.New(reg, nil, zerolog.Nop())
	h := NewHandler(Deps{
		Chat:     chat.NewService(store, d, zerolog.Nop()),
		Notifier: notify.New(repository.NewMemoryNotificationRepository(), d, zerolog.Nop()),
		Registry: reg,
		Checks:   checks,
		NodeID:   "node-test",
		Logger:   zerolog.Nop(),
	})
	ws := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) }
	return &testServer{router: NewRouter(zerolog.Nop(), h, ws), registry: reg}
}

func (s *testServer) do(t *testing.T, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set(middleware.UserHeader, user)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestRequiresIdentity(t *testing.T) {
	s := newTestServer(t, repository.NewMemoryChatRepository(), nil)

	rec := s.do(t, http.MethodGet, "/api/notifications", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"authentication required"}`, rec.Body.String())
}

func TestSendMessageAndHistory(t *testing.T) {
	s := newTestServer(t, repository.NewMemoryChatRepository(), nil)

	rec := s.do(t, http.MethodPost, "/api/chat/messages", "sam", SendMessageRequest{RecipientID: "rita", Text: "hello"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sent := decode[domain.ChatMessage](t, rec)
	assert.NotEmpty(t, sent.ID)

	rec = s.do(t, http.MethodGet, "/api/chat/history/sam", "rita", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[HistoryResponse](t, rec)
	require.Len(t, history.Messages, 1)
	assert.Equal(t, "hello", history.Messages[0].Text)
	assert.False(t, history.Messages[0].Read)

	rec = s.do(t, http.MethodPost, "/api/chat/mark-read/sam", "rita", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), decode[MarkReadResponse](t, rec).Updated)
}

func TestSendMessagePersistenceFailure(t *testing.T) {
	s := newTestServer(t, brokenChatStore{repository.NewMemoryChatRepository()}, nil)

	rec := s.do(t, http.MethodPost, "/api/chat/messages", "sam", SendMessageRequest{RecipientID: "rita", Text: "hello"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"message could not be saved"}`, rec.Body.String())
}

func TestSendMessageValidation(t *testing.T) {
	s := newTestServer(t, repository.NewMemoryChatRepository(), nil)

	rec := s.do(t, http.MethodPost, "/api/chat/messages", "sam", SendMessageRequest{RecipientID: "rita", Text: "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/chat/messages", "sam", map[string]string{"nope": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryQueryValidation(t *testing.T) {
	s := newTestServer(t, repository.NewMemoryChatRepository(), nil)

	rec := s.do(t, http.MethodGet, "/api/chat/history/sam?limit=-1", "rita", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/chat/history/sam?before=yesterday", "rita", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/chat/history/sam?before=2030-01-01T00:00:00Z&before_id=01J&limit=5", "rita", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"messages":[]}`, rec.Body.String())
}

func TestPresence(t *testing.T) {
	s := newTestServer(t, repository.NewMemoryChatRepository(), nil)
	s.registry.Register("alice", sink{id: "c1"})

	rec := s.do(t, http.MethodGet, "/api/presence/alice", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	p := decode[PresenceResponse](t, rec)
	assert.True(t, p.Online)
	assert.Equal(t, 1, p.LocalConnections)
	assert.Equal(t, "node-test", p.NodeID)

	rec = s.do(t, http.MethodGet, "/api/presence/carol", "bob", nil)
	assert.False(t, decode[PresenceResponse](t, rec).Online)
}

func TestNoteEndpoints(t *testing.T) {
	s := newTestServer(t, repository.NewMemoryChatRepository(), nil)

	rec := s.do(t, http.MethodPost, "/api/notes/n1/shared", "alice", NoteSharedRequest{RecipientID: "bob"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/notifications", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[NotificationsResponse](t, rec)
	require.Len(t, list.Notifications, 1)
	assert.Equal(t, int64(1), list.Unread)
	assert.Equal(t, "n1", list.Notifications[0].Reference)

	rec = s.do(t, http.MethodPost, "/api/notifications/"+list.Notifications[0].ID+"/read", "bob", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/notifications/"+list.Notifications[0].ID+"/read", "mallory", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	s.do(t, http.MethodPost, "/api/notes/n2/shared", "alice", NoteSharedRequest{RecipientID: "bob"})
	s.do(t, http.MethodPost, "/api/notes/n3/shared", "alice", NoteSharedRequest{RecipientID: "bob"})
	rec = s.do(t, http.MethodPost, "/api/notifications/read-all", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(2), decode[MarkReadResponse](t, rec).Updated)
	assert.Zero(t, decode[NotificationsResponse](t, s.do(t, http.MethodGet, "/api/notifications", "bob", nil)).Unread)

	rec = s.do(t, http.MethodPost, "/api/notes/n1/deleted", "alice", NoteDeletedRequest{RecipientIDs: []domain.UserID{"bob", "bob", "carol"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[NoteDeletedResponse](t, rec).Notified)

	rec = s.do(t, http.MethodPost, "/api/notes/n1/shared", "alice", NoteSharedRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, repository.NewMemoryChatRepository(), map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
	})
	rec := s.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "pass", resp.Checks["postgres"].Status)

	s = newTestServer(t, repository.NewMemoryChatRepository(), map[string]HealthCheck{
		"redis": func(context.Context) error { return errors.New("dial tcp: refused") },
	})
	rec = s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decode[HealthResponse](t, rec).Status)
}

func TestMetricsAndWebsocketRoutes(t *testing.T) {
	s := newTestServer(t, repository.NewMemoryChatRepository(), nil)

	rec := s.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/ws", "", nil)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
