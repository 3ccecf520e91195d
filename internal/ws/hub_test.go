package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notes_core/internal/chat"
	"notes_core/internal/dispatch"
	"notes_core/internal/domain"
	"notes_core/internal/presence"
	"notes_core/internal/repository"
)

type mirrorCall struct {
	op     string
	user   domain.UserID
	connID string
}

type fakeMirror struct {
	mu    sync.Mutex
	calls []mirrorCall
	// gate, when set, holds every call after it is recorded.
	gate chan struct{}
}

func (m *fakeMirror) record(c mirrorCall) {
	m.mu.Lock()
	m.calls = append(m.calls, c)
	m.mu.Unlock()
	if m.gate != nil {
		<-m.gate
	}
}

func (m *fakeMirror) AddSession(_ context.Context, user domain.UserID, connID, _ string) error {
	m.record(mirrorCall{op: "add", user: user, connID: connID})
	return nil
}

func (m *fakeMirror) RemoveSession(_ context.Context, connID string) error {
	m.record(mirrorCall{op: "remove", connID: connID})
	return nil
}

func (m *fakeMirror) IsUserOnline(context.Context, domain.UserID) (bool, error) { return false, nil }
func (m *fakeMirror) PurgeNode(context.Context, string) error                   { return nil }

func (m *fakeMirror) snapshot() []mirrorCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mirrorCall(nil), m.calls...)
}

type testEnv struct {
	server     *httptest.Server
	hub        *Hub
	registry   *presence.Registry
	dispatcher *dispatch.Dispatcher
	history    *repository.MemoryChatRepository
}

func newTestEnv(t *testing.T, cfg HubConfig, mirror presence.Repository) *testEnv {
	t.Helper()
	reg := presence.NewRegistry(4)
	d := dispatch.New(reg, nil, zerolog.Nop())
	store := repository.NewMemoryChatRepository()
	svc := chat.NewService(store, d, zerolog.Nop())
	hub := NewHub(reg, svc, mirror, cfg, zerolog.Nop())

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})
	return &testEnv{server: srv, hub: hub, registry: reg, dispatcher: d, history: store}
}

func (e *testEnv) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws" + query
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readFrame(t *testing.T, c *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, c.ReadJSON(&f))
	return f
}

func writeFrame(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, c.WriteJSON(v))
}

func TestIdentifyFrameRegistersConnection(t *testing.T) {
	env := newTestEnv(t, HubConfig{IdleTimeout: time.Minute}, nil)
	c := env.dial(t, "")

	writeFrame(t, c, map[string]string{"type": "identify", "user_id": "alice"})
	f := readFrame(t, c)
	require.Equal(t, frameIdentified, f.Type)

	var p identifiedPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	assert.Equal(t, domain.UserID("alice"), p.UserID)
	assert.Equal(t, []string{p.ConnectionID}, env.registry.ConnectionIDs("alice"))
}

func TestEmptyIdentifyIsRejected(t *testing.T) {
	env := newTestEnv(t, HubConfig{IdleTimeout: time.Minute}, nil)
	c := env.dial(t, "")

	writeFrame(t, c, map[string]string{"type": "identify", "user_id": ""})
	f := readFrame(t, c)
	require.Equal(t, frameError, f.Type)
	assert.Contains(t, string(f.Payload), "identity_rejected")
	assert.Equal(t, 0, env.registry.ConnectionCount())
}

func TestDispatchReachesEveryConnectionOfUser(t *testing.T) {
	env := newTestEnv(t, HubConfig{IdleTimeout: time.Minute}, nil)
	tab1 := env.dial(t, "?user_id=alice")
	tab2 := env.dial(t, "?user_id=alice")
	require.Equal(t, frameIdentified, readFrame(t, tab1).Type)
	require.Equal(t, frameIdentified, readFrame(t, tab2).Type)

	report := env.dispatcher.Dispatch(context.Background(), "alice", domain.EventNoteShared, domain.NotePayload{NoteID: "n1"})
	assert.Equal(t, 2, report.Delivered())

	for _, c := range []*websocket.Conn{tab1, tab2} {
		f := readFrame(t, c)
		assert.Equal(t, domain.EventNoteShared, f.Type)
		assert.JSONEq(t, `{"noteId":"n1"}`, string(f.Payload))
	}
}

func TestChatSendOverSocket(t *testing.T) {
	env := newTestEnv(t, HubConfig{IdleTimeout: time.Minute}, nil)
	alice := env.dial(t, "?user_id=alice")
	bob := env.dial(t, "?user_id=bob")
	require.Equal(t, frameIdentified, readFrame(t, alice).Type)
	require.Equal(t, frameIdentified, readFrame(t, bob).Type)

	writeFrame(t, alice, map[string]string{"type": "chat-send", "recipient_id": "bob", "text": "hi bob"})

	ack := readFrame(t, alice)
	require.Equal(t, frameChatSent, ack.Type)
	var sent domain.ChatMessage
	require.NoError(t, json.Unmarshal(ack.Payload, &sent))

	got := readFrame(t, bob)
	require.Equal(t, domain.EventChatMessage, got.Type)
	var delivered domain.ChatMessage
	require.NoError(t, json.Unmarshal(got.Payload, &delivered))
	assert.Equal(t, sent.ID, delivered.ID)
	assert.Equal(t, "hi bob", delivered.Text)
	assert.Equal(t, domain.UserID("alice"), delivered.SenderID)

	history, err := env.history.Conversation(context.Background(), domain.ConversationFilter{UserA: "alice", UserB: "bob"})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, sent.ID, history[0].ID)
}

func TestChatSendRequiresIdentity(t *testing.T) {
	env := newTestEnv(t, HubConfig{IdleTimeout: time.Minute}, nil)
	c := env.dial(t, "")

	writeFrame(t, c, map[string]string{"type": "chat-send", "recipient_id": "bob", "text": "hi"})
	f := readFrame(t, c)
	require.Equal(t, frameError, f.Type)
	assert.Contains(t, string(f.Payload), "not_identified")
}

func TestUnknownAndMalformedFrames(t *testing.T) {
	env := newTestEnv(t, HubConfig{IdleTimeout: time.Minute}, nil)
	c := env.dial(t, "")

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("{oops")))
	assert.Contains(t, string(readFrame(t, c).Payload), "bad_request")

	writeFrame(t, c, map[string]string{"type": "dance"})
	assert.Contains(t, string(readFrame(t, c).Payload), "unsupported_type")
}

func TestDisconnectDeregisters(t *testing.T) {
	env := newTestEnv(t, HubConfig{IdleTimeout: time.Minute}, nil)
	c := env.dial(t, "?user_id=alice")
	require.Equal(t, frameIdentified, readFrame(t, c).Type)
	require.True(t, env.registry.IsOnline("alice"))

	require.NoError(t, c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second)))
	_ = c.Close()

	require.Eventually(t, func() bool { return !env.registry.IsOnline("alice") }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return env.hub.ConnectionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSilentClientTimesOut(t *testing.T) {
	env := newTestEnv(t, HubConfig{IdleTimeout: 200 * time.Millisecond}, nil)
	// The client never reads, so pings go unanswered.
	env.dial(t, "?user_id=alice")

	require.Eventually(t, func() bool { return env.registry.IsOnline("alice") }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !env.registry.IsOnline("alice") }, 3*time.Second, 20*time.Millisecond)
}

func TestSessionMirror(t *testing.T) {
	mirror := &fakeMirror{}
	env := newTestEnv(t, HubConfig{NodeID: "node-a", IdleTimeout: time.Minute}, mirror)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.hub.Run(ctx)

	c := env.dial(t, "?user_id=alice")
	f := readFrame(t, c)
	var p identifiedPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	_ = c.Close()

	require.Eventually(t, func() bool { return len(mirror.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []mirrorCall{
		{op: "add", user: "alice", connID: p.ConnectionID},
		{op: "remove", connID: p.ConnectionID},
	}, mirror.snapshot())
}

func TestConnSendBufferFull(t *testing.T) {
	serverSide := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverSide <- c
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()

	// No write loop is running, so nothing drains the buffer.
	conn := newConn(<-serverSide, time.Minute, 1)
	require.NoError(t, conn.Send("a", json.RawMessage(`1`)))
	assert.ErrorIs(t, conn.Send("b", json.RawMessage(`2`)), ErrSendBufferFull)
	assert.ErrorIs(t, conn.Send("c", json.RawMessage(`3`)), ErrConnClosed)

	select {
	case <-conn.Done():
	default:
		t.Fatal("connection should be closed")
	}
}

func TestDispatchToStalledClientDoesNotBlock(t *testing.T) {
	env := newTestEnv(t, HubConfig{IdleTimeout: time.Minute, SendBuffer: 2}, nil)
	c := env.dial(t, "?user_id=alice")
	require.Equal(t, frameIdentified, readFrame(t, c).Type)
	// From here on the client never reads, so its socket backs up.

	payload := domain.NotePayload{NoteID: strings.Repeat("x", 16<<20)}
	var worst time.Duration
	for i := 0; i < 8; i++ {
		start := time.Now()
		env.dispatcher.Dispatch(context.Background(), "alice", domain.EventNoteShared, payload)
		if elapsed := time.Since(start); elapsed > worst {
			worst = elapsed
		}
	}
	assert.Less(t, worst, time.Second)

	require.Eventually(t, func() bool { return !env.registry.IsOnline("alice") }, 2*time.Second, 10*time.Millisecond)
}

func TestSessionMirrorKeepsRemovesWhenQueueIsFull(t *testing.T) {
	mirror := &fakeMirror{gate: make(chan struct{})}
	hub := NewHub(presence.NewRegistry(1), nil, mirror, HubConfig{NodeID: "node-a", MirrorQueue: 1}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	// c1 occupies the writer, c2 fills the queue, c3 overflows.
	hub.SessionRegistered("alice", "c1", false)
	require.Eventually(t, func() bool { return len(mirror.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	hub.SessionRegistered("bob", "c2", false)
	hub.SessionRegistered("carol", "c3", false)

	removed := make(chan struct{})
	go func() {
		hub.SessionClosed("alice", "c1")
		close(removed)
	}()

	close(mirror.gate)
	select {
	case <-removed:
	case <-time.After(2 * time.Second):
		t.Fatal("remove was not queued")
	}

	require.Eventually(t, func() bool { return len(mirror.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []mirrorCall{
		{op: "add", user: "alice", connID: "c1"},
		{op: "add", user: "bob", connID: "c2"},
		{op: "remove", connID: "c1"},
	}, mirror.snapshot())
}

func TestSessionMirrorRemoveReleasedAfterStop(t *testing.T) {
	mirror := &fakeMirror{}
	hub := NewHub(presence.NewRegistry(1), nil, mirror, HubConfig{MirrorQueue: 1}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	hub.SessionClosed("alice", "c1") // fills the queue
	done := make(chan struct{})
	go func() {
		hub.SessionClosed("alice", "c2")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("remove blocked after the hub stopped")
	}
}
