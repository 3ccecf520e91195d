package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"notes_core/internal/chat"
	"notes_core/internal/domain"
	"notes_core/internal/metrics"
	"notes_core/internal/presence"
)

// Protocol frames exchanged with clients besides dispatched events.
const (
	frameIdentify   = "identify"
	frameChatSend   = "chat-send"
	frameIdentified = "identified"
	frameChatSent   = "chat-sent"
	frameError      = "error"
)

type inboundFrame struct {
	Type        string        `json:"type"`
	UserID      domain.UserID `json:"user_id,omitempty"`
	RecipientID domain.UserID `json:"recipient_id,omitempty"`
	Text        string        `json:"text,omitempty"`
}

type errorPayload struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

type identifiedPayload struct {
	UserID       domain.UserID `json:"user_id"`
	ConnectionID string        `json:"connection_id"`
}

type ChatSender interface {
	Send(ctx context.Context, sender, recipient domain.UserID, text string) (*domain.ChatMessage, error)
}

type HubConfig struct {
	NodeID      string
	IdleTimeout time.Duration
	SendBuffer  int
	OpTimeout   time.Duration
	MirrorQueue int
}

// Hub accepts websocket connections and runs the presence protocol for each
// of them.
type Hub struct {
	registry *presence.Registry
	chat     ChatSender
	mirror   presence.Repository
	cfg      HubConfig
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   map[string]*Conn
	mirrorQ chan mirrorOp
	stopped chan struct{}
}

type mirrorOp func(ctx context.Context) error

const defaultMirrorQueue = 1024

// NewHub creates a hub over registry. mirror may be nil when sessions are
// not recorded in shared storage.
func NewHub(registry *presence.Registry, sender ChatSender, mirror presence.Repository, cfg HubConfig, logger zerolog.Logger) *Hub {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}
	if cfg.MirrorQueue <= 0 {
		cfg.MirrorQueue = defaultMirrorQueue
	}
	return &Hub{
		registry: registry,
		chat:     sender,
		mirror:   mirror,
		cfg:      cfg,
		logger:   logger.With().Str("component", "ws_hub").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin checks happen at the gateway.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns:   make(map[string]*Conn),
		mirrorQ: make(chan mirrorOp, cfg.MirrorQueue),
		stopped: make(chan struct{}),
	}
}

// Run applies session mirror writes in the order sessions produced them,
// until ctx is done. It must be called at most once.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-h.mirrorQ:
			opCtx, cancel := context.WithTimeout(ctx, h.cfg.OpTimeout)
			if err := op(opCtx); err != nil {
				h.logger.Warn().Err(err).Msg("failed to mirror session")
			}
			cancel()
		}
	}
}

// ServeWS upgrades the request and serves the connection until it closes.
// An optional user_id query parameter is treated as an initial identity
// claim.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response.
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := newConn(wsConn, h.cfg.IdleTimeout, h.cfg.SendBuffer)
	session := NewSession(conn, h.registry, h)
	h.track(conn)
	go conn.writeLoop()

	defer func() {
		session.Close()
		conn.Close(websocket.CloseNormalClosure, "session closed")
		h.untrack(conn)
	}()

	if user := r.URL.Query().Get("user_id"); user != "" {
		h.identify(session, conn, domain.UserID(user))
	}

	err = conn.readLoop(func(data []byte) {
		h.handleFrame(r.Context(), session, conn, data)
	})
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		h.logger.Debug().Err(err).Str("conn_id", conn.ID()).Msg("connection ended")
	}
}

func (h *Hub) handleFrame(ctx context.Context, session *Session, conn *Conn, data []byte) {
	var in inboundFrame
	if err := json.Unmarshal(data, &in); err != nil {
		h.replyError(conn, "bad_request", "invalid payload")
		return
	}

	switch in.Type {
	case frameIdentify:
		h.identify(session, conn, in.UserID)
	case frameChatSend:
		h.chatSend(ctx, session, conn, in)
	default:
		h.replyError(conn, "unsupported_type", "unknown frame type")
	}
}

func (h *Hub) identify(session *Session, conn *Conn, user domain.UserID) {
	if err := session.Claim(user); err != nil {
		metrics.Registrations.WithLabelValues("rejected").Inc()
		h.replyError(conn, "identity_rejected", err.Error())
		return
	}
	_ = conn.sendFrame(frameIdentified, identifiedPayload{UserID: user, ConnectionID: conn.ID()})
}

func (h *Hub) chatSend(ctx context.Context, session *Session, conn *Conn, in inboundFrame) {
	sender, ok := session.User()
	if !ok {
		h.replyError(conn, "not_identified", "identify before sending messages")
		return
	}
	if h.chat == nil {
		h.replyError(conn, "unavailable", "chat is not enabled")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.OpTimeout)
	defer cancel()

	msg, err := h.chat.Send(ctx, sender, in.RecipientID, in.Text)
	switch {
	case errors.Is(err, chat.ErrInvalidMessage):
		h.replyError(conn, "bad_request", err.Error())
		return
	case err != nil:
		h.replyError(conn, "internal_error", "message could not be saved")
		return
	}
	_ = conn.sendFrame(frameChatSent, msg)
}

func (h *Hub) replyError(conn *Conn, code, message string) {
	_ = conn.sendFrame(frameError, errorPayload{Code: code, Error: message})
}

func (h *Hub) SessionRegistered(user domain.UserID, connID string, reclaimed bool) {
	result := "registered"
	if reclaimed {
		result = "reclaimed"
	}
	metrics.Registrations.WithLabelValues(result).Inc()
	h.logger.Info().Str("user_id", user.String()).Str("conn_id", connID).Bool("reclaimed", reclaimed).
		Msg("client registered")

	h.mirrorAsync(false, func(ctx context.Context) error {
		return h.mirror.AddSession(ctx, user, connID, h.cfg.NodeID)
	})
}

func (h *Hub) SessionClosed(user domain.UserID, connID string) {
	h.logger.Info().Str("user_id", user.String()).Str("conn_id", connID).Msg("client unregistered")

	h.mirrorAsync(true, func(ctx context.Context) error {
		return h.mirror.RemoveSession(ctx, connID)
	})
}

// mirrorAsync keeps the shared session table off the connection's hot path.
// When the queue is full an add is dropped, but a remove waits for room: a
// lost remove would leave the user online in the table until the node
// restarts.
func (h *Hub) mirrorAsync(mustDeliver bool, op mirrorOp) {
	if h.mirror == nil {
		return
	}
	select {
	case h.mirrorQ <- op:
		return
	default:
	}

	if !mustDeliver {
		h.logger.Warn().Msg("session mirror queue full, dropping add")
		return
	}
	select {
	case h.mirrorQ <- op:
	case <-h.stopped:
	}
}

func (h *Hub) track(conn *Conn) {
	h.mu.Lock()
	h.conns[conn.ID()] = conn
	h.mu.Unlock()
	metrics.ConnectionsActive.Inc()
}

func (h *Hub) untrack(conn *Conn) {
	h.mu.Lock()
	_, ok := h.conns[conn.ID()]
	delete(h.conns, conn.ID())
	h.mu.Unlock()
	if ok {
		metrics.ConnectionsActive.Dec()
	}
}

// Shutdown closes every open connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Close(websocket.CloseGoingAway, "server shutdown")
	}
}

// ConnectionCount returns the number of open websocket connections.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
