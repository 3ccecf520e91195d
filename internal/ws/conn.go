package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 10
)

var (
	ErrConnClosed     = errors.New("ws: connection closed")
	ErrSendBufferFull = errors.New("ws: send buffer full")
)

// frame is the outbound wire shape for every event.
type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Conn wraps a websocket and serializes outbound writes through a buffered
// channel. It is safe for concurrent use.
type Conn struct {
	id string
	ws *websocket.Conn

	send chan []byte
	done chan struct{}
	once sync.Once

	idleTimeout time.Duration
	pingPeriod  time.Duration
}

func newConn(ws *websocket.Conn, idleTimeout time.Duration, buffer int) *Conn {
	if buffer <= 0 {
		buffer = 256
	}
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	return &Conn{
		id:          uuid.NewString(),
		ws:          ws,
		send:        make(chan []byte, buffer),
		done:        make(chan struct{}),
		idleTimeout: idleTimeout,
		pingPeriod:  idleTimeout * 9 / 10,
	}
}

func (c *Conn) ID() string { return c.id }

// Send queues an event for the client. A client too slow to drain its buffer
// is disconnected.
func (c *Conn) Send(event string, payload json.RawMessage) error {
	b, err := json.Marshal(frame{Type: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("ws: encode frame: %w", err)
	}
	return c.enqueue(b)
}

func (c *Conn) sendFrame(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ws: encode payload: %w", err)
	}
	return c.Send(event, raw)
}

func (c *Conn) enqueue(b []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- b:
		return nil
	default:
		c.abort()
		return ErrSendBufferFull
	}
}

// Close terminates the connection. Only the first call has an effect.
func (c *Conn) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

// abort drops the connection without a close frame. The writer may be
// blocked on a client that stopped reading, and the caller is a dispatcher
// that must not wait for it.
func (c *Conn) abort() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *Conn) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}

// readLoop hands every inbound text frame to handle until the client goes
// away or stays silent past the idle timeout.
func (c *Conn) readLoop(handle func([]byte)) error {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.idleTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.idleTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.idleTimeout))
		handle(data)
	}
}
