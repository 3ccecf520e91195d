package ws

import (
	"errors"
	"sync"

	"notes_core/internal/domain"
	"notes_core/internal/presence"
)

var (
	ErrEmptyIdentity = errors.New("ws: identity claim is empty")
	ErrSessionClosed = errors.New("ws: session closed")
)

type State int

const (
	StateUnregistered State = iota
	StateRegistered
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistered:
		return "registered"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type Registrar interface {
	Register(user domain.UserID, conn presence.Conn) bool
	Deregister(connID string) (domain.UserID, bool)
}

// SessionObserver hears about registry changes made by a session.
type SessionObserver interface {
	SessionRegistered(user domain.UserID, connID string, reclaimed bool)
	SessionClosed(user domain.UserID, connID string)
}

// Session binds one connection to at most one user at a time and keeps the
// registry in step with the connection's lifecycle.
type Session struct {
	conn     presence.Conn
	registry Registrar
	observer SessionObserver

	mu    sync.Mutex
	state State
	user  domain.UserID
}

// NewSession starts conn in the unregistered state. observer may be nil.
func NewSession(conn presence.Conn, registry Registrar, observer SessionObserver) *Session {
	return &Session{
		conn:     conn,
		registry: registry,
		observer: observer,
	}
}

// Claim binds the connection to user. Repeating the current claim is a
// no-op. Claiming a different user removes the old registration before the
// new one is made.
func (s *Session) Claim(user domain.UserID) error {
	if !user.Valid() {
		return ErrEmptyIdentity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return ErrSessionClosed
	case StateRegistered:
		if s.user == user {
			return nil
		}
		previous := s.user
		s.registry.Deregister(s.conn.ID())
		if s.observer != nil {
			s.observer.SessionClosed(previous, s.conn.ID())
		}
		s.registry.Register(user, s.conn)
		s.user = user
		if s.observer != nil {
			s.observer.SessionRegistered(user, s.conn.ID(), true)
		}
	default:
		s.registry.Register(user, s.conn)
		s.user = user
		s.state = StateRegistered
		if s.observer != nil {
			s.observer.SessionRegistered(user, s.conn.ID(), false)
		}
	}
	return nil
}

// Close deregisters the connection and moves the session to its terminal
// state. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return
	}
	wasRegistered := s.state == StateRegistered
	s.state = StateClosed
	s.registry.Deregister(s.conn.ID())

	if wasRegistered && s.observer != nil {
		s.observer.SessionClosed(s.user, s.conn.ID())
	}
}

// User returns the currently bound user, if any.
func (s *Session) User() (domain.UserID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user, s.state == StateRegistered
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
