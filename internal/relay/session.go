// Package relay tracks each connection as a Session with an atomic lifecycle
// state and serialized writes.
package relay

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Conn is the outbound half of a live transport connection. Implementations
// are not required to be safe for concurrent writers; Session serializes
// every call.
type Conn interface {
	// WriteMessage encodes and writes one message. Encoding failures must
	// wrap ErrEncode so the session can tell them apart from transport
	// failures.
	WriteMessage(msg Message) error
	// Ping writes a keepalive control frame.
	Ping() error
	// Close tears down the transport. It must be safe to call more than once.
	Close() error
}

// ErrEncode marks a send failure caused by encoding the message rather than
// by the transport. Such failures leave the connection open.
var ErrEncode = errors.New("relay: encode message")

// State is a session's position in its connection lifecycle.
type State int32

// Session lifecycle states.
const (
	StateConnecting State = iota
	StateAuthenticating
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session represents one live, authenticated connection: its identity,
// credential and the outbound handle shared by the router and broadcaster.
type Session struct {
	id          string
	userID      string
	credential  string
	connectedAt time.Time

	conn  Conn
	mu    sync.Mutex // serializes writes to conn
	state atomic.Int32

	closeOnce sync.Once
}

// NewSession creates a session in the Connecting state.
func NewSession(id, userID, credential string, conn Conn) *Session {
	return &Session{
		id:          id,
		userID:      userID,
		credential:  credential,
		connectedAt: time.Now(),
		conn:        conn,
	}
}

// ID returns the session identifier, unique across the registry.
func (s *Session) ID() string { return s.id }

// UserID returns the authenticated user identifier.
func (s *Session) UserID() string { return s.userID }

// Credential returns the token the session authenticated with.
func (s *Session) Credential() string { return s.credential }

// ConnectedAt returns the time the session was created.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

func (s *Session) setState(to State) {
	s.state.Store(int32(to))
}

// Send writes msg to the connection while holding the session's write lock.
// A transport failure closes the connection; the read side then observes the
// close and drives the disconnect.
func (s *Session) Send(msg Message) error {
	s.mu.Lock()
	err := s.conn.WriteMessage(msg)
	s.mu.Unlock()

	if err != nil && !errors.Is(err, ErrEncode) {
		s.closeTransport()
	}
	return err
}

// Ping writes a keepalive frame under the same lock as Send.
func (s *Session) Ping() error {
	s.mu.Lock()
	err := s.conn.Ping()
	s.mu.Unlock()

	if err != nil {
		s.closeTransport()
	}
	return err
}

// Close closes the underlying transport once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

func (s *Session) closeTransport() {
	_ = s.Close()
}
