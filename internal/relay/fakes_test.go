package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var errBroken = errors.New("broken pipe")

// fakeConn records every message written to it.
type fakeConn struct {
	mu       sync.Mutex
	messages []Message
	writeErr error
	pingErr  error
	closed   atomic.Int32
	// inWrite detects overlapping writes.
	inWrite    atomic.Int32
	overlapped atomic.Bool
	onWrite    func()
}

func (c *fakeConn) WriteMessage(msg Message) error {
	if c.inWrite.Add(1) > 1 {
		c.overlapped.Store(true)
	}
	defer c.inWrite.Add(-1)

	if c.onWrite != nil {
		c.onWrite()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.messages = append(c.messages, msg)
	return nil
}

func (c *fakeConn) Ping() error {
	if c.inWrite.Add(1) > 1 {
		c.overlapped.Store(true)
	}
	defer c.inWrite.Add(-1)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

func (c *fakeConn) Close() error {
	c.closed.Add(1)
	return nil
}

func (c *fakeConn) received() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

func (c *fakeConn) failWith(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

func (c *fakeConn) closeCount() int { return int(c.closed.Load()) }

// fakeAuth accepts every credential in valid.
type fakeAuth struct {
	mu    sync.Mutex
	valid map[string]bool
	calls int
	err   error
	block bool
}

func newFakeAuth(valid ...string) *fakeAuth {
	a := &fakeAuth{valid: map[string]bool{}}
	for _, v := range valid {
		a.valid[v] = true
	}
	return a
}

func (a *fakeAuth) Authenticate(ctx context.Context, credential string) error {
	a.mu.Lock()
	a.calls++
	block, err, ok := a.block, a.err, a.valid[credential]
	a.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("unknown credential")
	}
	return nil
}

func (a *fakeAuth) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type storedMessage struct {
	credential string
	msg        Message
}

// fakeStore records store calls and optionally fails them.
type fakeStore struct {
	mu     sync.Mutex
	stored []storedMessage
	err    error
	block  bool
}

func (s *fakeStore) StoreMessage(ctx context.Context, credential string, msg Message) error {
	s.mu.Lock()
	s.stored = append(s.stored, storedMessage{credential: credential, msg: msg})
	block, err := s.block, s.err
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (s *fakeStore) calls() []storedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storedMessage(nil), s.stored...)
}

func observedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

// connectUser admits a session for userID through h and fails the test on
// rejection.
func connectUser(t *testing.T, h *Hub, userID, credential string) (*Session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	s, err := h.Connect(context.Background(), userID, credential, conn)
	if err != nil {
		t.Fatalf("connect %s: %v", userID, err)
	}
	return s, conn
}

// chatMessages filters out system announcements.
func chatMessages(msgs []Message) []Message {
	var out []Message
	for _, m := range msgs {
		if !m.IsSystem() {
			out = append(out, m)
		}
	}
	return out
}

func openSession(id, userID string) (*Session, *fakeConn) {
	conn := &fakeConn{}
	s := NewSession(id, userID, "key-"+userID, conn)
	s.setState(StateOpen)
	return s, conn
}
