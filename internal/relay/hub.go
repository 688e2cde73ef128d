// Package relay coordinates session admission, message routing, disconnect
// announcements and shutdown through the Hub type.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Tyrowin/chatrelay/internal/metrics"
	"github.com/Tyrowin/chatrelay/internal/presence"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrRejected is returned by Hub.Connect when the credential is not
	// accepted. The caller owns closing the transport.
	ErrRejected = errors.New("relay: credential rejected")
	// ErrHubClosed is returned by Hub.Connect after Shutdown has started.
	ErrHubClosed = errors.New("relay: hub closed")
)

// Options wires a Hub to its collaborators. Only Authenticator is required
// for admitting sessions; everything else falls back to a no-op.
type Options struct {
	Authenticator Authenticator
	Store         MessageStore
	AuthTimeout   time.Duration
	StoreTimeout  time.Duration
	Metrics       *metrics.Metrics
	Logger        *zap.Logger

	Presence presence.Publisher
	// PresenceTimeout bounds each presence publish. Defaults to 2s.
	PresenceTimeout time.Duration
}

// Hub owns the session registry and drives each session through connect,
// message routing and disconnect.
type Hub struct {
	registry    *Registry
	gate        *AuthGate
	router      *Router
	broadcaster *Broadcaster
	presence    presence.Publisher
	presenceTTL time.Duration
	metrics     *metrics.Metrics
	log         *zap.Logger

	// mu orders admissions and goroutine starts against Shutdown.
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a hub ready to accept sessions.
func NewHub(opts Options) *Hub {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	pub := opts.Presence
	if pub == nil {
		pub = presence.NopPublisher{}
	}
	presenceTTL := opts.PresenceTimeout
	if presenceTTL <= 0 {
		presenceTTL = 2 * time.Second
	}

	registry := NewRegistry()
	broadcaster := NewBroadcaster(registry, opts.Metrics, log)
	persistence := NewPersistenceBridge(opts.Store, opts.StoreTimeout, opts.Metrics, log)

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		registry:    registry,
		gate:        NewAuthGate(opts.Authenticator, opts.AuthTimeout, log),
		router:      NewRouter(registry, broadcaster, persistence, opts.Metrics, log),
		broadcaster: broadcaster,
		presence:    pub,
		presenceTTL: presenceTTL,
		metrics:     opts.Metrics,
		log:         log,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Registry exposes the live session set.
func (h *Hub) Registry() *Registry { return h.registry }

// Metrics returns the hub's collectors, which may be nil.
func (h *Hub) Metrics() *metrics.Metrics { return h.metrics }

// Context is cancelled when Shutdown starts. Connection goroutines use it to
// stop keepalives.
func (h *Hub) Context() context.Context { return h.ctx }

// Connect authenticates credential and, on success, registers a new open
// session for userID and announces it to every session, the new one
// included. A rejected credential yields ErrRejected and no session is
// registered or announced.
func (h *Hub) Connect(ctx context.Context, userID, credential string, conn Conn) (*Session, error) {
	if h.isClosed() {
		return nil, ErrHubClosed
	}

	s := NewSession(uuid.NewString(), userID, credential, conn)
	s.setState(StateAuthenticating)

	if !h.gate.Validate(ctx, credential) {
		s.setState(StateClosed)
		h.metrics.ConnectionAttempt(false)
		h.log.Info("connection rejected", zap.String("user_id", userID))
		return nil, ErrRejected
	}

	if err := h.admit(s); err != nil {
		s.setState(StateClosed)
		return nil, err
	}
	h.metrics.ConnectionAttempt(true)
	h.metrics.SetSessions(h.registry.Len())

	h.log.Info("session opened",
		zap.String("session_id", s.ID()),
		zap.String("user_id", userID),
		zap.Int("sessions", h.registry.Len()))

	h.publishPresence(ctx, s, presence.StateOnline)
	h.broadcaster.Broadcast(ctx, systemEvent(userID, ConnectedContent))
	return s, nil
}

func (h *Hub) admit(s *Session) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return ErrHubClosed
	}
	if err := h.registry.Add(s); err != nil {
		return err
	}
	s.transition(StateAuthenticating, StateOpen)
	return nil
}

// HandleMessage routes one inbound message from s. Messages from a session
// that is no longer open are ignored. It returns the number of deliveries.
func (h *Hub) HandleMessage(ctx context.Context, s *Session, msg Message) int {
	if s.State() != StateOpen {
		return 0
	}
	return h.router.Route(ctx, s, msg)
}

// Disconnect removes s, closes its transport and announces the departure to
// the remaining sessions. Only the first call for a session does anything;
// it reports whether this call performed the disconnect.
func (h *Hub) Disconnect(ctx context.Context, s *Session) bool {
	if !s.transition(StateOpen, StateClosing) {
		return false
	}
	ctx = context.WithoutCancel(ctx)

	if _, removed := h.registry.Remove(s.ID()); !removed {
		h.log.Warn("closing session was not registered", zap.String("session_id", s.ID()))
	}
	remaining := h.registry.Len()
	h.metrics.SetSessions(remaining)

	if err := s.Close(); err != nil {
		h.log.Debug("closing transport", zap.String("session_id", s.ID()), zap.Error(err))
	}
	s.setState(StateClosed)

	h.log.Info("session closed",
		zap.String("session_id", s.ID()),
		zap.String("user_id", s.UserID()),
		zap.Int("sessions", remaining))

	h.publishPresence(ctx, s, presence.StateOffline)
	h.broadcaster.Broadcast(ctx, systemEvent(s.UserID(), DisconnectedContent))
	return true
}

func (h *Hub) publishPresence(ctx context.Context, s *Session, state presence.State) {
	ctx, cancel := context.WithTimeout(ctx, h.presenceTTL)
	defer cancel()

	ev := presence.NewEvent(s.UserID(), s.ID(), state, s.ConnectedAt())
	if err := h.presence.Publish(ctx, ev); err != nil {
		h.metrics.PresenceError()
		h.log.Warn("publishing presence event failed",
			zap.String("session_id", s.ID()),
			zap.String("state", string(state)),
			zap.Error(err))
	}
}

// Go runs fn on a goroutine tracked by Shutdown. It returns false without
// running fn once the hub is closed. A panic in fn is logged, not propagated.
func (h *Hub) Go(fn func()) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return false
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				h.log.Error("recovered from panic in connection goroutine", zap.Any("panic", r))
			}
		}()
		fn()
	}()
	return true
}

func (h *Hub) isClosed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// Shutdown stops admitting sessions, disconnects every registered session
// and waits up to timeout for tracked goroutines to finish.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.log.Info("shutting down hub", zap.Int("sessions", h.registry.Len()))
	h.cancel()

	closed := 0
	for _, s := range h.registry.All() {
		if h.Disconnect(context.Background(), s) {
			closed++
		}
	}
	h.log.Info("closed sessions", zap.Int("count", closed))

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn("hub shutdown timeout reached, some connection goroutines are still running")
		return context.DeadlineExceeded
	}
}
