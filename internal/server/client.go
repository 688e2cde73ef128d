// Package server manages individual WebSocket clients, handling the read and
// keepalive pumps, rate limiting and disconnect for each connection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Tyrowin/chatrelay/internal/metrics"
	"github.com/Tyrowin/chatrelay/internal/relay"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// wsConn adapts a gorilla connection to relay.Conn. Callers serialize
// writes; relay.Session holds its send lock around every call.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

var _ relay.Conn = (*wsConn)(nil)

func (c *wsConn) WriteMessage(msg relay.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: %w", relay.ErrEncode, err)
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Ping() error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// Client drives one admitted WebSocket session: it reads inbound envelopes
// and hands them to the hub, and keeps the connection alive with pings.
type Client struct {
	session        *relay.Session
	conn           *websocket.Conn
	hub            *relay.Hub
	addr           string
	maxMessageSize int64
	limiter        *rate.Limiter
	rateLimit      RateLimitConfig
	pingInterval   time.Duration
	log            *zap.Logger
	done           chan struct{}
}

// NewClient creates the connection driver for an admitted session.
func NewClient(session *relay.Session, conn *websocket.Conn, hub *relay.Hub, addr string, cfg *Config, log *zap.Logger) *Client {
	return &Client{
		session:        session,
		conn:           conn,
		hub:            hub,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		limiter:        newRateLimiter(cfg.RateLimit),
		rateLimit:      cfg.RateLimit,
		pingInterval:   cfg.PingInterval,
		log: log.With(
			zap.String("session_id", session.ID()),
			zap.String("user_id", session.UserID()),
			zap.String("remote_addr", addr)),
		done: make(chan struct{}),
	}
}

// newRateLimiter allows Burst messages per RefillInterval.
func newRateLimiter(cfg RateLimitConfig) *rate.Limiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}
	return rate.NewLimiter(rate.Limit(float64(burst)/interval.Seconds()), burst)
}

// Start launches the read and keepalive goroutines under the hub. If the hub
// is already shutting down the session is disconnected instead.
func (c *Client) Start() {
	if !c.hub.Go(c.readPump) {
		c.hub.Disconnect(context.Background(), c.session)
		return
	}
	c.hub.Go(c.pingPump)
}

// handleReadError logs the read failure and reports whether the read loop
// should stop.
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		c.log.Info("message exceeded maximum size", zap.Int64("max_bytes", c.maxMessageSize))
		return true
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		c.log.Info("client disconnected", zap.Error(err))
		return true
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		c.log.Info("client connection closed", zap.Error(err))
		return true
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig) {
		c.log.Warn("unexpected websocket close", zap.Error(err))
		return true
	}

	c.log.Warn("websocket read error", zap.Error(err))
	return true
}

// checkRateLimit reports whether the next inbound message may be processed.
func (c *Client) checkRateLimit() bool {
	if c.limiter != nil && !c.limiter.Allow() {
		c.log.Info("rate limit exceeded, discarding message",
			zap.Int("burst", c.rateLimit.Burst),
			zap.Duration("interval", c.rateLimit.RefillInterval))
		return false
	}
	return true
}

// processMessage decodes one envelope and routes it. It reports false for a
// malformed envelope, which is dropped without closing the connection.
func (c *Client) processMessage(raw []byte) bool {
	var msg relay.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Info("invalid message", zap.Error(err))
		return false
	}

	c.log.Debug("received message",
		zap.String("to_user_id", msg.ToUserID),
		zap.String("chat_room_id", msg.ChatRoomID))
	c.hub.HandleMessage(c.hub.Context(), c.session, msg)
	return true
}

func (c *Client) readPump() {
	defer func() {
		close(c.done)
		c.hub.Disconnect(context.Background(), c.session)
	}()

	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if c.handleReadError(err) {
				return
			}
			continue
		}
		if messageType != websocket.TextMessage {
			continue
		}

		if !c.checkRateLimit() {
			c.hub.Metrics().InboundDropped(metrics.DropRateLimited)
			continue
		}
		if !c.processMessage(raw) {
			c.hub.Metrics().InboundDropped(metrics.DropMalformed)
		}
	}
}

func (c *Client) pingPump() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.hub.Context().Done():
			return
		case <-ticker.C:
			if err := c.session.Ping(); err != nil {
				if !isExpectedCloseError(err) {
					c.log.Info("keepalive ping failed", zap.Error(err))
				}
				return
			}
		}
	}
}
