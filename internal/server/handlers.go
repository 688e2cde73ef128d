// Package server exposes HTTP handlers, including WebSocket upgrades with
// credential checks and health checks.
package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Tyrowin/chatrelay/internal/relay"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocketHandler upgrades /{userId}/{apiKey} requests and admits the
// resulting connection through the hub.
type WebSocketHandler struct {
	hub      *relay.Hub
	cfg      *Config
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewWebSocketHandler creates the connection endpoint handler.
func NewWebSocketHandler(hub *relay.Hub, cfg *Config, log *zap.Logger) *WebSocketHandler {
	origins := newOriginPolicy(cfg.AllowedOrigins, log)
	return &WebSocketHandler{
		hub: hub,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.checkOrigin,
		},
		log: log,
	}
}

// ServeHTTP upgrades the connection first and then authenticates the
// credential from the path. A rejected credential gets a policy-violation
// close frame and is never registered.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	userID, apiKey := r.PathValue("userId"), r.PathValue("apiKey")
	if userID == "" || apiKey == "" {
		http.Error(w, "user id and api key are required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Info("websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}
	conn.SetReadLimit(h.cfg.MaxMessageSize)

	ws := &wsConn{conn: conn, writeTimeout: h.cfg.WriteTimeout}
	session, err := h.hub.Connect(r.Context(), userID, apiKey, ws)
	if err != nil {
		h.refuse(conn, userID, r.RemoteAddr, err)
		return
	}

	NewClient(session, conn, h.hub, r.RemoteAddr, h.cfg, h.log).Start()
}

func (h *WebSocketHandler) refuse(conn *websocket.Conn, userID, addr string, err error) {
	code, reason := websocket.CloseInternalServerErr, err.Error()
	switch {
	case errors.Is(err, relay.ErrRejected):
		code, reason = websocket.ClosePolicyViolation, reasonAuthFailed
	case errors.Is(err, relay.ErrHubClosed):
		code, reason = websocket.CloseGoingAway, reasonShuttingDown
	}

	h.log.Info("connection refused",
		zap.String("user_id", userID),
		zap.String("remote_addr", addr),
		zap.Int("close_code", code),
		zap.Error(err))

	deadline := time.Now().Add(closeFrameTimeout)
	if werr := conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline); werr != nil && !isExpectedCloseError(werr) {
		h.log.Debug("writing close frame", zap.Error(werr))
	}
	if cerr := conn.Close(); cerr != nil && !isExpectedCloseError(cerr) {
		h.log.Debug("closing refused connection", zap.Error(cerr))
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "Chat relay is running!")
}
