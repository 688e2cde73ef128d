// Package server defines close reasons and helpers shared by the handlers and
// client pumps.
package server

import (
	"strings"
	"time"
)

// Close frame reasons sent before dropping a connection that was never
// admitted.
const (
	reasonAuthFailed   = "authentication failed"
	reasonShuttingDown = "server shutting down"
	closeFrameTimeout  = time.Second
)

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
