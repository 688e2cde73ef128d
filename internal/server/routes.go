// Package server wires the health, WebSocket and metrics handlers into a
// ServeMux.
package server

import (
	"net/http"

	"github.com/Tyrowin/chatrelay/internal/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SetupRoutes configures and returns an HTTP ServeMux with all application
// routes. The metrics endpoint is mounted only when enabled and a gatherer is
// supplied.
func SetupRoutes(hub *relay.Hub, cfg *Config, gatherer prometheus.Gatherer, log *zap.Logger) *http.ServeMux {
	ws := NewWebSocketHandler(hub, cfg, log)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", HealthHandler)
	mux.HandleFunc("GET /healthz", HealthHandler)
	mux.Handle("GET /ws/{userId}/{apiKey}", ws)
	mux.Handle("GET /{userId}/{apiKey}", ws)
	if cfg.MetricsEnabled && gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}
