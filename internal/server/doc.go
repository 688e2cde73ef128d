// Package server is the WebSocket transport for the chat relay.
//
// It loads configuration, upgrades /{userId}/{apiKey} requests, adapts each
// gorilla connection to relay.Conn and dispatches connect, message and
// disconnect events to an explicitly constructed relay.Hub. Health and
// Prometheus endpoints share the same mux.
package server
