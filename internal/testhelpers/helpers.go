// Package testhelpers provides common utilities for testing the chat relay.
//
// It contains reusable helpers for creating test servers, dialing WebSocket
// sessions, exchanging envelopes and faking the REST backend so that server
// tests stay short and focused on behaviour.
package testhelpers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/chatrelay/internal/relay"
	"github.com/gorilla/websocket"
)

// DefaultReadTimeout bounds every helper read.
const DefaultReadTimeout = 2 * time.Second

// CreateTestServer creates a test HTTP server with the given handler and
// closes it when the test finishes.
func CreateTestServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, expected) {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// MakeRequest creates and executes an HTTP request, returning the response.
// It includes a 5-second timeout and fails the test if the request cannot be
// created or executed successfully.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

// WebSocketURL converts an httptest server URL and path into a ws:// URL.
func WebSocketURL(serverURL, path string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + path
}

// DialWebSocket opens a WebSocket connection with the given Origin header
// (none when empty). The handshake response is returned for inspection.
func DialWebSocket(url, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// ConnectWebSocket dials url and fails the test on error. The connection is
// closed when the test finishes.
func ConnectWebSocket(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := DialWebSocket(url, "")
	if err != nil {
		t.Fatalf("Failed to connect to %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendMessage writes msg as a JSON text frame.
func SendMessage(conn *websocket.Conn, msg relay.Message) error {
	return conn.WriteJSON(msg)
}

// ReceiveMessage reads one envelope, waiting at most DefaultReadTimeout.
func ReceiveMessage(conn *websocket.Conn) (relay.Message, error) {
	var msg relay.Message
	if err := conn.SetReadDeadline(time.Now().Add(DefaultReadTimeout)); err != nil {
		return msg, err
	}
	err := conn.ReadJSON(&msg)
	return msg, err
}

// ExpectMessage reads one envelope and fails the test if it cannot.
func ExpectMessage(t *testing.T, conn *websocket.Conn) relay.Message {
	t.Helper()
	msg, err := ReceiveMessage(conn)
	if err != nil {
		t.Fatalf("Failed to receive message: %v", err)
	}
	return msg
}

// ExpectSystemEvent reads one envelope and checks it is the given
// announcement about userID.
func ExpectSystemEvent(t *testing.T, conn *websocket.Conn, userID, content string) {
	t.Helper()
	msg := ExpectMessage(t, conn)
	if msg.ChatRoomID != relay.SystemRoom || msg.FromUserID != userID || msg.Content != content {
		t.Fatalf("Expected system %q from %s, got %+v", content, userID, msg)
	}
}

// ExpectNoMessage fails the test if an envelope arrives within timeout.
// The connection is unusable for reads afterwards.
func ExpectNoMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	var msg relay.Message
	if err := conn.ReadJSON(&msg); err == nil {
		t.Fatalf("Expected no message, got %+v", msg)
	}
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// StoredMessage is one ChatMessage call received by FakeBackend.
type StoredMessage struct {
	APIKey     string
	Message    string
	ChatRoomID string
}

// FakeBackend imitates the REST backend's Authenticate and ChatMessage
// endpoints.
type FakeBackend struct {
	Server *httptest.Server

	mu        sync.Mutex
	validKeys map[string]bool
	stored    []StoredMessage
	failStore bool
}

// NewFakeBackend starts a backend accepting the given api keys.
func NewFakeBackend(t *testing.T, validKeys ...string) *FakeBackend {
	t.Helper()
	b := &FakeBackend{validKeys: make(map[string]bool, len(validKeys))}
	for _, k := range validKeys {
		b.validKeys[k] = true
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/s1/growerp/100/Authenticate", b.authenticate)
	mux.HandleFunc("POST /rest/s1/growerp/100/ChatMessage", b.chatMessage)
	b.Server = CreateTestServer(t, mux)
	return b
}

// URL returns the backend host, suitable for DATABASEBACKEND.
func (b *FakeBackend) URL() string { return b.Server.URL }

// FailStore makes subsequent ChatMessage calls answer 500.
func (b *FakeBackend) FailStore(fail bool) {
	b.mu.Lock()
	b.failStore = fail
	b.mu.Unlock()
}

// Stored returns every ChatMessage call received so far.
func (b *FakeBackend) Stored() []StoredMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]StoredMessage(nil), b.stored...)
}

func (b *FakeBackend) authenticate(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	ok := b.validKeys[r.Header.Get("api_key")]
	b.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"errors":"invalid api key"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"authenticate":{"apiKey":"` + r.Header.Get("api_key") + `"}}`))
}

func (b *FakeBackend) chatMessage(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	b.stored = append(b.stored, StoredMessage{
		APIKey:     r.Header.Get("api_key"),
		Message:    r.PostForm.Get("message"),
		ChatRoomID: r.PostForm.Get("chatRoomId"),
	})
	fail := b.failStore
	b.mu.Unlock()

	if fail {
		http.Error(w, "store failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
