// Package backend talks to the REST backend that authenticates chat users and
// stores their direct messages.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Tyrowin/chatrelay/internal/relay"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// APIPath is appended to the configured backend host.
const APIPath = "/rest/s1/growerp/100/"

// DefaultHost is used when no backend host is configured.
const DefaultHost = "http://localhost:8080"

const (
	authenticatePath = "Authenticate"
	chatMessagePath  = "ChatMessage"
	apiKeyHeader     = "api_key"
	// authMarker must appear in a successful Authenticate response body.
	authMarker = "authenticate"
)

var (
	// ErrRejected is returned when the backend answers but does not accept
	// the credential.
	ErrRejected = errors.New("backend: credential rejected")
	// ErrUnexpectedStatus is returned for any non-200 response.
	ErrUnexpectedStatus = errors.New("backend: unexpected status")
)

var (
	_ relay.Authenticator = (*Client)(nil)
	_ relay.MessageStore  = (*Client)(nil)
)

// Client calls the Authenticate and ChatMessage endpoints.
type Client struct {
	http   *resty.Client
	tracer trace.Tracer
}

// BaseURL joins host and APIPath, falling back to DefaultHost.
func BaseURL(host string) string {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if host == "" {
		host = DefaultHost
	}
	return host + APIPath
}

// NewClient creates a client for the backend rooted at baseURL. timeout caps
// every request; callers may impose shorter deadlines through the context.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(0)

	return &Client{
		http:   httpClient,
		tracer: otel.Tracer("github.com/Tyrowin/chatrelay/internal/backend"),
	}
}

// Authenticate asks the backend whether credential is valid.
func (c *Client) Authenticate(ctx context.Context, credential string) error {
	ctx, span := c.tracer.Start(ctx, "backend.Authenticate")
	defer span.End()

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader(apiKeyHeader, credential).
		Get(authenticatePath)
	if err != nil {
		return c.fail(span, fmt.Errorf("authenticate request: %w", err))
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode()))

	if resp.StatusCode() != http.StatusOK {
		return c.fail(span, fmt.Errorf("%w: authenticate returned %d", ErrUnexpectedStatus, resp.StatusCode()))
	}
	if !strings.Contains(resp.String(), authMarker) {
		return c.fail(span, fmt.Errorf("%w: %q not found in response", ErrRejected, authMarker))
	}
	return nil
}

// StoreMessage saves the content and room of msg for the credential's owner.
func (c *Client) StoreMessage(ctx context.Context, credential string, msg relay.Message) error {
	ctx, span := c.tracer.Start(ctx, "backend.StoreMessage",
		trace.WithAttributes(attribute.String("chat.room_id", msg.ChatRoomID)))
	defer span.End()

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(apiKeyHeader, credential).
		SetFormData(map[string]string{
			"message":    msg.Content,
			"chatRoomId": msg.ChatRoomID,
		}).
		Post(chatMessagePath)
	if err != nil {
		return c.fail(span, fmt.Errorf("store message request: %w", err))
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode()))

	if resp.StatusCode() != http.StatusOK {
		return c.fail(span, fmt.Errorf("%w: chat message returned %d", ErrUnexpectedStatus, resp.StatusCode()))
	}
	return nil
}

func (c *Client) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
