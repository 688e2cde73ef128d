// Package relay gates session admission on a single, bounded credential check
// against the external identity service.
package relay

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Authenticator checks a credential against the external identity service.
// Any non-nil error means the credential is not accepted.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) error
}

// AuthGate validates credentials before a session is admitted. It fails
// closed: errors, timeouts and rejections all produce false.
type AuthGate struct {
	auth    Authenticator
	timeout time.Duration
	log     *zap.Logger
}

// NewAuthGate wraps auth with a per-call timeout.
func NewAuthGate(auth Authenticator, timeout time.Duration, log *zap.Logger) *AuthGate {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &AuthGate{auth: auth, timeout: timeout, log: log}
}

// Validate reports whether credential was accepted. It issues exactly one
// external call and never retries.
func (g *AuthGate) Validate(ctx context.Context, credential string) bool {
	if g == nil || g.auth == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.auth.Authenticate(ctx, credential); err != nil {
		g.log.Info("credential rejected", zap.Error(err))
		return false
	}
	return true
}
