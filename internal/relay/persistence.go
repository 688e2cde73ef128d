// Package relay hands delivered direct messages to the backing message store
// with a per-call timeout.
package relay

import (
	"context"
	"time"

	"github.com/Tyrowin/chatrelay/internal/metrics"
	"go.uber.org/zap"
)

// MessageStore persists a delivered message on behalf of the credential's
// owner.
type MessageStore interface {
	StoreMessage(ctx context.Context, credential string, msg Message) error
}

// PersistenceBridge forwards delivered direct messages to the durable store.
// The outcome is reported as a bool and never affects delivery.
type PersistenceBridge struct {
	store   MessageStore
	timeout time.Duration
	metrics *metrics.Metrics
	log     *zap.Logger
}

// NewPersistenceBridge wraps store with a per-call timeout. A nil store makes
// every Store call a logged no-op failure.
func NewPersistenceBridge(store MessageStore, timeout time.Duration, m *metrics.Metrics, log *zap.Logger) *PersistenceBridge {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PersistenceBridge{store: store, timeout: timeout, metrics: m, log: log}
}

// Store issues a single store call for msg. Failures are logged and counted.
func (p *PersistenceBridge) Store(ctx context.Context, credential string, msg Message) bool {
	if p.store == nil {
		p.metrics.PersistenceResult(false)
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.store.StoreMessage(ctx, credential, msg); err != nil {
		p.log.Warn("saving chat message failed",
			zap.String("chat_room_id", msg.ChatRoomID),
			zap.String("to_user_id", msg.ToUserID),
			zap.Error(err))
		p.metrics.PersistenceResult(false)
		return false
	}
	p.metrics.PersistenceResult(true)
	return true
}
