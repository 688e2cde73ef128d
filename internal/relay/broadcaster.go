// Package relay fans a message out to every registered session over a
// registry snapshot, skipping sessions whose send fails.
package relay

import (
	"context"

	"github.com/Tyrowin/chatrelay/internal/metrics"
	"go.uber.org/zap"
)

// Broadcaster delivers a message to every session registered when the
// broadcast starts.
type Broadcaster struct {
	registry *Registry
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// NewBroadcaster creates a broadcaster over registry.
func NewBroadcaster(registry *Registry, m *metrics.Metrics, log *zap.Logger) *Broadcaster {
	return &Broadcaster{registry: registry, metrics: m, log: log}
}

// Broadcast sends msg, unmodified, to each session in a snapshot of the
// registry, the originating session included. A failed send is logged and
// skipped. It returns the number of successful deliveries.
func (b *Broadcaster) Broadcast(ctx context.Context, msg Message) int {
	sessions := b.registry.All()
	b.log.Debug("broadcasting message",
		zap.String("from_user_id", msg.FromUserID),
		zap.String("chat_room_id", msg.ChatRoomID),
		zap.Int("recipients", len(sessions)))

	delivered := 0
	for _, s := range sessions {
		if err := s.Send(msg); err != nil {
			b.log.Info("chat broadcast message send failed",
				zap.String("session_id", s.ID()),
				zap.String("user_id", s.UserID()),
				zap.Error(err))
			b.metrics.DeliveryFailed(metrics.KindBroadcast)
			continue
		}
		delivered++
	}
	return delivered
}
