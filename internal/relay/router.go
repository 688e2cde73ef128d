// Package relay routes inbound messages to a broadcast or to every session of
// the addressed user.
package relay

import (
	"context"

	"github.com/Tyrowin/chatrelay/internal/metrics"
	"go.uber.org/zap"
)

// Router decides who receives each inbound message.
type Router struct {
	registry    *Registry
	broadcaster *Broadcaster
	persistence *PersistenceBridge
	metrics     *metrics.Metrics
	log         *zap.Logger
}

// NewRouter creates a router dispatching to broadcaster or to the sessions of
// the addressed user.
func NewRouter(registry *Registry, broadcaster *Broadcaster, persistence *PersistenceBridge, m *metrics.Metrics, log *zap.Logger) *Router {
	return &Router{
		registry:    registry,
		broadcaster: broadcaster,
		persistence: persistence,
		metrics:     m,
		log:         log,
	}
}

// Route delivers msg on behalf of sender. The sender identity always comes
// from the session, never from the message. It returns the number of
// sessions the message was delivered to.
func (r *Router) Route(ctx context.Context, sender *Session, msg Message) int {
	msg.FromUserID = sender.UserID()

	if msg.IsBroadcast() {
		r.metrics.MessageRouted(metrics.KindBroadcast)
		return r.broadcaster.Broadcast(ctx, msg)
	}

	r.metrics.MessageRouted(metrics.KindDirect)
	return r.deliverDirect(ctx, sender, msg)
}

func (r *Router) deliverDirect(ctx context.Context, sender *Session, msg Message) int {
	targets := r.registry.FindByUserID(msg.ToUserID)
	if len(targets) == 0 {
		r.log.Debug("no session online for recipient, message dropped",
			zap.String("from_user_id", msg.FromUserID),
			zap.String("to_user_id", msg.ToUserID))
		return 0
	}

	delivered := 0
	for _, target := range targets {
		if err := target.Send(msg); err != nil {
			r.log.Info("chat message send failed",
				zap.String("session_id", target.ID()),
				zap.String("to_user_id", msg.ToUserID),
				zap.Error(err))
			r.metrics.DeliveryFailed(metrics.KindDirect)
			continue
		}
		delivered++
		r.log.Debug("sent chat message",
			zap.String("session_id", target.ID()),
			zap.String("to_user_id", msg.ToUserID),
			zap.String("chat_room_id", msg.ChatRoomID))

		r.persistence.Store(ctx, sender.Credential(), msg)
	}
	return delivered
}
