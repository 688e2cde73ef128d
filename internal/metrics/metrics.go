// Package metrics exposes Prometheus collectors for the relay. All methods
// are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatrelay"

// Message kinds used as label values.
const (
	KindBroadcast = "broadcast"
	KindDirect    = "direct"
)

// Reasons an inbound frame is dropped before routing.
const (
	DropMalformed   = "malformed"
	DropRateLimited = "rate_limited"
)

// Metrics groups the relay's collectors.
type Metrics struct {
	sessionsActive  prometheus.Gauge
	connections     *prometheus.CounterVec
	messagesRouted  *prometheus.CounterVec
	deliveryFailure *prometheus.CounterVec
	persistence     *prometheus.CounterVec
	presenceErrors  prometheus.Counter
	inboundDropped  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently registered.",
		}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Connection attempts by authentication result.",
		}, []string{"result"}),
		messagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_routed_total",
			Help:      "Inbound messages routed, by kind.",
		}, []string{"kind"}),
		deliveryFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Per-recipient send failures, by kind.",
		}, []string{"kind"}),
		persistence: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_total",
			Help:      "Store calls for delivered direct messages, by result.",
		}, []string{"result"}),
		presenceErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_publish_errors_total",
			Help:      "Presence events that could not be published.",
		}),
		inboundDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_dropped_total",
			Help:      "Inbound frames discarded before routing, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(
		m.sessionsActive,
		m.connections,
		m.messagesRouted,
		m.deliveryFailure,
		m.persistence,
		m.presenceErrors,
		m.inboundDropped,
	)
	return m
}

// SetSessions records the current registry size.
func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

// ConnectionAttempt records one authentication outcome.
func (m *Metrics) ConnectionAttempt(accepted bool) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(resultLabel(accepted, "accepted", "rejected")).Inc()
}

// MessageRouted counts one inbound message of the given kind.
func (m *Metrics) MessageRouted(kind string) {
	if m == nil {
		return
	}
	m.messagesRouted.WithLabelValues(kind).Inc()
}

// DeliveryFailed counts one failed send of the given kind.
func (m *Metrics) DeliveryFailed(kind string) {
	if m == nil {
		return
	}
	m.deliveryFailure.WithLabelValues(kind).Inc()
}

// PersistenceResult counts one store call outcome.
func (m *Metrics) PersistenceResult(ok bool) {
	if m == nil {
		return
	}
	m.persistence.WithLabelValues(resultLabel(ok, "success", "failure")).Inc()
}

// PresenceError counts one presence event that failed to publish.
func (m *Metrics) PresenceError() {
	if m == nil {
		return
	}
	m.presenceErrors.Inc()
}

// InboundDropped counts one inbound frame discarded for reason.
func (m *Metrics) InboundDropped(reason string) {
	if m == nil {
		return
	}
	m.inboundDropped.WithLabelValues(reason).Inc()
}

func resultLabel(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
