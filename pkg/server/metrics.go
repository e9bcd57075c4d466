package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. Each server instance
// carries its own registry so several servers can coexist in one process
// (the tests start many).
type Metrics struct {
	registry *prometheus.Registry

	activeSessions  prometheus.Gauge
	boundIdentities prometheus.Gauge
	activeGroups    prometheus.Gauge

	messagesReceived *prometheus.CounterVec
	messagesSent     prometheus.Counter
	messagesDropped  prometheus.Counter
	messagesArchived prometheus.Counter
	kicks            prometheus.Counter
	handshakeFailed  prometheus.Counter
}

// NewMetrics creates and registers the server's collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto{registry}

	return &Metrics{
		registry: registry,
		activeSessions: factory.gauge(prometheus.GaugeOpts{
			Name: "groupchat_active_sessions",
			Help: "Number of open connections with a bound identity.",
		}),
		boundIdentities: factory.gauge(prometheus.GaugeOpts{
			Name: "groupchat_bound_identities",
			Help: "Number of identities with a live session.",
		}),
		activeGroups: factory.gauge(prometheus.GaugeOpts{
			Name: "groupchat_active_groups",
			Help: "Number of groups with at least one member.",
		}),
		messagesReceived: factory.counterVec(prometheus.CounterOpts{
			Name: "groupchat_messages_received_total",
			Help: "Envelopes received from clients, by type.",
		}, []string{"type"}),
		messagesSent: factory.counter(prometheus.CounterOpts{
			Name: "groupchat_messages_sent_total",
			Help: "Envelopes queued for delivery to clients.",
		}),
		messagesDropped: factory.counter(prometheus.CounterOpts{
			Name: "groupchat_messages_dropped_total",
			Help: "Envelopes dropped because a client's send queue was full.",
		}),
		messagesArchived: factory.counter(prometheus.CounterOpts{
			Name: "groupchat_messages_archived_total",
			Help: "Chat messages appended to the history archive.",
		}),
		kicks: factory.counter(prometheus.CounterOpts{
			Name: "groupchat_kicks_total",
			Help: "Sessions evicted by a newer connection for the same identity.",
		}),
		handshakeFailed: factory.counter(prometheus.CounterOpts{
			Name: "groupchat_handshake_failures_total",
			Help: "Connections rejected for a missing or invalid identity claim.",
		}),
	}
}

// Handler serves this instance's metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordActiveSessions(n int)  { m.activeSessions.Set(float64(n)) }
func (m *Metrics) RecordBoundIdentities(n int) { m.boundIdentities.Set(float64(n)) }
func (m *Metrics) RecordActiveGroups(n int)    { m.activeGroups.Set(float64(n)) }

func (m *Metrics) RecordMessageReceived(msgType string) {
	m.messagesReceived.WithLabelValues(msgType).Inc()
}
func (m *Metrics) RecordMessageSent()      { m.messagesSent.Inc() }
func (m *Metrics) RecordMessageDropped()   { m.messagesDropped.Inc() }
func (m *Metrics) RecordMessageArchived()  { m.messagesArchived.Inc() }
func (m *Metrics) RecordKick()             { m.kicks.Inc() }
func (m *Metrics) RecordHandshakeFailure() { m.handshakeFailed.Inc() }

// promauto mirrors the promauto package against a private registry.
type promauto struct {
	registry *prometheus.Registry
}

func (f promauto) gauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	g := prometheus.NewGauge(opts)
	f.registry.MustRegister(g)
	return g
}

func (f promauto) counter(opts prometheus.CounterOpts) prometheus.Counter {
	c := prometheus.NewCounter(opts)
	f.registry.MustRegister(c)
	return c
}

func (f promauto) counterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(opts, labels)
	f.registry.MustRegister(c)
	return c
}
