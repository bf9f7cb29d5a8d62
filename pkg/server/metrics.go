package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus instruments. Every server owns
// its own registry so multiple instances (tests) never collide on
// registration.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions       prometheus.Gauge
	sessionsCreated      prometheus.Counter
	sessionsDisconnected prometheus.Counter

	messagesReceived *prometheus.CounterVec
	messagesSent     *prometheus.CounterVec

	broadcasts        prometheus.Counter
	broadcastFanout   *prometheus.HistogramVec
	broadcastDuration *prometheus.HistogramVec
	deliveryFailures  prometheus.Counter

	bridgeResubscribes prometheus.Counter
}

// NewMetrics creates and registers the server's metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "drift_active_sessions",
			Help: "Number of currently connected sessions",
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drift_sessions_created_total",
			Help: "Total sessions created since start",
		}),
		sessionsDisconnected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drift_sessions_disconnected_total",
			Help: "Total sessions disconnected since start",
		}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drift_messages_received_total",
			Help: "Inbound protocol events by type",
		}, []string{"type"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drift_messages_sent_total",
			Help: "Outbound protocol events by type",
		}, []string{"type"}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drift_broadcasts_total",
			Help: "Total fan-out operations",
		}),
		broadcastFanout: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "drift_broadcast_fanout_recipients",
			Help:    "Recipients per fan-out",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500},
		}, []string{"kind"}),
		broadcastDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "drift_broadcast_duration_seconds",
			Help:    "Time spent per fan-out",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drift_delivery_failures_total",
			Help: "Writes to dead sockets during fan-out",
		}),
		bridgeResubscribes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drift_bridge_resubscribes_total",
			Help: "Change-feed bridge reconnections",
		}),
	}

	registry.MustRegister(
		m.activeSessions,
		m.sessionsCreated,
		m.sessionsDisconnected,
		m.messagesReceived,
		m.messagesSent,
		m.broadcasts,
		m.broadcastFanout,
		m.broadcastDuration,
		m.deliveryFailures,
		m.bridgeResubscribes,
	)

	return m
}

// Handler returns an HTTP handler serving this server's metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordActiveSessions sets the active session gauge
func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

// RecordSessionCreated increments the created-sessions counter
func (m *Metrics) RecordSessionCreated() {
	m.sessionsCreated.Inc()
}

// RecordSessionDisconnected increments the disconnected-sessions counter
func (m *Metrics) RecordSessionDisconnected() {
	m.sessionsDisconnected.Inc()
}

// RecordMessageReceived counts one inbound event
func (m *Metrics) RecordMessageReceived(eventType string) {
	m.messagesReceived.WithLabelValues(eventType).Inc()
}

// RecordMessageSent counts one outbound event
func (m *Metrics) RecordMessageSent(eventType string) {
	m.messagesSent.WithLabelValues(eventType).Inc()
}

// RecordMessageBroadcast counts one fan-out operation
func (m *Metrics) RecordMessageBroadcast() {
	m.broadcasts.Inc()
}

// RecordBroadcastFanout records the recipient count of one fan-out
func (m *Metrics) RecordBroadcastFanout(kind string, recipients int) {
	m.broadcastFanout.WithLabelValues(kind).Observe(float64(recipients))
}

// RecordBroadcastDuration records the wall time of one fan-out
func (m *Metrics) RecordBroadcastDuration(kind string, seconds float64) {
	m.broadcastDuration.WithLabelValues(kind).Observe(seconds)
}

// RecordDeliveryFailure counts one failed write during fan-out
func (m *Metrics) RecordDeliveryFailure() {
	m.deliveryFailures.Inc()
}

// RecordBridgeResubscribe counts one bridge reconnection
func (m *Metrics) RecordBridgeResubscribe() {
	m.bridgeResubscribes.Inc()
}
