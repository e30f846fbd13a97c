// Package metrics exposes the Prometheus instrumentation surface for the
// sync engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all metrics for the application.
type Metrics struct {
	connectionsActive prometheus.Gauge
	sessionsTotal      *prometheus.CounterVec
	foldDuration       prometheus.Histogram
	foldErrors         *prometheus.CounterVec

	publishTotal      *prometheus.CounterVec
	broadcastTotal     *prometheus.CounterVec
	broadcastFailures  prometheus.Counter

	substrateSubscriptions prometheus.Gauge
	substrateHealthy       prometheus.Gauge
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		connectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "crdtsync_connections_active",
			Help: "Current number of locally attached document sessions",
		}),

		sessionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crdtsync_sessions_total",
				Help: "Total document sessions started, by outcome",
			},
			[]string{"outcome"},
		),

		foldDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "crdtsync_fold_duration_seconds",
			Help:    "Time spent folding an update into stored state",
			Buckets: prometheus.DefBuckets,
		}),

		foldErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crdtsync_fold_errors_total",
				Help: "Total persistence fold failures, by reason",
			},
			[]string{"reason"},
		),

		publishTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crdtsync_publish_total",
				Help: "Total envelopes published to the Pub/Sub substrate, by envelope type",
			},
			[]string{"type"},
		),

		broadcastTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crdtsync_broadcast_total",
				Help: "Total envelopes fanned out to local sockets, by envelope type",
			},
			[]string{"type"},
		),

		broadcastFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "crdtsync_broadcast_send_failures_total",
			Help: "Total local socket sends that failed and triggered a detach",
		}),

		substrateSubscriptions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "crdtsync_substrate_subscriptions",
			Help: "Current number of documents with an active Pub/Sub subscription",
		}),

		substrateHealthy: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "crdtsync_substrate_healthy",
			Help: "1 if the Pub/Sub substrate connection is healthy, 0 otherwise",
		}),
	}
}

// IncConnections records a new locally attached session.
func (m *Metrics) IncConnections() { m.connectionsActive.Inc() }

// DecConnections records a session detaching.
func (m *Metrics) DecConnections() { m.connectionsActive.Dec() }

// RecordSession counts a session lifecycle event by outcome (the Document
// Session records "joined" on a successful dial and "closed" on cleanup).
func (m *Metrics) RecordSession(outcome string) { m.sessionsTotal.WithLabelValues(outcome).Inc() }

// ObserveFoldDuration records how long a persistence fold took.
func (m *Metrics) ObserveFoldDuration(seconds float64) { m.foldDuration.Observe(seconds) }

// RecordFoldError records a failed fold, tagged with a coarse reason.
func (m *Metrics) RecordFoldError(reason string) { m.foldErrors.WithLabelValues(reason).Inc() }

// RecordPublish records an envelope published to the Pub/Sub substrate.
func (m *Metrics) RecordPublish(envelopeType string) { m.publishTotal.WithLabelValues(envelopeType).Inc() }

// RecordBroadcast records an envelope fanned out locally.
func (m *Metrics) RecordBroadcast(envelopeType string) {
	m.broadcastTotal.WithLabelValues(envelopeType).Inc()
}

// RecordBroadcastFailure records a local send failure that triggered a detach.
func (m *Metrics) RecordBroadcastFailure() { m.broadcastFailures.Inc() }

// SetSubstrateSubscriptions reports the current subscription count.
func (m *Metrics) SetSubstrateSubscriptions(n int) { m.substrateSubscriptions.Set(float64(n)) }

// SetSubstrateHealthy reports the current substrate connectivity.
func (m *Metrics) SetSubstrateHealthy(healthy bool) {
	if healthy {
		m.substrateHealthy.Set(1)
		return
	}
	m.substrateHealthy.Set(0)
}

// Handler returns the HTTP handler serving the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
