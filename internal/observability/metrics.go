package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "storm_client"

// Metrics holds the Prometheus counters and gauges for region stream sessions.
type Metrics struct {
	SessionsActive     prometheus.Gauge
	SessionStarts      *prometheus.CounterVec // labels: region
	UpdatesReceived    *prometheus.CounterVec // labels: region
	StreamTerminations *prometheus.CounterVec // labels: reason={closed,cancelled,transport_error}
	CredentialAcquires *prometheus.CounterVec // labels: outcome={ok,failed}
	StateEntries       prometheus.Gauge
	WebSocketClients   prometheus.Gauge
	PublishFailures    prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of region stream sessions with a running consumption loop.",
		}),
		SessionStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_starts_total",
			Help:      "Region stream sessions started.",
		}, []string{"region"}),
		UpdatesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_received_total",
			Help:      "Updates received and normalized per region.",
		}, []string{"region"}),
		StreamTerminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_terminations_total",
			Help:      "Region stream terminations by reason.",
		}, []string{"reason"}),
		CredentialAcquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_acquisitions_total",
			Help:      "Credential acquisitions before opening a stream, by outcome.",
		}, []string{"outcome"}),
		StateEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state_entries",
			Help:      "Regions currently holding data in the state store.",
		}),
		WebSocketClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected WebSocket presentation clients.",
		}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "State changes that could not be published to Kafka.",
		}),
	}
}

// NewMetrics creates and registers all client metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.SessionsActive,
		m.SessionStarts,
		m.UpdatesReceived,
		m.StreamTerminations,
		m.CredentialAcquires,
		m.StateEntries,
		m.WebSocketClients,
		m.PublishFailures,
	)
	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}
