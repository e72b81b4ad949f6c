package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "mtrelay"

type relayMetrics struct {
	connectionsAccepted *prometheus.CounterVec
	connectionsRejected prometheus.Counter
	sessionsActive      prometheus.Gauge
	sessionsTotal       prometheus.Counter
	handshakeFailures   *prometheus.CounterVec
	dialFailures        prometheus.Counter
	upstreamDials       *prometheus.CounterVec
	bytesRelayed        *prometheus.CounterVec
	framesRelayed       *prometheus.CounterVec
	sessionDuration     prometheus.Histogram
}

func newRelayMetrics(reg prometheus.Registerer) *relayMetrics {
	m := &relayMetrics{
		connectionsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_accepted_total",
			Help:      "Inbound connections accepted, by transport",
		}, []string{"transport"}),
		connectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_rejected_total",
			Help:      "Inbound connections dropped because the handler pool was full",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_active",
			Help:      "Sessions currently relaying",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_total",
			Help:      "Sessions that reached the relaying state",
		}),
		handshakeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "handshake_failures_total",
			Help:      "Client handshakes rejected, by reason",
		}, []string{"reason"}),
		dialFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_dial_failures_total",
			Help:      "Sessions dropped because neither data-center endpoint answered",
		}),
		upstreamDials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_connections_total",
			Help:      "Upstream connections obtained, by route",
		}, []string{"route"}),
		bytesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "payload_bytes_total",
			Help:      "Payload bytes relayed, by direction",
		}, []string{"direction"}),
		framesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_total",
			Help:      "Frames relayed, by direction",
		}, []string{"direction"}),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "session_duration_seconds",
			Help:      "Lifetime of relaying sessions",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}

	reg.MustRegister(
		m.connectionsAccepted,
		m.connectionsRejected,
		m.sessionsActive,
		m.sessionsTotal,
		m.handshakeFailures,
		m.dialFailures,
		m.upstreamDials,
		m.bytesRelayed,
		m.framesRelayed,
		m.sessionDuration,
	)
	return m
}

// registerGauges exposes values owned by other components.
func (m *relayMetrics) registerGauges(reg prometheus.Registerer, pooled, handlers, buffered func() int) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_pool_idle",
			Help:      "Pre-dialed upstream sockets waiting in the pool",
		}, func() float64 { return float64(pooled()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "handlers_running",
			Help:      "Connection handlers currently running",
		}, func() float64 { return float64(handlers()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "buffered_payload_bytes",
			Help:      "Frame payload bytes reserved by in-flight relays",
		}, func() float64 { return float64(buffered()) }),
	)
}
