package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/starrelay-project/starrelay/internal/network"
	"github.com/starrelay-project/starrelay/internal/protocol"
)

const namespace = "starrelay"

// Metrics holds the Prometheus collectors for the proxy.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions prometheus.Gauge
	sessionsTotal  prometheus.Counter
	packetsTotal   *prometheus.CounterVec
	decodeFailures *prometheus.CounterVec
	sessionSeconds prometheus.Histogram
}

// NewMetrics creates the collectors on a private registry, together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions currently relayed",
		}),

		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions accepted",
		}),

		packetsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_total",
			Help:      "Packets received by direction and packet type",
		}, []string{"direction", "type"}),

		decodeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Packets relayed raw because their payload failed to decode",
		}, []string{"type"}),

		sessionSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Length of closed sessions in seconds",
			Buckets:   []float64{10, 60, 300, 900, 1800, 3600, 7200, 14400},
		}),
	}
}

// Attach starts tracking sessions added to sessions.
func (m *Metrics) Attach(sessions *network.Manager) {
	sessions.WatchAdded(func(s *network.Session) {
		m.activeSessions.Inc()
		m.sessionsTotal.Inc()
		s.Client().OnReceived(m.ObservePacket)
		s.Server().OnReceived(m.ObservePacket)
	})
	sessions.WatchClosed(func(s *network.Session) {
		m.activeSessions.Dec()
		m.sessionSeconds.Observe(time.Since(s.StartedAt()).Seconds())
	})
}

// ObservePacket counts one received packet.
func (m *Metrics) ObservePacket(p protocol.Packet, c *network.Connection) {
	m.packetsTotal.WithLabelValues(p.Header().Direction.String(), p.Type().String()).Inc()
}

// DecodeFailure counts a packet that fell back to raw passthrough.
func (m *Metrics) DecodeFailure(id protocol.PacketType, err error) {
	m.decodeFailures.WithLabelValues(id.String()).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
