package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "whiteboard"

	rejectionDisabled        = "disabled"
	rejectionInvalidBoard    = "invalid_board"
	rejectionOrigin          = "origin"
	rejectionUnauthorized    = "unauthorized"
	rejectionForbidden       = "forbidden"
	rejectionMembershipError = "membership_error"
	rejectionShuttingDown    = "shutting_down"

	outcomeAccepted    = "accepted"
	outcomeDuplicate   = "duplicate"
	outcomeInvalid     = "invalid"
	outcomeTooLarge    = "too_large"
	outcomeRateLimited = "rate_limited"
	outcomeForbidden   = "forbidden"
	outcomeFailed      = "failed"
)

// Metrics holds the board socket collectors.
type Metrics struct {
	rejections    *prometheus.CounterVec
	connections   prometheus.Gauge
	events        *prometheus.CounterVec
	fanoutDropped prometheus.Counter
}

// NewMetrics creates the collectors and registers them with the registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	metrics := &Metrics{
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ws_rejections_total",
			Help:      "Board socket upgrades rejected before the handshake, by reason.",
		}, []string{"reason"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "ws_connections",
			Help:      "Open board socket connections.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_total",
			Help:      "Inbound stroke events, by processing outcome.",
		}, []string{"outcome"}),
		fanoutDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fanout_dropped_total",
			Help:      "Broadcast frames dropped because a peer's outbound buffer was full.",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(metrics.rejections, metrics.connections, metrics.events, metrics.fanoutDropped)
	}
	return metrics
}

func (m *Metrics) rejected(reason string) {
	m.rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) event(outcome string) {
	m.events.WithLabelValues(outcome).Inc()
}
