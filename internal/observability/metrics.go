package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks broker activity for Prometheus scraping.
type Metrics struct {
	// DispatchCounter counts dispatches by tool and final status.
	// Labels: tool, status
	DispatchCounter *prometheus.CounterVec

	// DispatchDuration measures end-to-end dispatch latency in seconds.
	// Labels: tool
	DispatchDuration *prometheus.HistogramVec

	// ConnectedDevices is a gauge of live authenticated device sockets.
	ConnectedDevices prometheus.Gauge

	// FramesDropped counts frames dropped by reason
	// (unknown_type, malformed, duplicate_result, unknown_call).
	FramesDropped *prometheus.CounterVec

	// AuthzDecisions counts authorization decisions.
	// Labels: tool, allowed
	AuthzDecisions *prometheus.CounterVec
}

// NewMetrics registers the broker metrics with the given registerer.
// A nil registerer uses the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		DispatchCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fabric",
			Name:      "dispatches_total",
			Help:      "Tool dispatches by tool name and final status.",
		}, []string{"tool", "status"}),

		DispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fabric",
			Name:      "dispatch_duration_seconds",
			Help:      "End-to-end dispatch latency.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),

		ConnectedDevices: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "fabric",
			Name:      "connected_devices",
			Help:      "Live authenticated device connections.",
		}),

		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fabric",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped by reason.",
		}, []string{"reason"}),

		AuthzDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fabric",
			Name:      "authz_decisions_total",
			Help:      "Authorization decisions by tool and outcome.",
		}, []string{"tool", "allowed"}),
	}
}
