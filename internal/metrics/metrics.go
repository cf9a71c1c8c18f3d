// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - upstream gateway connection state and frame rates
//   - callback completions, expirations, and latency by label
//   - downstream client count and emission rates
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesReceived counts inbound gateway frames by type.
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rtxgw",
		Name:      "frames_received_total",
		Help:      "Inbound gateway frames by frame type.",
	}, []string{"type"})

	// LinesSent counts outbound gateway commands by verb.
	LinesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rtxgw",
		Name:      "lines_sent_total",
		Help:      "Outbound gateway command lines by command verb.",
	}, []string{"cmd"})

	// Connected reports upstream connection state (1 connected, 0 not).
	Connected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rtxgw",
		Name:      "gateway_connected",
		Help:      "Whether the upstream gateway connection is established.",
	})

	// CallbackCompletions counts completed callbacks by label.
	CallbackCompletions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rtxgw",
		Name:      "callback_completions_total",
		Help:      "Completed callbacks by label.",
	}, []string{"label"})

	// CallbackExpirations counts expired callbacks by label.
	CallbackExpirations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rtxgw",
		Name:      "callback_expirations_total",
		Help:      "Expired callbacks by label.",
	}, []string{"label"})

	// CallbackLatency observes callback completion latency in seconds.
	CallbackLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "rtxgw",
		Name:      "callback_latency_seconds",
		Help:      "Callback completion latency by label.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"label"})

	// Clients reports the number of connected downstream clients.
	Clients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rtxgw",
		Name:      "downstream_clients",
		Help:      "Connected downstream clients.",
	})

	// Emissions counts downstream broadcast messages.
	Emissions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rtxgw",
		Name:      "emissions_total",
		Help:      "Messages broadcast to downstream clients.",
	})
)

// ObserveCallback records one callback outcome.
func ObserveCallback(label string, elapsedMS int64, expired bool) {
	if expired {
		CallbackExpirations.WithLabelValues(label).Inc()
		return
	}
	CallbackCompletions.WithLabelValues(label).Inc()
	CallbackLatency.WithLabelValues(label).Observe(float64(elapsedMS) / 1000.0)
}
