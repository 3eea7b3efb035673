package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerwire",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "peerwire",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerwire",
			Subsystem: "peer",
			Name:      "frames_total",
			Help:      "Frames handled by peers, by direction and classification.",
		},
		[]string{"direction", "kind"},
	)
	connectionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerwire",
			Subsystem: "peer",
			Name:      "connection_errors_total",
			Help:      "Connection-level errors raised locally or reported by remotes.",
		},
		[]string{"origin", "kind"},
	)
	relayOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerwire",
			Subsystem: "relay",
			Name:      "forwards_total",
			Help:      "Relay forwards by message kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	callOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerwire",
			Subsystem: "peer",
			Name:      "calls_total",
			Help:      "Outgoing calls by outcome.",
		},
		[]string{"outcome"},
	)
	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "peerwire",
			Subsystem: "peer",
			Name:      "call_duration_seconds",
			Help:      "Outgoing call round-trip time in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	peersOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "peerwire",
			Subsystem: "peer",
			Name:      "open",
			Help:      "Peers currently open.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			framesTotal, connectionErrors,
			relayOutcomes, callOutcomes, callDuration,
			peersOpen,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordFrame counts one frame. direction is "in" or "out".
func RecordFrame(direction, kind string) {
	RegisterMetrics()
	framesTotal.WithLabelValues(direction, kind).Inc()
}

// RecordConnectionError counts one connection error. origin is "local" or "remote".
func RecordConnectionError(origin, kind string) {
	RegisterMetrics()
	connectionErrors.WithLabelValues(origin, kind).Inc()
}

func RecordRelay(kind, outcome string) {
	RegisterMetrics()
	relayOutcomes.WithLabelValues(kind, outcome).Inc()
}

func RecordCall(outcome string, duration time.Duration) {
	RegisterMetrics()
	callOutcomes.WithLabelValues(outcome).Inc()
	callDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func PeerOpened() {
	RegisterMetrics()
	peersOpen.Inc()
}

func PeerClosed() {
	RegisterMetrics()
	peersOpen.Dec()
}
