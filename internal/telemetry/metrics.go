package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ryandielhenn/shardmesh/pkg/messaging"
)

var (
	Registry = prometheus.NewRegistry()

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardmesh",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shardmesh",
			Name:      "request_duration_seconds",
			Help:      "Latency of HTTP requests.",
			// Tune buckets to your SLOs. This covers 1ms .. ~4s.
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "shardmesh",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
		[]string{"op"},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "shardmesh",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "shardmesh",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)

	// ---- Messaging core management surface ----

	messagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardmesh",
			Subsystem: "messaging",
			Name:      "dropped_total",
			Help:      "Messages silently dropped per verb after aging past their send timeout.",
		},
		[]string{"verb"},
	)

	timeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "shardmesh",
			Subsystem: "messaging",
			Name:      "timeouts_total",
			Help:      "Total callback expirations across all peers.",
		},
	)

	timeoutsPerPeer = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardmesh",
			Subsystem: "messaging",
			Name:      "peer_timeouts_total",
			Help:      "Callback expirations attributed to each destination peer.",
		},
		[]string{"peer"},
	)

	connectionLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shardmesh",
			Subsystem: "messaging",
			Name:      "rr_latency_seconds",
			Help:      "Round-trip latency of callbacks that opt into snitch accounting.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		},
		[]string{"peer"},
	)

	pendingMessages = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "shardmesh",
			Subsystem: "messaging",
			Name:      "pending_messages",
			Help:      "Messages currently queued for a peer's outbound connection.",
		},
		[]string{"peer"},
	)

	completedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardmesh",
			Subsystem: "messaging",
			Name:      "completed_total",
			Help:      "Messages successfully written to a peer's outbound connection.",
		},
		[]string{"peer"},
	)
)

func init() {
	Registry.MustRegister(
		RequestsTotal, RequestDuration, InFlight, buildInfo, uptime,
		messagesDropped, timeoutsTotal, timeoutsPerPeer, connectionLatency,
		pendingMessages, completedMessages,
	)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// ---- Middleware instrumentation ----

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
// Example:
//
//	mux.HandleFunc("/info", telemetry.Instrument("info", http.HandlerFunc(s.info)).ServeHTTP)
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		InFlight.WithLabelValues(op).Inc()
		defer InFlight.WithLabelValues(op).Dec()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}

// MessagingMetrics implements messaging.Metrics on top of the package's
// Prometheus vectors, so the hub's drop/timeout/connection accounting
// shows up on /metrics instead of living only in in-process counters.
type MessagingMetrics struct{}

var _ messaging.Metrics = MessagingMetrics{}

func (MessagingMetrics) IncDropped(verb messaging.Verb) {
	messagesDropped.WithLabelValues(verb.String()).Inc()
}

func (MessagingMetrics) IncTimeoutsTotal() {
	timeoutsTotal.Inc()
}

func (MessagingMetrics) IncPeerTimeout(peer string) {
	timeoutsPerPeer.WithLabelValues(peer).Inc()
}

func (MessagingMetrics) ObserveLatency(peer string, d time.Duration) {
	connectionLatency.WithLabelValues(peer).Observe(d.Seconds())
}

func (MessagingMetrics) SetPending(peer string, n int64) {
	pendingMessages.WithLabelValues(peer).Set(float64(n))
}

func (MessagingMetrics) IncCompleted(peer string) {
	completedMessages.WithLabelValues(peer).Inc()
}
