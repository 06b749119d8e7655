// Package metrics exposes Prometheus collectors for the gateway.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the gateway-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "amm_gateway",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "amm_gateway",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "amm_gateway",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "amm_gateway",
			Subsystem: "ledger",
			Name:      "submissions_total",
			Help:      "Total number of ledger command submissions by outcome.",
		},
		[]string{"outcome"},
	)

	submissionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "amm_gateway",
			Subsystem: "ledger",
			Name:      "submission_duration_seconds",
			Help:      "Duration of ledger command submissions.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"outcome"},
	)

	submissionRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "amm_gateway",
			Subsystem: "ledger",
			Name:      "submission_retries_total",
			Help:      "Total number of submission retry attempts.",
		},
	)

	idempotentReplays = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "amm_gateway",
			Subsystem: "ledger",
			Name:      "idempotent_replays_total",
			Help:      "Total number of replayed submissions served from the idempotency tracker.",
		},
	)

	reconciliations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "amm_gateway",
			Subsystem: "reconciler",
			Name:      "runs_total",
			Help:      "Total number of active-contract-set reconciliation runs.",
		},
		[]string{"result"},
	)

	pendingResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "amm_gateway",
			Subsystem: "reconciler",
			Name:      "pending_resolved_total",
			Help:      "Timed-out submissions resolved by reconciliation, by final outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		submissions,
		submissionDuration,
		submissionRetries,
		idempotentReplays,
		reconciliations,
		pendingResolved,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordSubmission records a finished submission attempt chain.
func RecordSubmission(outcome string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	submissions.WithLabelValues(outcome).Inc()
	submissionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordRetry records a submission retry attempt.
func RecordRetry() {
	submissionRetries.Inc()
}

// RecordIdempotentReplay records a submission served from the tracker.
func RecordIdempotentReplay() {
	idempotentReplays.Inc()
}

// RecordReconciliation records a reconciliation run.
func RecordReconciliation(result string) {
	reconciliations.WithLabelValues(result).Inc()
}

// RecordPendingResolved records a timed-out submission resolved by reconciliation.
func RecordPendingResolved(outcome string) {
	pendingResolved.WithLabelValues(outcome).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "api":
		if len(parts) >= 3 && parts[1] == "commands" {
			return "/api/commands/:id"
		}
		if len(parts) >= 4 && parts[1] == "registry" && parts[2] == "allocations" {
			return "/api/registry/allocations/:id"
		}
		return "/" + strings.Join(parts[:min(len(parts), 3)], "/")
	default:
		return "/" + parts[0]
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
