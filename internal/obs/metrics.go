package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-level metrics shared by all routes.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Engine metrics: credential validation outcomes and throttle decisions.
var (
	authValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_validations_total",
			Help: "Credential validation outcomes by result and reason.",
		},
		[]string{"result", "reason"},
	)

	rateLimitThrottledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_throttled_total",
			Help: "Requests rejected by the fixed-window limiter, by action class.",
		},
		[]string{"action"},
	)

	auditEmitFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_emit_failures_total",
		Help: "Audit events that could not be delivered to the primary sink.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		authValidationsTotal, rateLimitThrottledTotal, auditEmitFailures,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveValidation records a credential validation outcome.
func ObserveValidation(result, reason string) {
	authValidationsTotal.WithLabelValues(result, reason).Inc()
}

// ObserveThrottle records a fixed-window rejection for the given action class.
func ObserveThrottle(action string) {
	rateLimitThrottledTotal.WithLabelValues(action).Inc()
}

// ObserveAuditFailure counts a failed audit emission.
func ObserveAuditFailure() {
	auditEmitFailures.Inc()
}

// Instrument wraps a handler with request counting and latency measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for instrumentation.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
