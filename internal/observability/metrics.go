package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	saveDurationBuckets    = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments of the save service. All
// recording helpers are no-ops on a nil *Metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Save pipeline metrics
	SavesTotal            *prometheus.CounterVec
	SaveDuration          *prometheus.HistogramVec
	SavePhaseDuration     *prometheus.HistogramVec
	ValidationErrorsTotal *prometheus.CounterVec
	StepsDeletedTotal     *prometheus.CounterVec
	IdempotentReplays     prometheus.Counter

	// Backend (Open Forms API) metrics
	BackendRequestsTotal       *prometheus.CounterVec
	BackendRequestDuration     *prometheus.HistogramVec
	BackendCircuitBreakerState prometheus.Gauge
	BackendRetriesTotal        *prometheus.CounterVec

	// System metrics
	OpenAPIOperationsIndexed prometheus.Gauge
	JournalWriteFailures     prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formsync_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "formsync_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "formsync_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "formsync_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Saves
		SavesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formsync_saves_total",
			Help: "Total number of complete-form saves by outcome.",
		}, []string{"outcome"}),
		SaveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "formsync_save_duration_seconds",
			Help:    "Complete-form save duration in seconds.",
			Buckets: saveDurationBuckets,
		}, []string{"outcome"}),
		SavePhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "formsync_save_phase_duration_seconds",
			Help:    "Duration of a single save phase in seconds.",
			Buckets: saveDurationBuckets,
		}, []string{"phase"}),
		ValidationErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formsync_validation_errors_total",
			Help: "Total number of validation error sets by designer section.",
		}, []string{"context"}),
		StepsDeletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formsync_steps_deleted_total",
			Help: "Total number of queued step deletions by result.",
		}, []string{"result"}),
		IdempotentReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "formsync_idempotent_replays_total",
			Help: "Total number of saves answered from the idempotency store.",
		}),

		// Backend
		BackendRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formsync_backend_requests_total",
			Help: "Total number of Open Forms API requests.",
		}, []string{"method", "resource", "status"}),
		BackendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "formsync_backend_request_duration_seconds",
			Help:    "Open Forms API request duration in seconds, retries included.",
			Buckets: backendDurationBuckets,
		}, []string{"method", "resource"}),
		BackendCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "formsync_backend_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
		BackendRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formsync_backend_retries_total",
			Help: "Total number of Open Forms API request retries.",
		}, []string{"resource"}),

		// System
		OpenAPIOperationsIndexed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "formsync_openapi_operations_indexed",
			Help: "Number of indexed Open Forms API operations.",
		}),
		JournalWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "formsync_journal_write_failures_total",
			Help: "Total number of save journal writes that failed.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Saves
		m.SavesTotal,
		m.SaveDuration,
		m.SavePhaseDuration,
		m.ValidationErrorsTotal,
		m.StepsDeletedTotal,
		m.IdempotentReplays,
		// Backend
		m.BackendRequestsTotal,
		m.BackendRequestDuration,
		m.BackendCircuitBreakerState,
		m.BackendRetriesTotal,
		// System
		m.OpenAPIOperationsIndexed,
		m.JournalWriteFailures,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordSave records the outcome of one complete-form save. Outcome is one
// of "saved", "invalid" or "failed".
func (m *Metrics) RecordSave(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SavesTotal.WithLabelValues(outcome).Inc()
	m.SaveDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordSavePhase records the duration of one save phase.
func (m *Metrics) RecordSavePhase(phase string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SavePhaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordValidationErrors records a set of validation errors for a designer
// section.
func (m *Metrics) RecordValidationErrors(context string) {
	if m == nil {
		return
	}
	m.ValidationErrorsTotal.WithLabelValues(context).Inc()
}

// RecordStepDeletion records one queued step deletion, "deleted" or "ignored".
func (m *Metrics) RecordStepDeletion(result string) {
	if m == nil {
		return
	}
	m.StepsDeletedTotal.WithLabelValues(result).Inc()
}

// RecordIdempotentReplay records a save answered from the idempotency store.
func (m *Metrics) RecordIdempotentReplay() {
	if m == nil {
		return
	}
	m.IdempotentReplays.Inc()
}

// ObserveBackendRequest records an Open Forms API request. A zero status
// means the request never got an answer.
func (m *Metrics) ObserveBackendRequest(method, resource string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	statusStr := "error"
	if status > 0 {
		statusStr = strconv.Itoa(status)
	}
	m.BackendRequestsTotal.WithLabelValues(method, resource, statusStr).Inc()
	m.BackendRequestDuration.WithLabelValues(method, resource).Observe(duration.Seconds())
}

// SetBreakerState sets the circuit breaker state.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetBreakerState(state int) {
	if m == nil {
		return
	}
	m.BackendCircuitBreakerState.Set(float64(state))
}

// IncBackendRetry records an Open Forms API request retry.
func (m *Metrics) IncBackendRetry(resource string) {
	if m == nil {
		return
	}
	m.BackendRetriesTotal.WithLabelValues(resource).Inc()
}

// SetOpenAPIOperationsIndexed sets the number of indexed OpenAPI operations.
func (m *Metrics) SetOpenAPIOperationsIndexed(count int) {
	if m == nil {
		return
	}
	m.OpenAPIOperationsIndexed.Set(float64(count))
}

// RecordJournalWriteFailure records a failed journal write.
func (m *Metrics) RecordJournalWriteFailure() {
	if m == nil {
		return
	}
	m.JournalWriteFailures.Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
