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
	httpDurationBuckets     = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	dispatchDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets         = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Attempt lifecycle metrics
	AttemptStartsTotal      *prometheus.CounterVec
	StepSubmissionsTotal    *prometheus.CounterVec
	AttemptCompletionsTotal *prometheus.CounterVec
	SubmitRetriesTotal      prometheus.Counter
	SweptAttemptsTotal      prometheus.Counter

	// Session metrics
	PromotionsTotal     prometheus.Counter
	SignInExpiriesTotal prometheus.Counter

	// Notifier metrics
	DispatchRequestsTotal       *prometheus.CounterVec
	DispatchDuration            prometheus.Histogram
	NotifierCircuitBreakerState prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Attempts
		AttemptStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authflow_attempt_starts_total",
			Help: "Total number of attempts started.",
		}, []string{"flow_type"}),
		StepSubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authflow_step_submissions_total",
			Help: "Total number of step submissions by outcome.",
		}, []string{"step", "outcome"}),
		AttemptCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authflow_attempt_completions_total",
			Help: "Total number of attempts completed.",
		}, []string{"flow_type"}),
		SubmitRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authflow_submit_retries_total",
			Help: "Total number of submission retries after an internal version race.",
		}),
		SweptAttemptsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authflow_swept_attempts_total",
			Help: "Total number of expired attempts marked by the sweeper.",
		}),

		// Sessions
		PromotionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authflow_promotions_total",
			Help: "Total number of attempts promoted into sessions.",
		}),
		SignInExpiriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authflow_signin_expiries_total",
			Help: "Total number of sign-ins expired.",
		}),

		// Notifier
		DispatchRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authflow_dispatch_requests_total",
			Help: "Total number of notification dispatch requests.",
		}, []string{"channel", "status"}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "authflow_dispatch_duration_seconds",
			Help:    "Notification dispatch duration in seconds.",
			Buckets: dispatchDurationBuckets,
		}),
		NotifierCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "authflow_notifier_circuit_breaker_state",
			Help: "Notifier circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Attempts
		m.AttemptStartsTotal,
		m.StepSubmissionsTotal,
		m.AttemptCompletionsTotal,
		m.SubmitRetriesTotal,
		m.SweptAttemptsTotal,
		// Sessions
		m.PromotionsTotal,
		m.SignInExpiriesTotal,
		// Notifier
		m.DispatchRequestsTotal,
		m.DispatchDuration,
		m.NotifierCircuitBreakerState,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordDispatch records a notification dispatch.
func (m *Metrics) RecordDispatch(channel, status string, duration time.Duration) {
	m.DispatchRequestsTotal.WithLabelValues(channel, status).Inc()
	m.DispatchDuration.Observe(duration.Seconds())
}

// SetNotifierCircuitBreakerState sets the notifier breaker state gauge.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetNotifierCircuitBreakerState(state float64) {
	m.NotifierCircuitBreakerState.Set(state)
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

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
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
	// chi route patterns have trailing /*, remove it.
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
