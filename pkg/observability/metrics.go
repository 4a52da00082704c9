package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Authorization metrics
	AuthorizationDecisionsTotal *prometheus.CounterVec

	// Audit metrics
	AuditBatchesTotal  *prometheus.CounterVec
	AuditEntriesTotal  prometheus.Counter
	AuditBatchSize     prometheus.Histogram
	AuditBatchDuration prometheus.Histogram

	// Rate limiting metrics
	RateLimitRejectedTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive       prometheus.Gauge
	DBConnectionsIdle         prometheus.Gauge
	DBConnectionsWaitCount    prometheus.Gauge
	DBConnectionsWaitDuration prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantry_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenantry_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenantry_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenantry_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),

		// Authorization metrics
		AuthorizationDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantry_authorization_decisions_total",
				Help: "Total number of authorization decisions by outcome and reason code",
			},
			[]string{"allowed", "reason"},
		),

		// Audit metrics
		AuditBatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantry_audit_batches_total",
				Help: "Total number of history batches committed or rolled back",
			},
			[]string{"status"},
		),
		AuditEntriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tenantry_audit_entries_total",
				Help: "Total number of history entries written",
			},
		),
		AuditBatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tenantry_audit_batch_size",
				Help:    "Number of entries per history batch",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
		),
		AuditBatchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tenantry_audit_batch_duration_seconds",
				Help:    "History batch transaction duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
		),

		// Rate limiting metrics
		RateLimitRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantry_rate_limit_rejected_total",
				Help: "Total number of requests rejected by a rate limiter",
			},
			[]string{"limiter"},
		),

		// Database metrics
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenantry_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenantry_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenantry_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
		DBConnectionsWaitDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenantry_db_connections_wait_duration_seconds",
				Help: "Total time spent waiting for connections",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSize,
		m.HTTPResponseSize,
		m.AuthorizationDecisionsTotal,
		m.AuditBatchesTotal,
		m.AuditEntriesTotal,
		m.AuditBatchSize,
		m.AuditBatchDuration,
		m.RateLimitRejectedTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWaitCount,
		m.DBConnectionsWaitDuration,
	)

	return m
}

// ObserveDecision counts one authorization decision
func (m *Metrics) ObserveDecision(allowed bool, reason string) {
	m.AuthorizationDecisionsTotal.WithLabelValues(strconv.FormatBool(allowed), reason).Inc()
}

// ObserveAuditBatch records one history batch. Entries only count when the
// batch was committed.
func (m *Metrics) ObserveAuditBatch(size int, duration time.Duration, err error) {
	m.AuditBatchSize.Observe(float64(size))
	m.AuditBatchDuration.Observe(duration.Seconds())
	if err != nil {
		m.AuditBatchesTotal.WithLabelValues("rolled_back").Inc()
		return
	}
	m.AuditBatchesTotal.WithLabelValues("committed").Inc()
	m.AuditEntriesTotal.Add(float64(size))
}

// ObserveRateLimited counts a rejected request
func (m *Metrics) ObserveRateLimited(limiter string) {
	m.RateLimitRejectedTotal.WithLabelValues(limiter).Inc()
}

// RecordDBStats copies connection pool statistics into the database gauges
func (m *Metrics) RecordDBStats(stats sql.DBStats) {
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBConnectionsWaitCount.Set(float64(stats.WaitCount))
	m.DBConnectionsWaitDuration.Set(stats.WaitDuration.Seconds())
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// routeLabel uses the mux route template so path parameters such as
// organisation ids do not become label values.
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Register it with router.Use so the matched route is known.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			path := routeLabel(r)

			// Wrap response writer to capture status and size
			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			if r.ContentLength > 0 {
				metrics.HTTPRequestSize.WithLabelValues(r.Method, path).Observe(float64(r.ContentLength))
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, path).Observe(float64(rw.bytesWritten))
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
