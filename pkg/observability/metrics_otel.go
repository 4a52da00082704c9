package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/platinummonkey/tenantry"

// OTelMetrics mirrors the Prometheus metrics as OpenTelemetry instruments so
// they reach the OTLP collector alongside traces.
type OTelMetrics struct {
	// HTTP metrics
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram

	// Authorization metrics
	authzDecisions metric.Int64Counter

	// Audit metrics
	auditBatches       metric.Int64Counter
	auditEntries       metric.Int64Counter
	auditBatchDuration metric.Float64Histogram
}

// NewOTelMetrics creates instruments on the global meter provider
func NewOTelMetrics() (*OTelMetrics, error) {
	return NewOTelMetricsWithMeter(otel.Meter(meterName))
}

// NewOTelMetricsWithMeter creates instruments on meter
func NewOTelMetricsWithMeter(meter metric.Meter) (*OTelMetrics, error) {
	m := &OTelMetrics{}
	var err error

	// HTTP metrics
	m.httpRequestsTotal, err = meter.Int64Counter(
		"http.server.requests",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.server.requests counter: %w", err)
	}

	m.httpRequestDuration, err = meter.Float64Histogram(
		"http.server.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.server.duration histogram: %w", err)
	}

	// Authorization metrics
	m.authzDecisions, err = meter.Int64Counter(
		"authorization.decisions",
		metric.WithDescription("Authorization decisions by outcome and reason code"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorization.decisions counter: %w", err)
	}

	// Audit metrics
	m.auditBatches, err = meter.Int64Counter(
		"audit.batches",
		metric.WithDescription("History batches committed or rolled back"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.batches counter: %w", err)
	}

	m.auditEntries, err = meter.Int64Counter(
		"audit.entries",
		metric.WithDescription("History entries written"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.entries counter: %w", err)
	}

	m.auditBatchDuration, err = meter.Float64Histogram(
		"audit.batch.duration",
		metric.WithDescription("History batch transaction duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.batch.duration histogram: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request metric
func (m *OTelMetrics) RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", route),
		attribute.Int("http.status_code", statusCode),
	)
	m.httpRequestsTotal.Add(ctx, 1, attrs)
	m.httpRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordDecision records one authorization decision
func (m *OTelMetrics) RecordDecision(ctx context.Context, allowed bool, reason string) {
	m.authzDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("authorization.allowed", allowed),
		attribute.String("authorization.reason", reason),
	))
}

// RecordAuditBatch records one history batch
func (m *OTelMetrics) RecordAuditBatch(ctx context.Context, size int, duration time.Duration, err error) {
	status := "committed"
	if err != nil {
		status = "rolled_back"
	}
	attrs := metric.WithAttributes(attribute.String("audit.status", status))

	m.auditBatches.Add(ctx, 1, attrs)
	m.auditBatchDuration.Record(ctx, duration.Seconds(), attrs)
	if err == nil {
		m.auditEntries.Add(ctx, int64(size))
	}
}

// OTelHTTPMiddleware records RecordHTTPRequest for every request. Like
// HTTPMetricsMiddleware it belongs on router.Use.
func OTelHTTPMiddleware(metrics *OTelMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)
			metrics.RecordHTTPRequest(r.Context(), r.Method, routeLabel(r), rw.statusCode, time.Since(start))
		})
	}
}
