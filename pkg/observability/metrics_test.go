package observability

import (
	"database/sql"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	require.NotNil(t, metrics)

	metrics.HTTPRequestsTotal.WithLabelValues("GET", "/history", "200").Add(0)
	metrics.AuthorizationDecisionsTotal.WithLabelValues("true", "GRANTED").Add(0)
	metrics.AuditBatchesTotal.WithLabelValues("committed").Add(0)
	metrics.RateLimitRejectedTotal.WithLabelValues("memory").Add(0)

	families, err := registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"tenantry_http_requests_total",
		"tenantry_authorization_decisions_total",
		"tenantry_audit_batches_total",
		"tenantry_audit_entries_total",
		"tenantry_rate_limit_rejected_total",
		"tenantry_db_connections_active",
	} {
		assert.True(t, names[want], "missing %s", want)
	}

	assert.Panics(t, func() { NewMetrics(registry) }, "registering twice on one registry panics")
}

func TestMetrics_ObserveDecision(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.ObserveDecision(true, "GRANTED")
	metrics.ObserveDecision(true, "GRANTED")
	metrics.ObserveDecision(false, "INSUFFICIENT_ROLE")

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.AuthorizationDecisionsTotal.WithLabelValues("true", "GRANTED")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.AuthorizationDecisionsTotal.WithLabelValues("false", "INSUFFICIENT_ROLE")))
}

func TestMetrics_ObserveAuditBatch(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.ObserveAuditBatch(3, 10*time.Millisecond, nil)
	metrics.ObserveAuditBatch(5, 20*time.Millisecond, errors.New("rollback"))

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.AuditBatchesTotal.WithLabelValues("committed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.AuditBatchesTotal.WithLabelValues("rolled_back")))
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.AuditEntriesTotal), "rolled back entries are not counted")
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.AuditBatchSize))
}

func TestMetrics_ObserveRateLimited(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	metrics.ObserveRateLimited("redis")

	expected := `
# HELP tenantry_rate_limit_rejected_total Total number of requests rejected by a rate limiter
# TYPE tenantry_rate_limit_rejected_total counter
tenantry_rate_limit_rejected_total{limiter="redis"} 1
`
	assert.NoError(t, testutil.CollectAndCompare(metrics.RateLimitRejectedTotal, strings.NewReader(expected)))
}

func TestMetrics_RecordDBStats(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	metrics.RecordDBStats(sql.DBStats{InUse: 4, Idle: 2, WaitCount: 9, WaitDuration: 1500 * time.Millisecond})

	assert.Equal(t, float64(4), testutil.ToFloat64(metrics.DBConnectionsActive))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.DBConnectionsIdle))
	assert.Equal(t, float64(9), testutil.ToFloat64(metrics.DBConnectionsWaitCount))
	assert.Equal(t, 1.5, testutil.ToFloat64(metrics.DBConnectionsWaitDuration))
}

func TestResponseWriter(t *testing.T) {
	recorder := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: recorder, statusCode: http.StatusOK}

	rw.WriteHeader(http.StatusCreated)
	_, err := rw.Write([]byte("Hello, "))
	require.NoError(t, err)
	_, err = rw.Write([]byte("World!"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, rw.statusCode)
	assert.Equal(t, http.StatusCreated, recorder.Code)
	assert.Equal(t, len("Hello, World!"), rw.bytesWritten)
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(metrics))
	router.HandleFunc("/organisations/{organisationId}/history", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}).Methods("POST")

	for _, org := range []string{"org1", "org2", "org3"} {
		req := httptest.NewRequest("POST", "/organisations/"+org+"/history", strings.NewReader(`{"a":1}`))
		router.ServeHTTP(httptest.NewRecorder(), req)
	}

	expected := `
# HELP tenantry_http_requests_total Total number of HTTP requests
# TYPE tenantry_http_requests_total counter
tenantry_http_requests_total{method="POST",path="/organisations/{organisationId}/history",status="201"} 3
`
	assert.NoError(t, testutil.CollectAndCompare(metrics.HTTPRequestsTotal, strings.NewReader(expected)),
		"organisation ids must not become label values")
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.HTTPRequestDuration))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.HTTPRequestSize))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.HTTPResponseSize))
}

func TestHTTPMetricsMiddleware_Unrouted(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	handler := HTTPMetricsMiddleware(metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/random/42", nil))

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404")))
	assert.Equal(t, 0, testutil.CollectAndCount(metrics.HTTPRequestSize), "no body, no size sample")
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	metrics.ObserveDecision(false, "NO_ORGANISATION_ACCESS")

	serveMux := http.NewServeMux()
	RegisterMetricsEndpoint(serveMux, registry)

	server := httptest.NewServer(serveMux)
	defer server.Close()

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `tenantry_authorization_decisions_total{allowed="false",reason="NO_ORGANISATION_ACCESS"} 1`)

	resp, err = http.Get(server.URL + "/other")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
