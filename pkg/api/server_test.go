package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantry/pkg/config"
	"github.com/platinummonkey/tenantry/pkg/middleware"
	"github.com/platinummonkey/tenantry/pkg/observability"
	"github.com/platinummonkey/tenantry/pkg/orgs"
	"github.com/platinummonkey/tenantry/pkg/rbac"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host:         "127.0.0.1",
			Port:         "8080",
			HealthPort:   "9090",
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
			IdleTimeout:  time.Second,
			MaxBodyBytes: 1 << 20,
		},
		RateLimit: config.RateLimitConfig{
			Enabled:   true,
			Backend:   config.RateLimitMemory,
			Window:    time.Minute,
			UserLimit: 100,
			AnonLimit: 100,
		},
	}
}

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

type fixture struct {
	server  *Server
	db      *sql.DB
	metrics *observability.Metrics
	logs    *bytes.Buffer
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	ctx := context.Background()

	db := setupTestDB(t)
	logs := &bytes.Buffer{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	server, err := NewServer(cfg, Dependencies{
		DB:      db,
		Logger:  observability.NewLogger(observability.DebugLevel, logs),
		Metrics: metrics,
	})
	require.NoError(t, err)
	require.NoError(t, server.Migrate(ctx))

	_, err = orgs.NewPostgresMembershipStore(db).Assign(ctx, "u1", "org1", rbac.RoleMember)
	require.NoError(t, err)

	return &fixture{server: server, db: db, metrics: metrics, logs: logs}
}

func (f *fixture) serve(principalID, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if principalID != "" {
		req.Header.Set(middleware.HeaderPrincipalID, principalID)
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func TestNewServer_Validation(t *testing.T) {
	t.Run("database required", func(t *testing.T) {
		_, err := NewServer(testConfig(), Dependencies{})
		require.Error(t, err)
	})

	t.Run("undeclared history operation", func(t *testing.T) {
		registry, err := rbac.NewRegistry(rbac.Declaration{Operation: "lead.read", Roles: []rbac.Role{rbac.RoleMember}})
		require.NoError(t, err)

		_, err = NewServer(testConfig(), Dependencies{DB: setupTestDB(t), Registry: registry})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "history.")
	})

	t.Run("redis limiter without client", func(t *testing.T) {
		cfg := testConfig()
		cfg.RateLimit.Backend = config.RateLimitRedis
		_, err := NewServer(cfg, Dependencies{DB: setupTestDB(t)})
		require.Error(t, err)
	})

	t.Run("missing roles file", func(t *testing.T) {
		cfg := testConfig()
		cfg.Authorization.RolesFile = t.TempDir() + "/missing.yaml"
		_, err := NewServer(cfg, Dependencies{DB: setupTestDB(t)})
		require.Error(t, err)
	})
}

func TestServer_RecordAndList(t *testing.T) {
	f := newFixture(t, testConfig())

	rec := f.serve("u1", http.MethodPost, "/organisations/org1/history", `{
		"tableName": "leads",
		"recordId": "l1",
		"action": "UPDATE",
		"before": {"name": "Ada", "stage": "new"},
		"after": {"name": "Ada", "stage": "won"}
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(middleware.HeaderRequestID))

	rec = f.serve("u1", http.MethodGet, "/history", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var page struct {
		Data  []map[string]interface{} `json:"data"`
		Total int                      `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "stage", page.Data[0]["fieldName"])

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AuditBatchesTotal.WithLabelValues("committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AuditEntriesTotal))
}

func TestServer_Memberships(t *testing.T) {
	f := newFixture(t, testConfig())

	req := httptest.NewRequest(http.MethodPost, "/organisations/org1/members", strings.NewReader(`{"userId":"u2","role":"ADMIN"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderPrincipalID, "root")
	req.Header.Set(middleware.HeaderPrincipalSuperAdmin, "true")
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// the new admin can now read the organisation
	assert.Equal(t, http.StatusOK, f.serve("u2", http.MethodGet, "/organisations/org1/history", "").Code)
	assert.Equal(t, http.StatusForbidden, f.serve("u1", http.MethodPost, "/organisations/org1/members", `{"userId":"u3","role":"MEMBER"}`).Code)

	rec = f.serve("u1", http.MethodGet, "/history?tableName=role_assignments", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var page struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 4, page.Total)

	rec = f.serve("u2", http.MethodDelete, "/organisations/org1/members/u1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	assert.Equal(t, http.StatusForbidden, f.serve("u1", http.MethodGet, "/organisations/org1/members", "").Code)
}

func TestServer_Denials(t *testing.T) {
	f := newFixture(t, testConfig())

	t.Run("anonymous on unrestricted route", func(t *testing.T) {
		rec := f.serve("", http.MethodGet, "/history", "")
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AuthorizationDecisionsTotal.WithLabelValues("true", string(rbac.ReasonUnrestricted))))
	})

	t.Run("anonymous on guarded route", func(t *testing.T) {
		rec := f.serve("", http.MethodGet, "/organisations/org1/history", "")
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AuthorizationDecisionsTotal.WithLabelValues("false", string(rbac.ReasonUnauthenticated))))
	})

	t.Run("other organisation", func(t *testing.T) {
		rec := f.serve("u1", http.MethodGet, "/organisations/org2/history", "")
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AuthorizationDecisionsTotal.WithLabelValues("false", string(rbac.ReasonNoOrganisationAccess))))
		assert.Contains(t, f.logs.String(), "request denied")
	})

	t.Run("bad principal header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/history", nil)
		req.Header.Set(middleware.HeaderPrincipalID, "u1")
		req.Header.Set(middleware.HeaderPrincipalSuperAdmin, "maybe")
		rec := httptest.NewRecorder()
		f.server.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown route", func(t *testing.T) {
		rec := f.serve("u1", http.MethodGet, "/nowhere", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestServer_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.AnonLimit = 1
	f := newFixture(t, cfg)

	first := f.serve("", http.MethodGet, "/history", "")
	assert.Equal(t, http.StatusForbidden, first.Code)
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Limit"))

	second := f.serve("", http.MethodGet, "/history", "")
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RateLimitRejectedTotal.WithLabelValues(rateLimiterName)))

	// principals have their own bucket
	assert.Equal(t, http.StatusOK, f.serve("u1", http.MethodGet, "/history", "").Code)
}

func TestServer_HTTPServer(t *testing.T) {
	f := newFixture(t, testConfig())
	srv := f.server.HTTPServer()
	assert.Equal(t, "127.0.0.1:8080", srv.Addr)
	assert.Equal(t, time.Second, srv.ReadTimeout)
	assert.Same(t, f.server, srv.Handler)
}

func TestNewOpsServer(t *testing.T) {
	registry := prometheus.NewRegistry()
	observability.NewMetrics(registry)

	srv := NewOpsServer(testConfig().Server, observability.NewHealthChecker(setupTestDB(t), nil, "dev"), registry)
	assert.Equal(t, "127.0.0.1:9090", srv.Addr)

	for _, path := range []string{"/health/live", "/health/ready", "/metrics"} {
		rec := httptest.NewRecorder()
		srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Contains(t, rec.Body.String(), `"version":"dev"`)
}
