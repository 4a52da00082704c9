package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/tenantry/pkg/audit"
	"github.com/platinummonkey/tenantry/pkg/config"
	"github.com/platinummonkey/tenantry/pkg/httputil"
	"github.com/platinummonkey/tenantry/pkg/middleware"
	"github.com/platinummonkey/tenantry/pkg/observability"
	"github.com/platinummonkey/tenantry/pkg/orgs"
	"github.com/platinummonkey/tenantry/pkg/rbac"
)

// rateLimiterName labels rate-limit rejections in metrics and logs
const rateLimiterName = "history"

// requiredOperations are the operations the history and membership routes are guarded by
var requiredOperations = []rbac.Operation{
	rbac.OpHistoryRecord,
	rbac.OpHistoryList,
	rbac.OpHistoryListOrganisation,
	rbac.OpHistoryExport,
	rbac.OpMembershipList,
	rbac.OpMembershipInvite,
	rbac.OpMembershipUpdateRole,
	rbac.OpMembershipRemove,
}

// Dependencies are the resources a Server is built from. DB is required;
// everything else is optional.
type Dependencies struct {
	DB     *sql.DB
	Redis  *redis.Client
	Logger *observability.Logger

	Metrics     *observability.Metrics
	OTelMetrics *observability.OTelMetrics

	// Registry defaults to LoadRegistry(cfg.Authorization)
	Registry *rbac.Registry
	// Memberships defaults to a PostgresMembershipStore over DB. The
	// membership routes are only served for the default store.
	Memberships rbac.MembershipRepository
}

// Server represents our API server
type Server struct {
	config  *config.Config
	router  *mux.Router
	handler http.Handler
	logger  *observability.Logger

	memberships *orgs.PostgresMembershipStore
	writer      *audit.DBWriter
	limiters    []*middleware.RateLimiter
}

// LoadRegistry returns the operation-role table named by cfg, or the built-in
// table when no file is configured.
func LoadRegistry(cfg config.AuthorizationConfig) (*rbac.Registry, error) {
	if cfg.RolesFile == "" {
		return rbac.DefaultRegistry(), nil
	}
	return rbac.LoadRegistryFile(cfg.RolesFile)
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, deps Dependencies) (*Server, error) {
	if deps.DB == nil {
		return nil, errors.New("database is required")
	}
	if deps.Logger == nil {
		deps.Logger = observability.NewLogger(cfg.Observability.LogLevel, nil)
	}

	registry := deps.Registry
	if registry == nil {
		var err error
		if registry, err = LoadRegistry(cfg.Authorization); err != nil {
			return nil, fmt.Errorf("failed to load operation roles: %w", err)
		}
	}
	for _, op := range requiredOperations {
		if _, ok := registry.Lookup(op); !ok {
			return nil, fmt.Errorf("operation %q is not declared in the role table", op)
		}
	}

	s := &Server{
		config: cfg,
		router: mux.NewRouter(),
		logger: deps.Logger,
	}

	memberships := deps.Memberships
	if memberships == nil {
		s.memberships = orgs.NewPostgresMembershipStore(deps.DB)
		memberships = s.memberships
	}

	authorizer := rbac.NewAuthorizer(memberships, rbac.WithDecisionHook(func(ctx context.Context, d rbac.Decision) {
		if deps.Metrics != nil {
			deps.Metrics.ObserveDecision(d.Allowed, string(d.Reason))
		}
		if deps.OTelMetrics != nil {
			deps.OTelMetrics.RecordDecision(ctx, d.Allowed, string(d.Reason))
		}
	}))

	s.writer = audit.NewDBWriter(deps.DB, audit.WithBatchObserver(func(size int, duration time.Duration, err error) {
		if deps.Metrics != nil {
			deps.Metrics.ObserveAuditBatch(size, duration, err)
		}
		if deps.OTelMetrics != nil {
			deps.OTelMetrics.RecordAuditBatch(context.Background(), size, duration, err)
		}
	}))

	if deps.Metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(deps.Metrics))
	}
	if deps.OTelMetrics != nil {
		s.router.Use(observability.OTelHTTPMiddleware(deps.OTelMetrics))
	}
	if cfg.RateLimit.Enabled {
		limit, err := s.rateLimit(cfg.RateLimit, deps)
		if err != nil {
			return nil, err
		}
		s.router.Use(limit.Handler)
	}

	guard := rbac.NewGuard(authorizer, registry)
	recorder := audit.NewRecorder(s.writer)

	audit.NewHandlers(
		audit.NewQueryService(audit.NewDBStore(deps.DB), memberships),
		recorder,
		guard,
	).RegisterRoutes(s.router)
	if s.memberships != nil {
		orgs.NewHandlers(s.memberships, recorder, guard).RegisterRoutes(s.router)
	}

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteNotFoundError(w, "not found")
	})

	chain := httputil.Chain(
		middleware.RequestIDMiddleware,
		middleware.PrincipalMiddleware,
		httputil.LoggingMiddleware(s.logger),
		observability.RecoveryMiddleware(s.logger),
		httputil.CORSMiddleware(cfg.Server.CORSOrigins),
		httputil.MaxBytesMiddleware(cfg.Server.MaxBodyBytes),
		httputil.ContentTypeMiddleware,
	)
	s.handler = otelhttp.NewHandler(chain(s.router), "tenantry")

	return s, nil
}

func (s *Server) rateLimit(cfg config.RateLimitConfig, deps Dependencies) (*middleware.RateLimitMiddleware, error) {
	userCfg := &middleware.RateLimitConfig{RequestsPerWindow: cfg.UserLimit, WindowDuration: cfg.Window, BurstSize: cfg.UserBurst}
	anonCfg := &middleware.RateLimitConfig{RequestsPerWindow: cfg.AnonLimit, WindowDuration: cfg.Window, BurstSize: cfg.AnonBurst}

	var user, anonymous middleware.Limiter
	switch cfg.Backend {
	case config.RateLimitRedis:
		if deps.Redis == nil {
			return nil, errors.New("redis rate limiter requires a redis client")
		}
		user = middleware.NewDistributedRateLimiter(deps.Redis, userCfg, "")
		anonymous = middleware.NewDistributedRateLimiter(deps.Redis, anonCfg, "")
	default:
		userLimiter := middleware.NewRateLimiter(userCfg)
		anonLimiter := middleware.NewRateLimiter(anonCfg)
		s.limiters = append(s.limiters, userLimiter, anonLimiter)
		user, anonymous = userLimiter, anonLimiter
	}

	var opts []middleware.RateLimitOption
	if deps.Metrics != nil {
		opts = append(opts, middleware.WithRejectionHook(deps.Metrics.ObserveRateLimited))
	}
	if cfg.FailClosed {
		opts = append(opts, middleware.WithFailClosed())
	}
	return middleware.NewRateLimitMiddleware(rateLimiterName, user, anonymous, opts...), nil
}

// Migrate creates the membership and history schemas. A caller-supplied
// membership repository is not migrated.
func (s *Server) Migrate(ctx context.Context) error {
	if s.memberships != nil {
		if err := s.memberships.Migrate(ctx); err != nil {
			return fmt.Errorf("membership migrations: %w", err)
		}
	}
	if err := s.writer.Migrate(ctx); err != nil {
		return fmt.Errorf("history migrations: %w", err)
	}
	return nil
}

// Start runs background maintenance until ctx is done
func (s *Server) Start(ctx context.Context) {
	for _, l := range s.limiters {
		l.StartCleanup(ctx)
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// HTTPServer returns an http.Server for the API listener
func (s *Server) HTTPServer() *http.Server {
	cfg := s.config.Server
	return &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:      s,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

// NewOpsServer returns the health and metrics listener. registry may be nil
// when metrics are disabled.
func NewOpsServer(cfg config.ServerConfig, checker *observability.HealthChecker, registry *prometheus.Registry) *http.Server {
	serveMux := http.NewServeMux()
	observability.RegisterHealthRoutes(serveMux, checker)
	if registry != nil {
		observability.RegisterMetricsEndpoint(serveMux, registry)
	}
	return &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, cfg.HealthPort),
		Handler:      serveMux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}
