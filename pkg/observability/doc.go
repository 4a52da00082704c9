// Package observability provides structured logging, Prometheus and
// OpenTelemetry metrics, tracing setup, health checks and graceful shutdown.
//
// # Structured Logging
//
// The logger is a thin wrapper over logrus emitting JSON:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("organisation_id", orgID).Info("history recorded")
//
// Request-scoped loggers travel in the context:
//
//	ctx = observability.WithLogger(ctx, logger)
//	observability.FromContext(ctx).WithError(err).Error("commit failed")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	router.Use(observability.HTTPMetricsMiddleware(metrics))
//	metrics.ObserveDecision(decision.Allowed, string(decision.Reason))
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:  true,
//		Endpoint: "otel-collector:4317",
//		Insecure: true,
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	observability.RegisterHealthRoutes(serveMux, checker)
//
// The database is required; an unreachable Redis only degrades readiness.
package observability
