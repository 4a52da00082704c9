package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/tenantry/pkg/api"
	"github.com/platinummonkey/tenantry/pkg/config"
	"github.com/platinummonkey/tenantry/pkg/observability"
	"github.com/platinummonkey/tenantry/pkg/storage/postgres"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

const dbStatsInterval = 15 * time.Second

func main() {
	migrateOnly := flag.Bool("migrate-only", false, "Apply database migrations and exit")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tenantry: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", cfg.Observability.OTelServiceName).
		WithField("version", version)

	if err := run(cfg, logger, *migrateOnly); err != nil {
		logger.WithError(err).Error("tenantry stopped with an error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger, migrateOnly bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = observability.WithLogger(ctx, logger)

	otelCfg := cfg.Observability.OTel()
	if otelCfg.ServiceVersion == "" {
		otelCfg.ServiceVersion = version
	}
	providers, err := observability.InitOTel(ctx, otelCfg, logger)
	if err != nil {
		return err
	}

	conns, err := postgres.NewConnectionManager(ctx, cfg.Database.ConnectionConfig, logger)
	if err != nil {
		_ = observability.ShutdownOTel(context.Background(), providers, logger)
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db := conns.Primary()

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		if redisClient, err = postgres.NewRedisClient(ctx, cfg.Redis); err != nil {
			_ = conns.Close()
			_ = observability.ShutdownOTel(context.Background(), providers, logger)
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
	}

	var (
		registry *prometheus.Registry
		metrics  *observability.Metrics
	)
	if cfg.Observability.MetricsEnabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = observability.NewMetrics(registry)
	}

	var otelMetrics *observability.OTelMetrics
	if providers != nil {
		if otelMetrics, err = observability.NewOTelMetrics(); err != nil {
			logger.WithError(err).Warn("OpenTelemetry metrics unavailable")
		}
	}

	server, err := api.NewServer(cfg, api.Dependencies{
		DB:          db,
		Redis:       redisClient,
		Logger:      logger,
		Metrics:     metrics,
		OTelMetrics: otelMetrics,
	})
	if err != nil {
		return err
	}

	if cfg.Database.AutoMigrate || migrateOnly {
		if err := server.Migrate(ctx); err != nil {
			return err
		}
		logger.Info("database migrations applied")
	}
	if migrateOnly {
		_ = conns.Close()
		return observability.ShutdownOTel(context.Background(), providers, logger)
	}

	apiServer := server.HTTPServer()
	opsServer := api.NewOpsServer(cfg.Server, observability.NewHealthChecker(db, redisClient, version), registry)

	shutdown := observability.NewShutdownManager(logger, apiServer, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc("database", func(context.Context) error { return conns.Close() })
	if redisClient != nil {
		shutdown.RegisterShutdownFunc("redis", func(context.Context) error { return redisClient.Close() })
	}
	shutdown.RegisterShutdownFunc("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})
	shutdown.RegisterShutdownFunc("ops server", opsServer.Shutdown)

	g, gctx := errgroup.WithContext(ctx)

	server.Start(gctx)
	conns.StartHealthCheckRoutine(gctx, 0)

	g.Go(func() error {
		logger.WithField("addr", apiServer.Addr).Info("API server listening")
		return serve(apiServer)
	})
	g.Go(func() error {
		logger.WithField("addr", opsServer.Addr).Info("health server listening")
		return serve(opsServer)
	})
	if metrics != nil {
		g.Go(func() error {
			defer observability.RecoverPanic(logger, "db stats")
			ticker := time.NewTicker(dbStatsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					metrics.RecordDBStats(db.Stats())
				case <-gctx.Done():
					return nil
				}
			}
		})
	}
	g.Go(func() error {
		return shutdown.Wait(gctx)
	})

	return g.Wait()
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s: %w", srv.Addr, err)
	}
	return nil
}
