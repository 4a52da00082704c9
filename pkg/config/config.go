package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/tenantry/pkg/observability"
	"github.com/platinummonkey/tenantry/pkg/storage/postgres"
)

// envPrefix prefixes every environment variable read by LoadConfig
const envPrefix = "TENANTRY_"

// Rate limiter backends
const (
	RateLimitMemory = "memory"
	RateLimitRedis  = "redis"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration for memberships and history entries
	Database DatabaseConfig

	// Redis configuration; optional unless the redis rate limiter is used
	Redis postgres.RedisConfig

	// Rate limiting on the history API
	RateLimit RateLimitConfig

	// Authorization configuration
	Authorization AuthorizationConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
	CORSOrigins     []string

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds the PostgreSQL connection and migration settings
type DatabaseConfig struct {
	postgres.ConnectionConfig
	AutoMigrate bool
}

// RateLimitConfig holds per-principal and per-address limits
type RateLimitConfig struct {
	Enabled    bool
	Backend    string
	Window     time.Duration
	UserLimit  int
	UserBurst  int
	AnonLimit  int
	AnonBurst  int
	FailClosed bool
}

// AuthorizationConfig points at an optional operation-role table. The
// built-in table is used when RolesFile is empty.
type AuthorizationConfig struct {
	RolesFile string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelEnvironment    string
	OTelInsecure       bool // Use insecure gRPC connection
	OTelSampleRatio    float64
}

// OTel returns the OpenTelemetry settings in the form InitOTel expects
func (c ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        c.OTelEnabled,
		Endpoint:       c.OTelEndpoint,
		ServiceName:    c.OTelServiceName,
		ServiceVersion: c.OTelServiceVersion,
		Environment:    c.OTelEnvironment,
		Insecure:       c.OTelInsecure,
		SampleRatio:    c.OTelSampleRatio,
	}
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		RateLimit:     loadRateLimitConfig(),
		Authorization: AuthorizationConfig{RolesFile: getEnv("ROLES_FILE", "")},
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("HOST", "0.0.0.0"),
		Port:            getEnv("PORT", "8080"),
		ReadTimeout:     getEnvDuration("READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:     getEnvDuration("IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxBodyBytes:    getEnvInt64("MAX_BODY_BYTES", 1<<20),
		CORSOrigins:     getEnvList("CORS_ORIGINS"),
		HealthPort:      getEnv("HEALTH_PORT", "9090"),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		ConnectionConfig: postgres.ConnectionConfig{
			PrimaryURL:  getEnv("POSTGRES_URL", ""),
			ReplicaURLs: postgres.ParseReplicaURLs(getEnv("POSTGRES_REPLICA_URLS", "")),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 20),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 2),
			Timeout:     getEnvDuration("POSTGRES_TIMEOUT", 5*time.Second),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 30*time.Minute),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 5*time.Minute),
		},
		AutoMigrate: getEnvBool("AUTO_MIGRATE", true),
	}
}

func loadRedisConfig() postgres.RedisConfig {
	return postgres.RedisConfig{
		URL:        getEnv("REDIS_URL", ""),
		Password:   getEnv("REDIS_PASSWORD", ""),
		DB:         getEnvInt("REDIS_DB", 0),
		MaxRetries: getEnvInt("REDIS_MAX_RETRIES", 3),
		PoolSize:   getEnvInt("REDIS_POOL_SIZE", 10),
	}
}

func loadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:    getEnvBool("RATE_LIMIT_ENABLED", true),
		Backend:    strings.ToLower(getEnv("RATE_LIMIT_BACKEND", RateLimitMemory)),
		Window:     getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		UserLimit:  getEnvInt("RATE_LIMIT_USER", 1000),
		UserBurst:  getEnvInt("RATE_LIMIT_USER_BURST", 50),
		AnonLimit:  getEnvInt("RATE_LIMIT_ANON", 100),
		AnonBurst:  getEnvInt("RATE_LIMIT_ANON_BURST", 10),
		FailClosed: getEnvBool("RATE_LIMIT_FAIL_CLOSED", false),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("OTEL_SERVICE_NAME", "tenantry"),
		OTelServiceVersion: getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
		OTelEnvironment:    getEnv("OTEL_ENVIRONMENT", ""),
		OTelInsecure:       getEnvBool("OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("OTEL_SAMPLE_RATIO", 1),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("max body bytes must be positive")
	}

	if c.Database.PrimaryURL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("postgres min conns (%d) exceeds max conns (%d)", c.Database.MinConns, c.Database.MaxConns)
	}

	if c.RateLimit.Enabled {
		switch c.RateLimit.Backend {
		case RateLimitMemory:
		case RateLimitRedis:
			if c.Redis.URL == "" {
				return fmt.Errorf("redis URL is required for the redis rate limiter")
			}
		default:
			return fmt.Errorf("invalid rate limit backend: %s (must be memory or redis)", c.RateLimit.Backend)
		}
		if c.RateLimit.Window <= 0 || c.RateLimit.UserLimit <= 0 || c.RateLimit.AnonLimit <= 0 {
			return fmt.Errorf("rate limit window and limits must be positive")
		}
		if c.RateLimit.UserBurst < 0 || c.RateLimit.AnonBurst < 0 {
			return fmt.Errorf("rate limit bursts must not be negative")
		}
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}
	if r := c.Observability.OTelSampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("OpenTelemetry sample ratio must be between 0 and 1, got %g", r)
	}

	return nil
}

// getEnv returns TENANTRY_<key> or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := getEnv(key, ""); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := getEnv(key, ""); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := getEnv(key, ""); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := getEnv(key, ""); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := getEnv(key, ""); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated variable, dropping blanks
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
