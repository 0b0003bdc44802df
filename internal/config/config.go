// Package config loads process configuration from the environment.
//
// A .env file in the working directory is read first when present; real
// environment variables always win over it.
//
// Environment Variables:
//
// Logging:
//   - LOG_LEVEL: debug, info, warn or error (default: info)
//   - LOG_DEVELOPMENT: human-readable console logs (default: false)
//
// Cache:
//   - CACHE_PROVIDER: redis, ristretto or bigcache (default: redis)
//   - CACHE_DISABLED: every read misses (default: false)
//   - CACHE_DEFAULT_TTL: TTL for entries written without one (default: 15m)
//   - CACHE_OP_TIMEOUT: per provider call (default: 250ms)
//   - CACHE_LOCAL_MAX_COST: ristretto/bigcache capacity in MB (default: 256)
//   - BREAKER_MAX_FAILURES: consecutive failures that open the circuit (default: 5)
//   - BREAKER_OPEN_TIMEOUT: time the circuit stays open (default: 30s)
//
// Redis:
//   - REDIS_ADDRESS (default: localhost:6379)
//   - REDIS_PASSWORD
//   - REDIS_DB: 0-15 (default: 0)
//   - REDIS_POOL_SIZE (default: 10)
//
// Database:
//   - DATABASE_TYPE: sqlite or postgres (default: sqlite)
//   - DATABASE_PATH: sqlite file (default: ./cacheaside.db)
//   - POSTGRES_HOST, POSTGRES_PORT, POSTGRES_DB, POSTGRES_USER,
//     POSTGRES_PASSWORD, POSTGRES_SSL_MODE
//
// Events:
//   - EVENT_BUS: local or redis (default: local)
//   - EVENT_WORKERS (default: 2)
//   - EVENT_QUEUE (default: 1024)
//   - EVENT_CHANNEL_PREFIX (default: events:)
//
// PIN lockout:
//   - PIN_MAX_FAILURES (default: 5)
//   - PIN_FAILURE_WINDOW: counter lifetime, 0 uses CACHE_DEFAULT_TTL (default: 0)
//
// Metrics:
//   - METRICS_NAMESPACE (default: cacheaside)
//   - METRICS_ADDR: listen address for /metrics; empty disables (default: empty)
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	LogLevel       string `validate:"oneof=debug info warn error"`
	LogDevelopment bool

	// CacheProvider selects the cache backend. bigcache has no per-entry
	// TTL: every entry, users included, lives for CacheDefaultTTL.
	CacheProvider      string `validate:"oneof=redis ristretto bigcache"`
	CacheDisabled      bool
	CacheDefaultTTL    time.Duration `validate:"gt=0"`
	CacheOpTimeout     time.Duration `validate:"gt=0"`
	CacheLocalMaxCost  int           `validate:"gt=0"`
	BreakerMaxFailures int           `validate:"gte=1"`
	BreakerOpenTimeout time.Duration `validate:"gt=0"`

	RedisAddress  string `validate:"required,hostname_port"`
	RedisPassword string
	RedisDB       int `validate:"gte=0,lte=15"`
	RedisPoolSize int `validate:"gte=1"`

	DatabaseType     string `validate:"oneof=sqlite postgres"`
	DatabasePath     string `validate:"required_if=DatabaseType sqlite"`
	PostgresHost     string `validate:"required_if=DatabaseType postgres"`
	PostgresPort     string `validate:"omitempty,numeric"`
	PostgresDB       string `validate:"required_if=DatabaseType postgres"`
	PostgresUser     string `validate:"required_if=DatabaseType postgres"`
	PostgresPassword string
	PostgresSSLMode  string `validate:"oneof=disable allow prefer require verify-ca verify-full"`

	EventBus           string `validate:"oneof=local redis"`
	EventWorkers       int    `validate:"gte=1"`
	EventQueue         int    `validate:"gte=1"`
	EventChannelPrefix string `validate:"required"`

	PinMaxFailures   int           `validate:"gte=1"`
	PinFailureWindow time.Duration `validate:"gte=0"`

	MetricsNamespace string `validate:"required"`
	MetricsAddr      string
}

// Load reads the given env files (default ".env"), then the environment.
// Missing files are ignored. Call Validate before use.
func Load(files ...string) *Config {
	_ = godotenv.Load(files...)

	return &Config{
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogDevelopment: getBoolEnv("LOG_DEVELOPMENT", false),

		CacheProvider:      getEnv("CACHE_PROVIDER", "redis"),
		CacheDisabled:      getBoolEnv("CACHE_DISABLED", false),
		CacheDefaultTTL:    getDurationEnv("CACHE_DEFAULT_TTL", 15*time.Minute),
		CacheOpTimeout:     getDurationEnv("CACHE_OP_TIMEOUT", 250*time.Millisecond),
		CacheLocalMaxCost:  getIntEnv("CACHE_LOCAL_MAX_COST", 256),
		BreakerMaxFailures: getIntEnv("BREAKER_MAX_FAILURES", 5),
		BreakerOpenTimeout: getDurationEnv("BREAKER_OPEN_TIMEOUT", 30*time.Second),

		RedisAddress:  getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),
		RedisPoolSize: getIntEnv("REDIS_POOL_SIZE", 10),

		DatabaseType:     getEnv("DATABASE_TYPE", "sqlite"),
		DatabasePath:     getEnv("DATABASE_PATH", "./cacheaside.db"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresDB:       getEnv("POSTGRES_DB", "cacheaside"),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresSSLMode:  getEnv("POSTGRES_SSL_MODE", "disable"),

		EventBus:           getEnv("EVENT_BUS", "local"),
		EventWorkers:       getIntEnv("EVENT_WORKERS", 2),
		EventQueue:         getIntEnv("EVENT_QUEUE", 1024),
		EventChannelPrefix: getEnv("EVENT_CHANNEL_PREFIX", "events:"),

		PinMaxFailures:   getIntEnv("PIN_MAX_FAILURES", 5),
		PinFailureWindow: getDurationEnv("PIN_FAILURE_WINDOW", 0),

		MetricsNamespace: getEnv("METRICS_NAMESPACE", "cacheaside"),
		MetricsAddr:      getEnv("METRICS_ADDR", ""),
	}
}

var validate = validator.New()

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: %w", err)
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			errs = append(errs, fmt.Errorf("config: %s fails %s=%s (got %v)", fe.Field(), fe.Tag(), fe.Param(), fe.Value()))
			continue
		}
		errs = append(errs, fmt.Errorf("config: %s fails %s", fe.Field(), fe.Tag()))
	}
	return errors.Join(errs...)
}

// PostgresDSN builds a pgx connection URL from the Postgres fields.
func (c *Config) PostgresDSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.PostgresUser, c.PostgresPassword),
		Host:     c.PostgresHost + ":" + c.PostgresPort,
		Path:     "/" + c.PostgresDB,
		RawQuery: url.Values{"sslmode": {c.PostgresSSLMode}}.Encode(),
	}
	return u.String()
}

// DatabaseDSN returns the DSN for the configured database type.
func (c *Config) DatabaseDSN() string {
	if c.DatabaseType == "postgres" {
		return c.PostgresDSN()
	}
	return c.DatabasePath
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getIntEnv returns -1 for an unparsable value so Validate rejects it.
func getIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return -1
	}
	return n
}

// getDurationEnv returns -1 for an unparsable value so Validate rejects it.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return -1
	}
	return d
}
