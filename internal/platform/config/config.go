// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	platformstrings "parcelflow/pkg/platform/strings"
)

// Config is the full process configuration.
type Config struct {
	Server    Server
	RateLimit RateLimit
	Redis     Redis
	Postgres  Postgres
	Kafka     Kafka
	Log       Log
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	AdminToken      string
	JWTSigningKey   string
	JWTIssuer       string
	TrustedProxies  []string
	ShutdownTimeout time.Duration
}

// Store backends for the rate limit counters.
const (
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// RateLimit configures the limiter middleware and its counter store.
type RateLimit struct {
	Enabled                 bool
	Store                   string
	StoreTimeout            time.Duration
	SweepInterval           time.Duration
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerCooldown         time.Duration
	// Overrides is keyed by lower-case policy name.
	Overrides map[string]PolicyOverride
}

// PolicyOverride replaces a built-in policy's quota or window. Zero fields keep the default.
type PolicyOverride struct {
	MaxRequests int
	Window      time.Duration
}

type Redis struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type Postgres struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type Kafka struct {
	Brokers         []string
	ViolationsTopic string
}

type Log struct {
	Level  string
	Format string
}

// Load reads an optional .env file and then the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	var err error
	e := &envReader{}

	cfg.Server = Server{
		Addr:            e.str("ADDR", ":8080"),
		AdminToken:      e.str("ADMIN_TOKEN", ""),
		JWTSigningKey:   e.str("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		JWTIssuer:       e.str("JWT_ISSUER", "parcelflow"),
		TrustedProxies:  e.list("TRUSTED_PROXIES"),
		ShutdownTimeout: e.duration("SHUTDOWN_TIMEOUT", 15*time.Second),
	}

	cfg.RateLimit = RateLimit{
		Enabled:                 e.boolean("RATE_LIMIT_ENABLED", true),
		Store:                   strings.ToLower(e.str("RATE_LIMIT_STORE", StoreRedis)),
		StoreTimeout:            e.duration("RATE_LIMIT_STORE_TIMEOUT", 250*time.Millisecond),
		SweepInterval:           e.duration("RATE_LIMIT_SWEEP_INTERVAL", time.Minute),
		BreakerFailureThreshold: e.integer("RATE_LIMIT_BREAKER_FAILURES", 5),
		BreakerSuccessThreshold: e.integer("RATE_LIMIT_BREAKER_SUCCESSES", 3),
		BreakerCooldown:         e.duration("RATE_LIMIT_BREAKER_COOLDOWN", 5*time.Second),
	}
	switch cfg.RateLimit.Store {
	case StoreRedis, StorePostgres, StoreMemory:
	default:
		e.fail("RATE_LIMIT_STORE", fmt.Errorf("unknown store %q", cfg.RateLimit.Store))
	}
	cfg.RateLimit.Overrides, err = policyOverrides(os.Environ())
	if err != nil {
		return Config{}, err
	}

	cfg.Redis = Redis{
		URL:          e.str("REDIS_URL", "redis://localhost:6379/0"),
		PoolSize:     e.integer("REDIS_POOL_SIZE", 20),
		MinIdleConns: e.integer("REDIS_MIN_IDLE_CONNS", 2),
		DialTimeout:  e.duration("REDIS_DIAL_TIMEOUT", 2*time.Second),
		ReadTimeout:  e.duration("REDIS_READ_TIMEOUT", 500*time.Millisecond),
		WriteTimeout: e.duration("REDIS_WRITE_TIMEOUT", 500*time.Millisecond),
	}

	cfg.Postgres = Postgres{
		URL:             e.str("DATABASE_URL", ""),
		MaxOpenConns:    e.integer("DATABASE_MAX_OPEN_CONNS", 20),
		MaxIdleConns:    e.integer("DATABASE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: e.duration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
	}
	if cfg.RateLimit.Store == StorePostgres && cfg.Postgres.URL == "" {
		e.fail("DATABASE_URL", fmt.Errorf("required when RATE_LIMIT_STORE=%s", StorePostgres))
	}

	cfg.Kafka = Kafka{
		Brokers:         e.list("KAFKA_BROKERS"),
		ViolationsTopic: e.str("KAFKA_VIOLATIONS_TOPIC", "ratelimit.violations"),
	}

	cfg.Log = Log{
		Level:  e.str("LOG_LEVEL", "info"),
		Format: e.str("LOG_FORMAT", "json"),
	}

	if e.err != nil {
		return Config{}, e.err
	}
	return cfg, nil
}

// policyOverrides collects RATE_LIMIT_<NAME>_MAX_REQUESTS and RATE_LIMIT_<NAME>_WINDOW.
func policyOverrides(environ []string) (map[string]PolicyOverride, error) {
	out := make(map[string]PolicyOverride)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "RATE_LIMIT_") {
			continue
		}
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		rest := strings.TrimPrefix(key, "RATE_LIMIT_")
		switch {
		case strings.HasSuffix(rest, "_MAX_REQUESTS"):
			name := strings.ToLower(strings.TrimSuffix(rest, "_MAX_REQUESTS"))
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid %s: must be a positive integer", key)
			}
			o := out[name]
			o.MaxRequests = n
			out[name] = o
		case strings.HasSuffix(rest, "_WINDOW"):
			name := strings.ToLower(strings.TrimSuffix(rest, "_WINDOW"))
			d, err := time.ParseDuration(value)
			if err != nil || d <= 0 {
				return nil, fmt.Errorf("invalid %s: must be a positive duration", key)
			}
			o := out[name]
			o.Window = d
			out[name] = o
		}
	}
	return out, nil
}

// envReader remembers the first parse error so Load reads linearly.
type envReader struct {
	err error
}

func (e *envReader) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}

func (e *envReader) str(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func (e *envReader) integer(key string, fallback int) int {
	raw := e.str(key, "")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		e.fail(key, err)
		return fallback
	}
	return n
}

func (e *envReader) boolean(key string, fallback bool) bool {
	raw := e.str(key, "")
	if raw == "" {
		return fallback
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		e.fail(key, err)
		return fallback
	}
	return b
}

func (e *envReader) duration(key string, fallback time.Duration) time.Duration {
	raw := e.str(key, "")
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		e.fail(key, err)
		return fallback
	}
	return d
}

func (e *envReader) list(key string) []string {
	raw := e.str(key, "")
	if raw == "" {
		return nil
	}
	return platformstrings.SplitList(raw, ",")
}
