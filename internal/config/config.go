// Package config provides runtime configuration values for the service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// Storage and session backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config holds configuration knobs for the HTTP server, storage,
// messaging and the event dispatcher.
type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration
	LogLevel        string

	StoreBackend   string
	SQLitePath     string
	SQLitePoolSize int
	DatabaseURL    string

	SessionBackend   string
	RedisAddr        string
	SessionTTL       time.Duration
	PaymentRetention time.Duration
	PaymentClaimTTL  time.Duration

	KafkaBrokers         []string
	KafkaOrdersTopic     string
	KafkaRejectionsTopic string

	CatalogSeedPath string

	InitialWorkerCount      int
	WorkerMin               int
	WorkerMax               int
	ScaleInterval           time.Duration
	ScaleUpBacklogPerWorker int
	ScaleDownIdleTicks      int
	QueueHighWatermark      int
	PublishAttempts         int

	OtelEndpoint   string
	OtelAuthHeader string
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func atoienv(key string, def int) int {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func durenvms(key string, defMs int) time.Duration {
	ms := atoienv(key, defMs)
	return time.Duration(ms) * time.Millisecond
}

func durenvs(key string, defSec int) time.Duration {
	sec := atoienv(key, defSec)
	return time.Duration(sec) * time.Second
}

func listenv(key string) []string {
	var out []string
	for _, s := range strings.Split(getenv(key, ""), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Load collects configuration from environment with defaults.
func Load() Config {
	minWorkers := atoienv("WORKER_MIN", 2)
	maxWorkers := atoienv("WORKER_MAX", 8)
	initialWorkers := atoienv("WORKER_COUNT", minWorkers)
	return Config{
		HTTPAddr:        getenv("HTTP_ADDR", ":8080"),
		ShutdownTimeout: durenvs("SHUTDOWN_TIMEOUT", 15),
		LogLevel:        getenv("LOG_LEVEL", "info"),

		StoreBackend:   getenv("STORE_BACKEND", BackendMemory),
		SQLitePath:     getenv("SQLITE_PATH", "keymarket.db"),
		SQLitePoolSize: atoienv("SQLITE_POOL_SIZE", 0),
		DatabaseURL:    getenv("DATABASE_URL", ""),

		SessionBackend:   getenv("SESSION_BACKEND", BackendMemory),
		RedisAddr:        getenv("REDIS_ADDR", "localhost:6379"),
		SessionTTL:       durenvs("SESSION_TTL_SEC", 0),
		PaymentRetention: durenvs("PAYMENT_RETENTION_SEC", 7*24*3600),
		PaymentClaimTTL:  durenvs("PAYMENT_CLAIM_TTL_SEC", 120),

		KafkaBrokers:         listenv("KAFKA_BROKERS"),
		KafkaOrdersTopic:     getenv("KAFKA_ORDERS_TOPIC", "keymarket.orders"),
		KafkaRejectionsTopic: getenv("KAFKA_REJECTIONS_TOPIC", "keymarket.payments.rejected"),

		CatalogSeedPath: getenv("CATALOG_SEED_PATH", ""),

		InitialWorkerCount:      initialWorkers,
		WorkerMin:               minWorkers,
		WorkerMax:               maxWorkers,
		ScaleInterval:           durenvms("SCALE_INTERVAL_MS", 500),
		ScaleUpBacklogPerWorker: atoienv("SCALE_UP_BACKLOG_PER_WORKER", 100),
		ScaleDownIdleTicks:      atoienv("SCALE_DOWN_IDLE_TICKS", 6),
		QueueHighWatermark:      atoienv("QUEUE_HIGH_WATERMARK", 5000),
		PublishAttempts:         atoienv("PUBLISH_ATTEMPTS", 3),

		OtelEndpoint:   getenv("OTEL_ENDPOINT", ""),
		OtelAuthHeader: getenv("OTEL_AUTH_HEADER", ""),
	}
}

// AddFlags registers command-line overrides. Current field values,
// normally from Load, become the flag defaults.
func (c *Config) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.HTTPAddr, "http-addr", c.HTTPAddr, "HTTP listen address")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "time allowed to drain events on shutdown")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.StringVar(&c.StoreBackend, "store", c.StoreBackend, "inventory backend: memory, sqlite or postgres")
	fs.StringVar(&c.SQLitePath, "sqlite-path", c.SQLitePath, "SQLite database file")
	fs.IntVar(&c.SQLitePoolSize, "sqlite-pool-size", c.SQLitePoolSize, "SQLite connections (0 picks a default)")
	fs.StringVar(&c.DatabaseURL, "database-url", c.DatabaseURL, "PostgreSQL connection string")
	fs.StringVar(&c.SessionBackend, "sessions", c.SessionBackend, "session backend: memory or redis")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "Redis address")
	fs.DurationVar(&c.SessionTTL, "session-ttl", c.SessionTTL, "idle session lifetime (0 keeps sessions)")
	fs.StringSliceVar(&c.KafkaBrokers, "kafka-brokers", c.KafkaBrokers, "Kafka brokers; empty logs events only")
	fs.StringVar(&c.CatalogSeedPath, "catalog", c.CatalogSeedPath, "YAML catalog loaded into an empty store")
	fs.StringVar(&c.OtelEndpoint, "otel-endpoint", c.OtelEndpoint, "OTLP/HTTP collector host:port")
}

// Validate reports settings that cannot be served.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory, BackendSQLite:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for the %s store", BackendPostgres)
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.StoreBackend)
	}
	switch c.SessionBackend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("config: unknown session backend %q", c.SessionBackend)
	}
	if c.WorkerMin < 1 || c.WorkerMax < c.WorkerMin {
		return fmt.Errorf("config: invalid worker bounds min=%d max=%d", c.WorkerMin, c.WorkerMax)
	}
	if c.ScaleInterval <= 0 {
		return fmt.Errorf("config: SCALE_INTERVAL_MS must be positive, got %v", c.ScaleInterval)
	}
	return nil
}
