package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the spend optimizer service.
type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Database   DatabaseConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	Log        LogConfig
	Metrics    MetricsConfig
	Optimizer  OptimizerConfig
}

type ServerConfig struct {
	Addr            string
	Env             string
	ShutdownTimeout time.Duration
}

// Storage backends for the event store.
const (
	StorageMemory     = "memory"
	StoragePostgres   = "postgres"
	StorageClickHouse = "clickhouse"
)

type StorageConfig struct {
	Backend string
	// InitSchema creates the event tables on startup when they are missing.
	InitSchema bool
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
	// Pool tuning. List queries are long reads over one client's records,
	// so idle connections are kept warm and each statement is bounded.
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	StatementTimeout  time.Duration
	ApplicationName   string
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type ClickHouseConfig struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	UseTLS          bool
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Addr returns host:port for the native protocol.
func (c ClickHouseConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type RedisConfig struct {
	Enabled      bool
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig configures the lifecycle event consumer.
type KafkaConfig struct {
	Enabled bool
	Brokers []string
	GroupID string
	Topic   string
	// PublishIngest queues HTTP ingestion on the topic instead of writing
	// to the store directly.
	PublishIngest bool
}

type AuthConfig struct {
	Enabled   bool
	MasterKey string
	SkipPaths []string
}

type RateLimitConfig struct {
	Enabled bool
	RPS     float64
	Burst   int
	// Optimize endpoints are CPU bound and get their own limiter.
	OptimizeRPS   float64
	OptimizeBurst int
}

type LogConfig struct {
	Level  string
	Format string
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool
	Path      string
	Namespace string
}

// OptimizerConfig tunes budget optimization runs.
type OptimizerConfig struct {
	// DefaultBudget is used when a request does not name a budget.
	DefaultBudget float64
	// DefaultLookback is the date range used when a request names none.
	DefaultLookback time.Duration
	// Attribution is the user-to-channel policy: last_event or first_event.
	Attribution string
	CacheTTL    time.Duration
	RunTimeout  time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("SPEND_OPT_HTTP_ADDR", ":8080"),
			Env:             getEnv("SPEND_OPT_ENV", "development"),
			ShutdownTimeout: getDurationEnv("SPEND_OPT_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Storage: StorageConfig{
			Backend:    getEnv("SPEND_OPT_STORAGE_BACKEND", StorageMemory),
			InitSchema: getBoolEnv("SPEND_OPT_STORAGE_INIT_SCHEMA", true),
		},
		Database: DatabaseConfig{
			Host:     getEnv("SPEND_OPT_DB_HOST", "localhost"),
			Port:     getIntEnv("SPEND_OPT_DB_PORT", 5432),
			User:     getEnv("SPEND_OPT_DB_USER", "spendopt"),
			Password: getEnv("SPEND_OPT_DB_PASSWORD", "spendopt_secret"),
			DBName:   getEnv("SPEND_OPT_DB_NAME", "spendopt"),
			SSLMode:  getEnv("SPEND_OPT_DB_SSLMODE", "disable"),
			MaxConns: getIntEnv("SPEND_OPT_DB_MAX_CONNS", 10),
			MinConns: getIntEnv("SPEND_OPT_DB_MIN_CONNS", 2),

			MaxConnLifetime:   getDurationEnv("SPEND_OPT_DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:   getDurationEnv("SPEND_OPT_DB_MAX_CONN_IDLE_TIME", 10*time.Minute),
			HealthCheckPeriod: getDurationEnv("SPEND_OPT_DB_HEALTH_CHECK_PERIOD", 30*time.Second),
			StatementTimeout:  getDurationEnv("SPEND_OPT_DB_STATEMENT_TIMEOUT", 60*time.Second),
			ApplicationName:   getEnv("SPEND_OPT_DB_APPLICATION_NAME", "spend-optimizer"),
		},
		ClickHouse: ClickHouseConfig{
			Host:            getEnv("SPEND_OPT_CLICKHOUSE_HOST", "localhost"),
			Port:            getIntEnv("SPEND_OPT_CLICKHOUSE_PORT", 9000),
			Database:        getEnv("SPEND_OPT_CLICKHOUSE_DB", "default"),
			User:            getEnv("SPEND_OPT_CLICKHOUSE_USER", "default"),
			Password:        getEnv("SPEND_OPT_CLICKHOUSE_PASSWORD", ""),
			UseTLS:          getBoolEnv("SPEND_OPT_CLICKHOUSE_TLS", false),
			MaxOpenConns:    getIntEnv("SPEND_OPT_CLICKHOUSE_MAX_OPEN_CONNS", 5),
			MaxIdleConns:    getIntEnv("SPEND_OPT_CLICKHOUSE_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime: getDurationEnv("SPEND_OPT_CLICKHOUSE_CONN_MAX_LIFETIME", time.Hour),
		},
		Redis: RedisConfig{
			Enabled:  getBoolEnv("SPEND_OPT_REDIS_ENABLED", true),
			Addr:     getEnv("SPEND_OPT_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("SPEND_OPT_REDIS_PASSWORD", ""),
			DB:       getIntEnv("SPEND_OPT_REDIS_DB", 0),

			PoolSize:     getIntEnv("SPEND_OPT_REDIS_POOL_SIZE", 10),
			MinIdleConns: getIntEnv("SPEND_OPT_REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getDurationEnv("SPEND_OPT_REDIS_DIAL_TIMEOUT", 2*time.Second),
			ReadTimeout:  getDurationEnv("SPEND_OPT_REDIS_READ_TIMEOUT", 500*time.Millisecond),
			WriteTimeout: getDurationEnv("SPEND_OPT_REDIS_WRITE_TIMEOUT", 500*time.Millisecond),
		},
		Kafka: KafkaConfig{
			Enabled: getBoolEnv("SPEND_OPT_KAFKA_ENABLED", false),
			Brokers: getSliceEnv("SPEND_OPT_KAFKA_BROKERS", []string{"localhost:9092"}),
			GroupID: getEnv("SPEND_OPT_KAFKA_GROUP_ID", "spend-optimizer"),
			Topic:   getEnv("SPEND_OPT_KAFKA_TOPIC", "fintech_lifecycle"),

			PublishIngest: getBoolEnv("SPEND_OPT_KAFKA_PUBLISH_INGEST", false),
		},
		Auth: AuthConfig{
			Enabled:   getBoolEnv("SPEND_OPT_AUTH_ENABLED", true),
			MasterKey: getEnv("SPEND_OPT_API_KEY_MASTER", ""),
			SkipPaths: getSliceEnv("SPEND_OPT_AUTH_SKIP_PATHS", []string{"/health", "/metrics"}),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getBoolEnv("SPEND_OPT_RATE_LIMIT_ENABLED", true),
			RPS:           getFloatEnv("SPEND_OPT_RATE_LIMIT_RPS", 200),
			Burst:         getIntEnv("SPEND_OPT_RATE_LIMIT_BURST", 50),
			OptimizeRPS:   getFloatEnv("SPEND_OPT_RATE_LIMIT_OPTIMIZE_RPS", 10),
			OptimizeBurst: getIntEnv("SPEND_OPT_RATE_LIMIT_OPTIMIZE_BURST", 5),
		},
		Log: LogConfig{
			Level:  getEnv("SPEND_OPT_LOG_LEVEL", "info"),
			Format: getEnv("SPEND_OPT_LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled:   getBoolEnv("SPEND_OPT_METRICS_ENABLED", true),
			Path:      getEnv("SPEND_OPT_METRICS_PATH", "/metrics"),
			Namespace: getEnv("SPEND_OPT_METRICS_NAMESPACE", "spend_optimizer"),
		},
		Optimizer: OptimizerConfig{
			DefaultBudget:   getFloatEnv("SPEND_OPT_DEFAULT_BUDGET", 100000),
			DefaultLookback: getDurationEnv("SPEND_OPT_DEFAULT_LOOKBACK", 30*24*time.Hour),
			Attribution:     getEnv("SPEND_OPT_ATTRIBUTION", "last_event"),
			CacheTTL:        getDurationEnv("SPEND_OPT_CACHE_TTL", 10*time.Minute),
			RunTimeout:      getDurationEnv("SPEND_OPT_RUN_TIMEOUT", 2*time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Auth.Enabled && c.Auth.MasterKey == "" {
		return fmt.Errorf("SPEND_OPT_API_KEY_MASTER is required when auth is enabled")
	}
	switch c.Storage.Backend {
	case StorageMemory, StoragePostgres, StorageClickHouse:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Optimizer.DefaultBudget <= 0 {
		return fmt.Errorf("SPEND_OPT_DEFAULT_BUDGET must be > 0, got %v", c.Optimizer.DefaultBudget)
	}
	switch c.Optimizer.Attribution {
	case "last_event", "first_event":
	default:
		return fmt.Errorf("unknown attribution policy %q", c.Optimizer.Attribution)
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return fmt.Errorf("kafka brokers and topic are required when kafka is enabled")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// Helper functions for reading environment variables

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getFloatEnv(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getSliceEnv(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return def
}
