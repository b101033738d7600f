// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// RedisAddr is a parsed redis:// address with its numeric database namespace.
type RedisAddr struct {
	Addr     string // host:port
	Password string
	DB       int
}

// Config holds application configuration
type Config struct {
	// Instrument defaults
	Ticker   string
	TickerID int

	// Channel addressing. Broker carries task envelopes, backend carries
	// result records; they must live in distinct namespaces.
	Broker  RedisAddr
	Backend RedisAddr

	// Cache tier
	Cache    RedisAddr
	CacheTTL time.Duration

	// Durable tier (S3-compatible endpoint)
	S3Address   string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3Secure    bool

	// Publish gates. When off, the corresponding publish path is a no-op
	// that reports success (dry-run execution).
	EnabledS3Upload     bool
	EnabledRedisPublish bool

	// Worker pool
	WorkerCount       int
	MaxRetries        int
	VisibilityTimeout time.Duration
	StageTimeout      time.Duration
	DequeuePoll       time.Duration

	// Pipeline tunables
	MinDatasetRows int
	AggregateWait  time.Duration
	AggregatePoll  time.Duration

	// Ticker universe database
	UniverseDBPath string

	// Pricing provider. Empty base URL selects the synthetic provider.
	ProviderBaseURL string
	ProviderAPIKey  string

	// Producer schedules (cron specs with a seconds field; empty disables)
	IngestSchedule    string
	ScreenerSchedule  string
	AggregateSchedule string

	// IngestStaleAfter is how old a ticker's last successful ingest may be
	// before the ingest producer re-dispatches it.
	IngestStaleAfter time.Duration

	// Status server
	Port int

	LogLevel  string
	LogPretty bool
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	broker, err := ParseRedisURL(getEnv("WORKER_BROKER_URL", "redis://localhost:6379/13"))
	if err != nil {
		return nil, fmt.Errorf("invalid WORKER_BROKER_URL: %w", err)
	}

	backend, err := ParseRedisURL(getEnv("WORKER_BACKEND_URL", "redis://localhost:6379/14"))
	if err != nil {
		return nil, fmt.Errorf("invalid WORKER_BACKEND_URL: %w", err)
	}

	universePath := getEnv("UNIVERSE_DB_PATH", "data/universe.db")
	absUniversePath, err := filepath.Abs(universePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve universe database path: %w", err)
	}

	cfg := &Config{
		Ticker:   strings.ToUpper(getEnv("TICKER", "SPY")),
		TickerID: getEnvAsInt("TICKER_ID", 1),

		Broker:  broker,
		Backend: backend,

		Cache: RedisAddr{
			Addr:     getEnv("CACHE_ADDRESS", "localhost:6379"),
			Password: getEnv("CACHE_PASSWORD", ""),
			DB:       getEnvAsInt("CACHE_DB", 0),
		},
		CacheTTL: getEnvAsDuration("CACHE_TTL_SECONDS", 3600*time.Second),

		S3Address:   getEnv("S3_ADDRESS", "localhost:9000"),
		S3AccessKey: getEnv("S3_ACCESS_KEY", "trexaccesskey"),
		S3SecretKey: getEnv("S3_SECRET_KEY", "trex123321"),
		S3Region:    getEnv("S3_REGION", "us-east-1"),
		S3Secure:    getEnvAsBool("S3_SECURE", false),

		EnabledS3Upload:     getEnvAsBool("ENABLED_S3_UPLOAD", false),
		EnabledRedisPublish: getEnvAsBool("ENABLED_REDIS_PUBLISH", false),

		WorkerCount:       getEnvAsInt("WORKER_COUNT", 2),
		MaxRetries:        getEnvAsInt("MAX_RETRIES", 3),
		VisibilityTimeout: getEnvAsDuration("VISIBILITY_TIMEOUT_SECONDS", 300*time.Second),
		StageTimeout:      getEnvAsDuration("STAGE_TIMEOUT_SECONDS", 120*time.Second),
		DequeuePoll:       getEnvAsMillis("DEQUEUE_POLL_MS", 250*time.Millisecond),

		MinDatasetRows: getEnvAsInt("MIN_DATASET_ROWS", 20),
		AggregateWait:  getEnvAsDuration("AGGREGATE_WAIT_SECONDS", 10*time.Second),
		AggregatePoll:  getEnvAsMillis("AGGREGATE_POLL_MS", 500*time.Millisecond),

		UniverseDBPath: absUniversePath,

		ProviderBaseURL: getEnv("PROVIDER_BASE_URL", ""),
		ProviderAPIKey:  getEnv("PROVIDER_API_KEY", ""),

		IngestSchedule:    getEnv("INGEST_SCHEDULE", "0 */30 * * * *"),
		ScreenerSchedule:  getEnv("SCREENER_SCHEDULE", ""),
		AggregateSchedule: getEnv("AGGREGATE_SCHEDULE", ""),
		IngestStaleAfter:  getEnvAsDuration("INGEST_STALE_AFTER_SECONDS", 6*time.Hour),

		Port: getEnvAsInt("PORT", 8500),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvAsBool("LOG_PRETTY", true),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Ticker == "" {
		return fmt.Errorf("TICKER must not be empty")
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1, got %d", c.WorkerCount)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}
	if c.MinDatasetRows < 1 {
		return fmt.Errorf("MIN_DATASET_ROWS must be at least 1, got %d", c.MinDatasetRows)
	}
	if c.VisibilityTimeout <= 0 {
		return fmt.Errorf("VISIBILITY_TIMEOUT_SECONDS must be positive")
	}

	// Broker and backend sharing one server must use distinct database
	// namespaces, otherwise task envelopes and result records cross-talk.
	if c.Broker.Addr == c.Backend.Addr && c.Broker.DB == c.Backend.DB {
		return fmt.Errorf("broker and backend must use distinct redis namespaces, both are %s/%d",
			c.Broker.Addr, c.Broker.DB)
	}

	return nil
}

// ParseRedisURL resolves a redis://[:password@]host:port/db address.
func ParseRedisURL(raw string) (RedisAddr, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return RedisAddr{}, fmt.Errorf("failed to parse redis url %q: %w", raw, err)
	}
	if u.Scheme != "redis" {
		return RedisAddr{}, fmt.Errorf("unsupported scheme %q in %q (want redis://)", u.Scheme, raw)
	}

	host := u.Hostname()
	if host == "" {
		return RedisAddr{}, fmt.Errorf("missing host in redis url %q", raw)
	}
	port := u.Port()
	if port == "" {
		port = "6379"
	}

	addr := RedisAddr{Addr: host + ":" + port}

	if u.User != nil {
		if pw, ok := u.User.Password(); ok {
			addr.Password = pw
		} else {
			// redis://password@host form
			addr.Password = u.User.Username()
		}
	}

	if path := strings.TrimPrefix(u.Path, "/"); path != "" {
		db, err := strconv.Atoi(path)
		if err != nil || db < 0 {
			return RedisAddr{}, fmt.Errorf("invalid database index %q in %q", path, raw)
		}
		addr.DB = db
	}

	return addr, nil
}

// URL renders the address back to redis://host:port/db form (password omitted).
func (a RedisAddr) URL() string {
	return fmt.Sprintf("redis://%s/%d", a.Addr, a.DB)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvAsDuration reads a whole-seconds value.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil && intVal > 0 {
			return time.Duration(intVal) * time.Second
		}
	}
	return defaultValue
}

// getEnvAsMillis reads a whole-milliseconds value.
func getEnvAsMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil && intVal > 0 {
			return time.Duration(intVal) * time.Millisecond
		}
	}
	return defaultValue
}
