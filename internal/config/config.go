package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string
	OTLPProtocol string

	Logger LoggerConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SnowflakeNode int64

	// CredentialsKey decrypts per-organisation aggregator credentials and
	// stored identifiers such as SSNs.
	CredentialsKey string

	Aggregator AggregatorConfig
	Retry      RetryConfig
}

type LoggerConfig struct {
	Level string
}

type AggregatorConfig struct {
	RequestTimeout time.Duration
	HealthTimeout  time.Duration

	// Pacer is "fixed" for the in-process delay or "redis" for a token
	// bucket shared by every replica.
	Pacer         string
	BatchDelay    time.Duration
	RatePerSecond float64
	Burst         int

	FlagsPath string
}

type RetryConfig struct {
	Interval  time.Duration
	BatchSize int
	LockTTL   time.Duration
	// Disabled keeps the worker out of the monolith when it runs as its
	// own deployment.
	Disabled bool
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:      getenv("APP_SERVICE", "evvbridge"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint: strings.TrimSpace(getenv("OTLP_ENDPOINT", "")),
		OTLPProtocol: strings.ToLower(getenv("OTLP_PROTOCOL", "grpc")),
		Logger: LoggerConfig{
			Level: strings.ToLower(getenv("LOG_LEVEL", "info")),
		},
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "evvbridge"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		RedisAddr:         strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:     getenv("REDIS_PASSWORD", ""),
		RedisDB:           getenvInt("REDIS_DB", 0),
		SnowflakeNode:     getenvInt64("SNOWFLAKE_NODE", 1),
		CredentialsKey:    strings.TrimSpace(getenv("CREDENTIALS_ENCRYPTION_KEY", "")),
		Aggregator: AggregatorConfig{
			RequestTimeout: getenvDuration("AGGREGATOR_REQUEST_TIMEOUT", 30*time.Second),
			HealthTimeout:  getenvDuration("AGGREGATOR_HEALTH_TIMEOUT", 5*time.Second),
			Pacer:          strings.ToLower(getenv("AGGREGATOR_PACER", "fixed")),
			BatchDelay:     getenvDuration("AGGREGATOR_BATCH_DELAY", 250*time.Millisecond),
			RatePerSecond:  getenvFloat("AGGREGATOR_RATE_PER_SECOND", 4),
			Burst:          getenvInt("AGGREGATOR_BURST", 1),
			FlagsPath:      strings.TrimSpace(getenv("INTEGRATION_FLAGS_PATH", "")),
		},
		Retry: RetryConfig{
			Interval:  getenvDuration("RETRY_WORKER_INTERVAL", time.Minute),
			BatchSize: getenvInt("RETRY_WORKER_BATCH_SIZE", 50),
			LockTTL:   getenvDuration("RETRY_WORKER_LOCK_TTL", 5*time.Minute),
			Disabled:  getenvBool("RETRY_WORKER_DISABLED", false),
		},
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

// getenvDuration accepts Go duration strings ("250ms") or whole seconds.
func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}
