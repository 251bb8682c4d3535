// Package config holds runtime configuration: 12-factor environment
// defaults with an optional YAML profile overlay for per-deployment lease
// and poll tuning.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds connector runtime configuration.
type Config struct {
	LogLevel      string
	DatabaseURL   string
	RedisAddr     string
	WorkerID      string
	OTLPEndpoint  string
	OTLPEnabled   bool
	LeaseDuration time.Duration
	PollInterval  time.Duration
	MaxBatchSize  int
	// MaxStateCountBeforeFatal converts retries into fatal transitions.
	MaxStateCountBeforeFatal int
	RetryBaseDelay           time.Duration
}

// Load loads configuration from environment variables.
func Load() *Config {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		// Default to the embedded single-node store
		dbURL = "sqlite://dataspace.db"
	}

	return &Config{
		LogLevel:                 logLevel,
		DatabaseURL:              dbURL,
		RedisAddr:                os.Getenv("REDIS_ADDR"),
		WorkerID:                 os.Getenv("WORKER_ID"),
		OTLPEndpoint:             envOr("OTLP_ENDPOINT", "localhost:4317"),
		OTLPEnabled:              os.Getenv("OTLP_ENABLED") == "true",
		LeaseDuration:            envMillis("LEASE_DURATION_MS", 30*time.Second),
		PollInterval:             envMillis("POLL_INTERVAL_MS", time.Second),
		MaxBatchSize:             envInt("MAX_BATCH_SIZE", 20),
		MaxStateCountBeforeFatal: envInt("MAX_STATE_COUNT_BEFORE_FATAL", 7),
		RetryBaseDelay:           envMillis("RETRY_BASE_DELAY_MS", 500*time.Millisecond),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envMillis(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
