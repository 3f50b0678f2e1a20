// Package config provides configuration for the tracehub server.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the server configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Durable store (SQLite)
	DatabaseURL string

	// Accelerator cache (DuckDB); empty disables the accelerator entirely
	CachePath string

	// Cache behavior
	CacheOpTimeout       time.Duration // bound on any single accelerator call
	SummaryFreshness     time.Duration // staleness window for the current snapshot
	TimelineFreshness    time.Duration // staleness window for timelines/distributions
	WarmingMinInterval   time.Duration // minimum gap between warming passes
	WarmingLookback      time.Duration // how far back a warming pass rebuilds
	MetricBucket         time.Duration // rollup bucket width

	// Lifecycle sweeps
	AgentTTL        time.Duration // active agent expiry with no completion
	RecentWindow    time.Duration // how long completed agents stay visible
	SessionTimeout  time.Duration // inactivity before a session is marked timeout
	SweepInterval   time.Duration
	SummaryInterval time.Duration // hook-coverage broadcast period

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
	SnapshotEvents int

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		HTTPPort:           getEnvInt("HTTP_PORT", 4000),
		DatabaseURL:        getEnv("DATABASE_URL", "file:tracehub.db?cache=shared&mode=rwc"),
		CachePath:          getEnv("CACHE_PATH", "tracehub-cache.duckdb"),
		CacheOpTimeout:     getEnvDuration("CACHE_OP_TIMEOUT_MS", 250*time.Millisecond),
		SummaryFreshness:   getEnvDuration("SUMMARY_FRESHNESS_MS", 5*time.Second),
		TimelineFreshness:  getEnvDuration("TIMELINE_FRESHNESS_MS", 60*time.Second),
		WarmingMinInterval: getEnvDuration("WARMING_MIN_INTERVAL_MS", 30*time.Second),
		WarmingLookback:    getEnvDuration("WARMING_LOOKBACK_MS", 24*time.Hour),
		MetricBucket:       getEnvDuration("METRIC_BUCKET_MS", time.Minute),
		AgentTTL:           getEnvDuration("AGENT_TTL_MS", 5*time.Minute),
		RecentWindow:       getEnvDuration("RECENT_WINDOW_MS", 30*time.Second),
		SessionTimeout:     getEnvDuration("SESSION_TIMEOUT_MS", 30*time.Minute),
		SweepInterval:      getEnvDuration("SWEEP_INTERVAL_MS", 10*time.Second),
		SummaryInterval:    getEnvDuration("SUMMARY_INTERVAL_MS", time.Minute),
		PingInterval:       getEnvDuration("WS_PING_INTERVAL_MS", 30*time.Second),
		WriteTimeout:       getEnvDuration("WS_WRITE_TIMEOUT_MS", 10*time.Second),
		ReadTimeout:        getEnvDuration("WS_READ_TIMEOUT_MS", 60*time.Second),
		MaxMessageSize:     int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 65536)),
		SnapshotEvents:     getEnvInt("SNAPSHOT_EVENTS", 50),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}
