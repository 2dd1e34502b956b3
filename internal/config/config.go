package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Port        string
	Environment string

	// Relay configuration
	PrimaryRelayURL string // required
	RelayConfigPath string // YAML relay list, optional
	RelayURLs       []string

	RedisURL string

	// Aggregation engine tuning
	FetchTimeout    time.Duration // hard deadline per fetch cycle
	BatchDelay      time.Duration // pause between automatic batches
	AutoLoadEnabled bool

	// Scheduled publish worker
	PublishCron        string
	PublishBatchSize   int
	PublishConcurrency int
	PublishMaxRetries  int
	PurgeRetentionDays int

	// HTTP surface
	APIRateLimit int // requests per minute per IP
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	// Parse extra relay URLs (comma-separated)
	relayEnv := getEnv("RELAY_URLS", "")
	var relayURLs []string
	if relayEnv != "" {
		relayURLs = strings.Split(relayEnv, ",")
		for i := range relayURLs {
			relayURLs[i] = strings.TrimSpace(relayURLs[i])
		}
	}

	return &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),

		PrimaryRelayURL: getEnv("PRIMARY_RELAY_URL", ""),
		RelayConfigPath: getEnv("RELAY_CONFIG_PATH", "relays.yaml"),
		RelayURLs:       relayURLs,

		RedisURL: getEnv("REDIS_URL", ""),

		FetchTimeout:    getDurationEnv("FETCH_TIMEOUT", 8*time.Second),
		BatchDelay:      getDurationEnv("BATCH_DELAY", 500*time.Millisecond),
		AutoLoadEnabled: getBoolEnv("AUTO_LOAD_ENABLED", true),

		PublishCron:        getEnv("PUBLISH_CRON", "* * * * *"),
		PublishBatchSize:   getIntEnv("PUBLISH_BATCH_SIZE", 25),
		PublishConcurrency: getIntEnv("PUBLISH_CONCURRENCY", 5),
		PublishMaxRetries:  getIntEnv("PUBLISH_MAX_RETRIES", 3),
		PurgeRetentionDays: getIntEnv("PURGE_RETENTION_DAYS", 90),

		APIRateLimit: getIntEnv("API_RATE_LIMIT", 120),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
