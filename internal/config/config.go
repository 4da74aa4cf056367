package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	LogLevel      string
	InstanceID    string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Upstream scheduling provider
	SchedulerBaseURL          string
	SchedulerAPIKey           string
	SchedulerTimeout          time.Duration
	SchedulerRateLimitPattern string
	SchedulerDryRun           bool

	// Locations whose availability the refresh coordinator keeps warm
	Locations []string

	// Cache refresh coordination
	RefreshInterval  time.Duration
	RefreshLockTTL   time.Duration
	InterTierDelay   time.Duration
	RefreshOnStartup bool

	// Slot reservations
	ReservationTTL          time.Duration
	ReservationConfirmedTTL time.Duration

	// Booking authorization tokens
	BookingTokenSecret string
	BookingTokenTTL    time.Duration

	// Booking gateway
	WriteSpacing   time.Duration
	SyncRetryDelay time.Duration

	// Async retry queue
	QueueTickInterval time.Duration
	QueueMaxAttempts  int
	QueueBaseBackoff  time.Duration
	QueueMaxBackoff   time.Duration
	QueueRetention    time.Duration

	// HTTP rate limiting (per caller IP)
	HTTPRateLimit float64
	HTTPRateBurst int

	CORSAllowedOrigins []string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		InstanceID:    getEnv("INSTANCE_ID", ""),
		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		SchedulerBaseURL:          getEnv("SCHEDULER_BASE_URL", ""),
		SchedulerAPIKey:           getEnv("SCHEDULER_API_KEY", ""),
		SchedulerTimeout:          getEnvAsDuration("SCHEDULER_TIMEOUT", 30*time.Second),
		SchedulerRateLimitPattern: getEnv("SCHEDULER_RATE_LIMIT_PATTERN", "minute between appointment requests"),
		SchedulerDryRun:           getEnvAsBool("SCHEDULER_DRY_RUN", false),

		Locations: getEnvAsSlice("LOCATIONS", nil),

		RefreshInterval:  getEnvAsDuration("REFRESH_INTERVAL", 5*time.Minute),
		RefreshLockTTL:   getEnvAsDuration("REFRESH_LOCK_TTL", 120*time.Second),
		InterTierDelay:   getEnvAsDuration("INTER_TIER_DELAY", 12*time.Second),
		RefreshOnStartup: getEnvAsBool("REFRESH_ON_STARTUP", false),

		ReservationTTL:          getEnvAsDuration("RESERVATION_TTL", 90*time.Second),
		ReservationConfirmedTTL: getEnvAsDuration("RESERVATION_CONFIRMED_TTL", 5*time.Minute),

		BookingTokenSecret: getEnv("BOOKING_TOKEN_SECRET", ""),
		BookingTokenTTL:    getEnvAsDuration("BOOKING_TOKEN_TTL", 15*time.Minute),

		WriteSpacing:   getEnvAsDuration("WRITE_SPACING", 10*time.Second),
		SyncRetryDelay: getEnvAsDuration("SYNC_RETRY_DELAY", 5*time.Second),

		QueueTickInterval: getEnvAsDuration("QUEUE_TICK_INTERVAL", 30*time.Second),
		QueueMaxAttempts:  getEnvAsInt("QUEUE_MAX_ATTEMPTS", 10),
		QueueBaseBackoff:  getEnvAsDuration("QUEUE_BASE_BACKOFF", 10*time.Second),
		QueueMaxBackoff:   getEnvAsDuration("QUEUE_MAX_BACKOFF", 300*time.Second),
		QueueRetention:    getEnvAsDuration("QUEUE_RETENTION", 7*24*time.Hour),

		HTTPRateLimit: getEnvAsFloat("HTTP_RATE_LIMIT", 10),
		HTTPRateBurst: getEnvAsInt("HTTP_RATE_BURST", 20),

		CORSAllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", nil),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
