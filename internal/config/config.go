// Package config loads delivery parameters from the environment, with a .env
// file honored when present.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// Retry policy.
	BaseDelay   time.Duration // RELAY_BASE_DELAY
	MaxDelay    time.Duration // RELAY_MAX_DELAY
	MaxAttempts int           // RELAY_MAX_ATTEMPTS

	// Dispatch.
	BatchSize      int           // RELAY_BATCH_SIZE
	AttemptTimeout time.Duration // RELAY_ATTEMPT_TIMEOUT

	// Rate guard. Webhook delivery is system-to-system, so the defaults sit
	// well above the notification-style 5/20.
	RateHourly int    // RELAY_RATE_HOURLY
	RateDaily  int    // RELAY_RATE_DAILY
	RedisAddr  string // RELAY_REDIS_ADDR, empty = in-process guard

	// Endpoint circuit breaker.
	FailureThreshold int // RELAY_FAILURE_THRESHOLD

	// Housekeeping.
	Retention   time.Duration // RELAY_RETENTION
	StaleAfter  time.Duration // RELAY_STALE_AFTER
	JanitorCron string        // RELAY_JANITOR_CRON

	// Sync backend.
	BackendURL string // RELAY_BACKEND_URL
}

// Load reads the environment (after godotenv.Load) and fills in defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}
	return Config{
		BaseDelay:        envDuration("RELAY_BASE_DELAY", 2*time.Second),
		MaxDelay:         envDuration("RELAY_MAX_DELAY", 5*time.Minute),
		MaxAttempts:      envInt("RELAY_MAX_ATTEMPTS", 3),
		BatchSize:        envInt("RELAY_BATCH_SIZE", 50),
		AttemptTimeout:   envDuration("RELAY_ATTEMPT_TIMEOUT", 15*time.Second),
		RateHourly:       envInt("RELAY_RATE_HOURLY", 600),
		RateDaily:        envInt("RELAY_RATE_DAILY", 5000),
		RedisAddr:        os.Getenv("RELAY_REDIS_ADDR"),
		FailureThreshold: envInt("RELAY_FAILURE_THRESHOLD", 10),
		Retention:        envDuration("RELAY_RETENTION", 7*24*time.Hour),
		StaleAfter:       envDuration("RELAY_STALE_AFTER", 5*time.Minute),
		JanitorCron:      envString("RELAY_JANITOR_CRON", "0 * * * *"),
		BackendURL:       envString("RELAY_BACKEND_URL", "http://localhost:9000"),
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid integer env value, using default")
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid duration env value, using default")
		return def
	}
	return d
}
