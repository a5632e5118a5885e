package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, 2*time.Second, cfg.BaseDelay)
	assert.Equal(t, 5*time.Minute, cfg.MaxDelay)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 600, cfg.RateHourly)
	assert.Equal(t, 5000, cfg.RateDaily)
	assert.Equal(t, "0 * * * *", cfg.JanitorCron)
	assert.Empty(t, cfg.RedisAddr)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("RELAY_BASE_DELAY", "500ms")
	t.Setenv("RELAY_MAX_ATTEMPTS", "7")
	t.Setenv("RELAY_REDIS_ADDR", "localhost:6379")

	cfg := Load()
	assert.Equal(t, 500*time.Millisecond, cfg.BaseDelay)
	assert.Equal(t, 7, cfg.MaxAttempts)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
}

func TestInvalidValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("RELAY_MAX_ATTEMPTS", "many")
	t.Setenv("RELAY_ATTEMPT_TIMEOUT", "soon")

	cfg := Load()
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 15*time.Second, cfg.AttemptTimeout)
}
