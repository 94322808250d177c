package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PULSE_ENV", config.Test)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsTest())
	assert.Equal(t, "pulse", cfg.GetAppName())
	assert.Equal(t, 100, cfg.FunnelBatchSize)
	assert.Equal(t, config.DefaultSalt, cfg.DefaultSalt)
	assert.Equal(t, 1, cfg.GetMaxOpenConns())
	assert.Contains(t, cfg.DatabaseDSN(), "pulse-test.db")
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PULSE_ENV", config.Development)
	t.Setenv("PULSE_FUNNEL_BATCH_SIZE", "25")
	t.Setenv("PULSE_NOTIFICATION_RATE_LIMIT", "0.5")
	t.Setenv("PULSE_DB_MAX_OPEN_CONNS", "3")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.FunnelBatchSize)
	assert.Equal(t, 0.5, cfg.NotificationRateLimit)
	assert.Equal(t, 3, cfg.GetMaxOpenConns())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Run("unknown environment", func(t *testing.T) {
		t.Setenv("PULSE_ENV", "staging")
		_, err := config.Load()
		assert.Error(t, err)
	})

	t.Run("default salt in production", func(t *testing.T) {
		t.Setenv("PULSE_ENV", config.Production)
		_, err := config.Load()
		assert.ErrorContains(t, err, "PULSE_DEFAULT_SALT")

		t.Setenv("PULSE_DEFAULT_SALT", "a-site-specific-secret")
		_, err = config.Load()
		assert.NoError(t, err)
	})

	t.Run("non-positive funnel batch", func(t *testing.T) {
		t.Setenv("PULSE_ENV", config.Test)
		t.Setenv("PULSE_FUNNEL_BATCH_SIZE", "0")
		_, err := config.Load()
		assert.ErrorContains(t, err, "funnel batch size")
	})
}
