package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("STALE_CALL_THRESHOLD_SECONDS", "")
	t.Setenv("NOTIFY_DRIVERS", "")
	t.Setenv("CALL_REAPER_ENABLED", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 120*time.Second, cfg.Calls.StaleThreshold)
	assert.Equal(t, []string{"redis"}, cfg.Calls.NotifyDrivers)
	assert.Equal(t, 26257, cfg.Database.Port)
	assert.True(t, cfg.Calls.ReaperEnabled)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_ReaperDisabled(t *testing.T) {
	t.Setenv("CALL_REAPER_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.False(t, cfg.Calls.ReaperEnabled)
}

func TestLoad_StaleThresholdOverride(t *testing.T) {
	t.Setenv("STALE_CALL_THRESHOLD_SECONDS", "45")
	t.Setenv("NOTIFY_DRIVERS", "redis, log")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Calls.StaleThreshold)
	assert.Equal(t, []string{"redis", "log"}, cfg.Calls.NotifyDrivers)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server: ServerConfig{Environment: "development"},
			Calls: CallsConfig{
				StaleThreshold:  120 * time.Second,
				ReapInterval:    30 * time.Second,
				NotifyDrivers:   []string{"redis"},
				NotifyWorkers:   2,
				NotifyQueueSize: 16,
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{
			name:    "zero threshold",
			mutate:  func(c *Config) { c.Calls.StaleThreshold = 0 },
			wantErr: "STALE_CALL_THRESHOLD_SECONDS",
		},
		{
			name:    "production without secret",
			mutate:  func(c *Config) { c.Server.Environment = "production" },
			wantErr: "JWT_SECRET must be set",
		},
		{
			name: "production short secret",
			mutate: func(c *Config) {
				c.Server.Environment = "production"
				c.JWT.Secret = "short"
			},
			wantErr: "at least 32 characters",
		},
		{
			name:    "amqp without url",
			mutate:  func(c *Config) { c.Calls.NotifyDrivers = []string{"amqp"} },
			wantErr: "AMQP_URL",
		},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Calls.NotifyDrivers = []string{"pusher"} },
			wantErr: "unknown notify driver",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
