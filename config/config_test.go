package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 100, cfg.MaxSteps)
	assert.Equal(t, 25*time.Second, cfg.ShutdownBudget)
	assert.Equal(t, "agent_runs:requests", cfg.InputStream)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"max_steps: 7\nflush_interval: 2s\nredis_addr: redis.internal:6379\n",
	), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxSteps)
	assert.Equal(t, 2*time.Second, cfg.FlushInterval)
	assert.Equal(t, "redis.internal:6379", cfg.RedisAddr)
	// Untouched knobs keep their defaults.
	assert.Equal(t, 50, cfg.BatchSize)
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_steps: 7\n"), 0o600))

	t.Setenv("MAX_STEPS", "3")
	t.Setenv("HEARTBEAT_INTERVAL_SECONDS", "5")
	t.Setenv("LOCAL_MODE", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxSteps)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.True(t, cfg.LocalMode)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max_steps", func(c *Config) { c.MaxSteps = 0 }},
		{"zero flush_interval", func(c *Config) { c.FlushInterval = 0 }},
		{"heartbeat ttl below interval", func(c *Config) { c.HeartbeatTTL = c.HeartbeatInterval }},
		{"orphan threshold below heartbeat ttl", func(c *Config) { c.OrphanThreshold = c.HeartbeatTTL - time.Second }},
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
