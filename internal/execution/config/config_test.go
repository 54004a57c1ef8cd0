package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWhenNoFilePresent(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Engine.Workers)
	assert.Equal(t, 3, cfg.Engine.MaxRetries)
	assert.Equal(t, 20.0, cfg.Broker.RateLimitPerSecond)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.False(t, cfg.EventBus.Enabled)
	assert.Equal(t, int64(60), cfg.Controller.MaxRequestsPerMinute)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	content := []byte("engine:\n  workers: 8\nbroker:\n  rate_limit_per_second: 50\neventbus:\n  enabled: true\n  subject: custom.events\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Engine.Workers)
	assert.Equal(t, 50.0, cfg.Broker.RateLimitPerSecond)
	assert.True(t, cfg.EventBus.Enabled)
	assert.Equal(t, "custom.events", cfg.EventBus.Subject)
	assert.Equal(t, 3, cfg.Engine.MaxRetries)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte("monitoring:\n  log_level: warn\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o644))

	t.Setenv("TRADSYS_MONITORING_LOG_LEVEL", "debug")
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Monitoring.LogLevel)
}
