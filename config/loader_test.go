package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-vary-cache/types"
)

func newTestLoader(env map[string]string) *Loader {
	loader := NewLoader()
	loader.lookupEnv = func(key string) (string, bool) {
		value, ok := env[key]
		return value, ok
	}
	return loader
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadDefaults(t *testing.T) {
	config, err := newTestLoader(nil).LoadFromFile("")
	require.NoError(t, err)

	assert.Equal(t, "redis", config.Store.Type)
	assert.Equal(t, "varycache", config.Store.KeyPrefix)
	assert.Equal(t, 5*time.Second, config.Store.ExpectedClockSkew)
	assert.Equal(t, "localhost:6379", config.Store.Redis.Addr)
	assert.False(t, config.Metrics.Enabled)
	assert.Equal(t, "@every 10m", config.Sweeper.Spec)
}

func TestLoadFromFileOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
name: edge-cache
version: 1.4.0
logger:
  level: debug
  config:
    format: json
store:
  type: redis
  key_prefix: edge
  expected_clock_skew: 2s
  cleanup:
    schedule_delay: 500ms
    attempts: 3
  redis:
    addr: redis:6379
    db: 2
metrics:
  enabled: true
  type: memory
sweeper:
  enabled: true
  spec: "@every 1m"
admin:
  enabled: true
  port: 9100
`)

	config, err := newTestLoader(nil).LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "edge-cache", config.Name)
	assert.Equal(t, "debug", config.Logger.Level)
	assert.Equal(t, map[string]interface{}{"format": "json"}, config.Logger.Config)
	assert.Equal(t, "edge", config.Store.KeyPrefix)
	assert.Equal(t, 2*time.Second, config.Store.ExpectedClockSkew)
	assert.Equal(t, 500*time.Millisecond, config.Store.Cleanup.ScheduleDelay)
	assert.Equal(t, 3, config.Store.Cleanup.Attempts)
	assert.Equal(t, "redis:6379", config.Store.Redis.Addr)
	assert.Equal(t, 2, config.Store.Redis.DB)
	assert.Equal(t, "memory", config.Metrics.Type)
	assert.Equal(t, "@every 1m", config.Sweeper.Spec)
	assert.Equal(t, 5*time.Minute, config.Sweeper.Timeout)
	assert.Equal(t, "0.0.0.0", config.Admin.Host)
	assert.Equal(t, 9100, config.Admin.Port)
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
store:
  type: redis
  key_prefix: from-file
  redis:
    addr: file:6379
`)

	config, err := newTestLoader(map[string]string{
		EnvRedisAddr:     "env:6379",
		EnvRedisPassword: "secret",
		EnvKeyPrefix:     "",
		EnvLogLevel:      "warn",
	}).LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "env:6379", config.Store.Redis.Addr)
	assert.Equal(t, "secret", config.Store.Redis.Password)
	assert.Equal(t, "", config.Store.KeyPrefix)
	assert.Equal(t, "warn", config.Logger.Level)
}

func TestLoadErrors(t *testing.T) {
	loader := newTestLoader(nil)

	_, err := loader.LoadFromFile(filepath.Join(t.TempDir(), "missing.yml"))
	assert.ErrorIs(t, err, types.ErrConfigNotFound)

	_, err = loader.Load([]byte("store: [unclosed"))
	assert.ErrorIs(t, err, types.ErrConfigParseFailed)

	_, err = loader.Load([]byte("store:\n  expected_clock_skew: -1s\n"))
	assert.ErrorIs(t, err, types.ErrConfigValidateFailed)

	_, err = loader.Load([]byte("logger:\n  level: loud\n"))
	assert.ErrorIs(t, err, types.ErrConfigValidateFailed)

	_, err = loader.Load([]byte("admin:\n  enabled: true\n  port: 70000\n"))
	assert.ErrorIs(t, err, types.ErrConfigValidateFailed)
}
