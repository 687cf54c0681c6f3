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
	require.NoError(t, Default().Validate())
}

func TestLoadAppliesEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(t.TempDir())
	t.Setenv(EnvPrefix+"DATA_DIR", dir)
	t.Setenv(EnvPrefix+"LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv(EnvPrefix+"OFFLINE_WINDOW", "72h")
	t.Setenv(EnvPrefix+"FRAUD_ALERT_THRESHOLD", "0.4")
	t.Setenv(EnvPrefix+"USAGE_LIMIT", "10")
	t.Setenv(EnvPrefix+"STORE_BACKEND", "MEMORY")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.Equal(t, 72*time.Hour, cfg.OfflineWindow)
	assert.InDelta(t, 0.4, cfg.FraudAlertThreshold, 1e-9)
	assert.Equal(t, 10, cfg.UsageLimit)
	assert.Equal(t, StoreMemory, cfg.StoreBackend)
}

func TestLoadReadsDataDirEnvFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(t.TempDir())
	t.Setenv(EnvPrefix+"DATA_DIR", dir)
	// Register for cleanup; godotenv.Load sets the variable directly.
	t.Setenv(EnvPrefix+"LOG_LEVEL", "")
	require.NoError(t, os.Unsetenv(EnvPrefix+"LOG_LEVEL"))

	require.NoError(t, os.WriteFile(EnvPath(dir), []byte(EnvPrefix+"LOG_LEVEL=debug\n"), 0o600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(EnvPrefix+"DATA_DIR", t.TempDir())
	t.Setenv(EnvPrefix+"FRESHNESS_TTL", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FRESHNESS_TTL")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown mode", func(c *Config) { c.Mode = "relay" }, "invalid mode"},
		{"edge without remote", func(c *Config) { c.Mode = ModeEdge }, "REMOTE_URL"},
		{"edge with bad remote", func(c *Config) { c.Mode = ModeEdge; c.RemoteURL = "not a url" }, "invalid remote url"},
		{"edge ok", func(c *Config) { c.Mode = ModeEdge; c.RemoteURL = "http://authority:8460" }, ""},
		{"bad store", func(c *Config) { c.StoreBackend = "postgres" }, "invalid store backend"},
		{"bad cache", func(c *Config) { c.CacheBackend = "disk" }, "invalid cache backend"},
		{"redis without addr", func(c *Config) { c.CacheBackend = CacheRedis; c.RedisAddr = "" }, "REDIS_ADDR"},
		{"inverted thresholds", func(c *Config) { c.FraudAlertThreshold = 0.8 }, "fraud thresholds"},
		{"bad log level", func(c *Config) { c.LogLevel = "chatty" }, "invalid log level"},
		{"zero offline window", func(c *Config) { c.OfflineWindow = 0 }, "offline window"},
		{"zero usage limit", func(c *Config) { c.UsageLimit = 0 }, "usage limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEnvPath(t *testing.T) {
	assert.Equal(t, filepath.Join("/data", ".env"), EnvPath("/data"))
}
