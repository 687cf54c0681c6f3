package config

import (
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadAppliesLogLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	cfg := Default()
	cfg.DataDir = t.TempDir()

	w, err := NewWatcher(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.watcher.Close() })

	reloaded := make(chan *Config, 1)
	w.OnReload(func(c *Config) { reloaded <- c })

	require.NoError(t, os.WriteFile(EnvPath(cfg.DataDir), []byte(EnvPrefix+"LOG_LEVEL=warn\n"+EnvPrefix+"USAGE_LIMIT=5\n"), 0o600))
	w.Reload()

	got := <-reloaded
	assert.Equal(t, "warn", got.LogLevel)
	assert.Equal(t, 5, got.UsageLimit)
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
	assert.Equal(t, "warn", w.Current().LogLevel)
}

func TestWatcherIgnoresInvalidUpdate(t *testing.T) {
	cfg := Default()
	cfg.DataDir = t.TempDir()

	w, err := NewWatcher(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.watcher.Close() })

	require.NoError(t, os.WriteFile(EnvPath(cfg.DataDir), []byte(EnvPrefix+"MODE=relay\n"), 0o600))
	w.Reload()

	assert.Equal(t, ModeAuthority, w.Current().Mode)
}

func TestWatcherPicksUpFileWrites(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	cfg := Default()
	cfg.DataDir = t.TempDir()

	w, err := NewWatcher(cfg)
	require.NoError(t, err)

	reloaded := make(chan *Config, 4)
	w.OnReload(func(c *Config) { reloaded <- c })
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)

	require.NoError(t, os.WriteFile(EnvPath(cfg.DataDir), []byte(EnvPrefix+"LOG_LEVEL=error\n"), 0o600))

	select {
	case got := <-reloaded:
		assert.Equal(t, "error", got.LogLevel)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}
