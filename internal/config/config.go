// Package config loads entitlementd runtime settings from .env files and
// ENTITLEMENTD_* environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/entitlementd/internal/logging"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "ENTITLEMENTD_"

// Modes.
const (
	ModeAuthority = "authority"
	ModeEdge      = "edge"
)

// Backends.
const (
	StoreSQLite  = "sqlite"
	StoreMemory  = "memory"
	CacheSQLite  = "sqlite"
	CacheRedis   = "redis"
	CacheMemory  = "memory"
	defaultDir   = "/var/lib/entitlementd"
	defaultAddr  = ":8460"
	defaultMAddr = ":9460"
)

// Config holds all runtime settings.
type Config struct {
	DataDir     string
	ListenAddr  string
	MetricsAddr string
	Mode        string

	// RemoteURL is the authority base URL used by edge mode.
	RemoteURL     string
	ProbeInterval time.Duration

	StoreBackend string
	CacheBackend string
	RedisAddr    string
	RedisPrefix  string
	RedisTTL     time.Duration

	LogLevel  string
	LogFormat string
	LogFile   string

	FraudAlertThreshold float64
	FraudBlockThreshold float64
	FraudLookback       time.Duration
	UsageLimit          int
	UsageWindow         time.Duration

	OfflineWindow time.Duration
	FreshnessTTL  time.Duration
	RefreshAfter  time.Duration
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:             defaultDir,
		ListenAddr:          defaultAddr,
		MetricsAddr:         defaultMAddr,
		Mode:                ModeAuthority,
		ProbeInterval:       30 * time.Second,
		StoreBackend:        StoreSQLite,
		CacheBackend:        CacheSQLite,
		RedisAddr:           "localhost:6379",
		RedisPrefix:         "entitlementd:offline:",
		LogLevel:            "info",
		LogFormat:           "auto",
		FraudAlertThreshold: 0.5,
		FraudBlockThreshold: 0.7,
		FraudLookback:       30 * 24 * time.Hour,
		UsageLimit:          60,
		UsageWindow:         time.Hour,
		OfflineWindow:       7 * 24 * time.Hour,
		FreshnessTTL:        time.Hour,
		RefreshAfter:        24 * time.Hour,
	}
}

// EnvPath returns the .env file location for dataDir.
func EnvPath(dataDir string) string {
	return filepath.Join(dataDir, ".env")
}

// Load reads configuration. The data dir .env is loaded first, then .env in
// the working directory; variables already present in the environment win
// over both.
func Load() (*Config, error) {
	dataDir := defaultDir
	if dir := os.Getenv(EnvPrefix + "DATA_DIR"); dir != "" {
		dataDir = dir
	}

	envFile := EnvPath(dataDir)
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Info().Str("file", envFile).Msg("Loaded .env file")
		}
	}
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded configuration from .env in current directory")
	}

	cfg := Default()
	cfg.DataDir = dataDir
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays ENTITLEMENTD_* values read through getenv.
func (c *Config) applyEnv(getenv func(string) string) error {
	get := func(key string) (string, bool) {
		v := strings.TrimSpace(getenv(EnvPrefix + key))
		return v, v != ""
	}

	strs := map[string]*string{
		"DATA_DIR":      &c.DataDir,
		"LISTEN_ADDR":   &c.ListenAddr,
		"METRICS_ADDR":  &c.MetricsAddr,
		"MODE":          &c.Mode,
		"REMOTE_URL":    &c.RemoteURL,
		"STORE_BACKEND": &c.StoreBackend,
		"CACHE_BACKEND": &c.CacheBackend,
		"REDIS_ADDR":    &c.RedisAddr,
		"REDIS_PREFIX":  &c.RedisPrefix,
		"LOG_LEVEL":     &c.LogLevel,
		"LOG_FORMAT":    &c.LogFormat,
		"LOG_FILE":      &c.LogFile,
	}
	for key, dst := range strs {
		if v, ok := get(key); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"PROBE_INTERVAL": &c.ProbeInterval,
		"REDIS_TTL":      &c.RedisTTL,
		"FRAUD_LOOKBACK": &c.FraudLookback,
		"USAGE_WINDOW":   &c.UsageWindow,
		"OFFLINE_WINDOW": &c.OfflineWindow,
		"FRESHNESS_TTL":  &c.FreshnessTTL,
		"REFRESH_AFTER":  &c.RefreshAfter,
	}
	for key, dst := range durations {
		v, ok := get(key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %s%s: %w", EnvPrefix, key, err)
		}
		*dst = d
	}

	floats := map[string]*float64{
		"FRAUD_ALERT_THRESHOLD": &c.FraudAlertThreshold,
		"FRAUD_BLOCK_THRESHOLD": &c.FraudBlockThreshold,
	}
	for key, dst := range floats {
		v, ok := get(key)
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parse %s%s: %w", EnvPrefix, key, err)
		}
		*dst = f
	}

	if v, ok := get("USAGE_LIMIT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %sUSAGE_LIMIT: %w", EnvPrefix, err)
		}
		c.UsageLimit = n
	}

	c.Mode = strings.ToLower(c.Mode)
	c.StoreBackend = strings.ToLower(c.StoreBackend)
	c.CacheBackend = strings.ToLower(c.CacheBackend)
	return nil
}

// Validate checks the configuration for inconsistent values.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeAuthority:
		if c.StoreBackend != StoreSQLite && c.StoreBackend != StoreMemory {
			return fmt.Errorf("invalid store backend %q", c.StoreBackend)
		}
	case ModeEdge:
		if c.RemoteURL == "" {
			return fmt.Errorf("edge mode requires %sREMOTE_URL", EnvPrefix)
		}
		u, err := url.Parse(c.RemoteURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid remote url %q", c.RemoteURL)
		}
	default:
		return fmt.Errorf("invalid mode %q", c.Mode)
	}

	switch c.CacheBackend {
	case CacheSQLite, CacheMemory:
	case CacheRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis cache backend requires %sREDIS_ADDR", EnvPrefix)
		}
	default:
		return fmt.Errorf("invalid cache backend %q", c.CacheBackend)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data dir must not be empty")
	}
	if !logging.ValidLevel(c.LogLevel) {
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	if c.FraudAlertThreshold <= 0 || c.FraudBlockThreshold > 1 || c.FraudAlertThreshold >= c.FraudBlockThreshold {
		return fmt.Errorf("fraud thresholds must satisfy 0 < alert (%v) < block (%v) <= 1", c.FraudAlertThreshold, c.FraudBlockThreshold)
	}
	if c.OfflineWindow <= 0 {
		return fmt.Errorf("offline window must be positive")
	}
	if c.FreshnessTTL <= 0 {
		return fmt.Errorf("freshness ttl must be positive")
	}
	if c.UsageLimit <= 0 {
		return fmt.Errorf("usage limit must be positive")
	}
	return nil
}
