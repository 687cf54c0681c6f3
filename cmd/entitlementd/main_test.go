package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/entitlementd/internal/config"
	"github.com/rcourtman/entitlementd/internal/validator"
)

func TestVersionCmd(t *testing.T) {
	oldVersion, oldBuildTime, oldGitCommit := Version, BuildTime, GitCommit
	defer func() {
		Version, BuildTime, GitCommit = oldVersion, oldBuildTime, oldGitCommit
	}()

	Version = "1.2.3"
	BuildTime = "2026-01-01"
	GitCommit = "abcdef"

	var out bytes.Buffer
	versionCmd.SetOut(&out)
	defer versionCmd.SetOut(nil)
	versionCmd.Run(versionCmd, nil)

	assert.Contains(t, out.String(), "entitlementd 1.2.3")
	assert.Contains(t, out.String(), "Built: 2026-01-01")
	assert.Contains(t, out.String(), "Commit: abcdef")
}

func TestApplyFlagOverrides(t *testing.T) {
	oldListen, oldMetrics := flagListenAddr, flagMetricsAddr
	defer func() { flagListenAddr, flagMetricsAddr = oldListen, oldMetrics }()

	cfg := config.Default()
	flagListenAddr = "127.0.0.1:1"
	flagMetricsAddr = ""
	applyFlagOverrides(cfg)

	assert.Equal(t, "127.0.0.1:1", cfg.ListenAddr)
	assert.Equal(t, config.Default().MetricsAddr, cfg.MetricsAddr)
}

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.StoreBackend = config.StoreMemory
	cfg.CacheBackend = config.CacheMemory
	return cfg
}

func TestBuildEngineAuthorityMemory(t *testing.T) {
	eng, err := buildEngine(context.Background(), memoryConfig(t))
	require.NoError(t, err)
	defer eng.Close()

	assert.Nil(t, eng.remote)
	assert.NotNil(t, eng.validator)

	handler, jobs, err := modeWiring(eng)
	require.NoError(t, err)
	assert.NotNil(t, handler)

	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.Name)
	}
	assert.ElementsMatch(t, []string{"grace-sweep", "usage-prune"}, names)
}

func TestBuildEngineAuthoritySQLite(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	eng, err := buildEngine(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, eng.health)
	assert.NoError(t, eng.health.Ping(context.Background()))
	assert.NoError(t, eng.Close())
	// Close is idempotent.
	assert.NoError(t, eng.Close())
}

func TestBuildEngineEdge(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Mode = config.ModeEdge
	cfg.RemoteURL = "http://127.0.0.1:1"

	eng, err := buildEngine(context.Background(), cfg)
	require.NoError(t, err)
	defer eng.Close()

	require.NotNil(t, eng.remote)
	assert.Equal(t, "http://127.0.0.1:1/healthz", eng.remote.HealthURL())

	_, jobs, err := modeWiring(eng)
	require.NoError(t, err)
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.Name)
	}
	assert.ElementsMatch(t, []string{"revalidate", "usage-prune"}, names)
}

func TestRunCheckDeniesUnknownAccount(t *testing.T) {
	oldFeature := checkFeature
	defer func() { checkFeature = oldFeature }()
	checkFeature = "focus_modes"

	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetContext(context.Background())

	err := runCheck(cmd, memoryConfig(t), "nobody")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_entitlement")

	var decision validator.Decision
	require.NoError(t, json.Unmarshal(out.Bytes(), &decision))
	assert.Equal(t, validator.DecisionDenied, decision.Kind)
	assert.Equal(t, validator.ReasonNoEntitlement, decision.Reason)
}
