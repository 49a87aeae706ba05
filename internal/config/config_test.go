package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Scheduling.InitialCyclePoint = "2020-01-01T00:00:00Z"
	cfg.Runtime["foo"] = RuntimeConfig{Script: "echo hi"}

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Scheduling.InitialCyclePoint, loaded.Scheduling.InitialCyclePoint)
	assert.Equal(t, "echo hi", loaded.Runtime["foo"].Script)
}

func TestValidateRejectsMissingInitialPoint(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsReservedOutputName(t *testing.T) {
	cfg := Default()
	cfg.Scheduling.InitialCyclePoint = "2020-01-01T00:00:00Z"
	cfg.Runtime["foo"] = RuntimeConfig{Outputs: map[string]string{"succeeded": "custom"}}
	assert.Error(t, cfg.Validate())
}

func TestEnvironmentOverride(t *testing.T) {
	cfg := Default()
	t.Setenv("CYLC_LOG_LEVEL", "debug")
	cfg.applyEnvironmentOverrides()
	assert.Equal(t, "debug", cfg.Logging.Level)
}
