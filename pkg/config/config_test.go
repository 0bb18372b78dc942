package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)

	assert.Equal(t, uint64(2), cfg.Service.PollIntervalSecs)
	assert.True(t, cfg.GPU.EnableNVML)
	assert.False(t, cfg.GPU.FallbackToNvidiaSMI)
	assert.True(t, cfg.Ollama.Enabled)
	assert.Equal(t, uint16(11434), cfg.Ollama.APIPort)
	assert.Equal(t, "http://localhost:11434", cfg.Ollama.APIURL)
	assert.Equal(t, uint32(7), cfg.Storage.RetentionDays)
	assert.True(t, cfg.Storage.EnableParquetArchival)
	assert.Equal(t, uint16(9090), cfg.Telemetry.MetricsPort)
	assert.Equal(t, "http://localhost:4317", cfg.Telemetry.OTLPEndpoint)
	assert.InDelta(t, 85.0, cfg.Alerts.TempThresholdCelsius, 0.001)
	assert.InDelta(t, 90.0, cfg.Alerts.MemoryThresholdPercent, 0.001)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[service]
poll_interval_secs = 10

[gpu]
enable_nvml = false
fallback_to_nvidia_smi = true

[storage]
retention_days = 30
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, uint64(10), cfg.Service.PollIntervalSecs)
	assert.False(t, cfg.GPU.EnableNVML)
	assert.True(t, cfg.GPU.FallbackToNvidiaSMI)
	assert.Equal(t, uint32(30), cfg.Storage.RetentionDays)

	// untouched sections keep defaults
	assert.Equal(t, uint16(9090), cfg.Telemetry.MetricsPort)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("GPM_SERVICE_POLL_INTERVAL_SECS", "7")
	t.Setenv("GPM_OLLAMA_ENABLED", "false")

	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "none.toml"))
	require.NoError(t, err)

	assert.Equal(t, uint64(7), cfg.Service.PollIntervalSecs)
	assert.False(t, cfg.Ollama.Enabled)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("not [valid toml"), 0o644))

	_, err := LoadFrom(path)
	assert.Error(t, err)
}

func TestDatabasePath(t *testing.T) {
	cfg := Default()
	cfg.Service.DataDir = "/var/lib/gpm"
	assert.Equal(t, filepath.Join("/var/lib/gpm", "gpm.db"), cfg.DatabasePath())
}
