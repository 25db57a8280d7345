package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)

	assert.Equal(t, defaultSyncIntervalMinutes, cfg.Sync.IntervalMinutes)
	assert.Equal(t, defaultHealthProbeIntervalMs, cfg.Backend.HealthProbeIntervalMs)
	assert.True(t, cfg.Sync.AutoSyncEnabled)
	assert.Equal(t, defaultMaxBackupsToKeep, cfg.Backup.MaxBackupsToKeep)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
[backend]
url = "https://pos.example.com"
http_timeout_ms = 20000

[sync]
interval_minutes = 10
auto_sync_enabled = false

[limits]
offline_transaction_cap = "50.00"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://pos.example.com", cfg.Backend.URL)
	assert.Equal(t, 20000, cfg.Backend.HTTPTimeoutMs)
	assert.Equal(t, 10, cfg.Sync.IntervalMinutes)
	assert.False(t, cfg.Sync.AutoSyncEnabled)
	assert.Equal(t, "50.00", cfg.Limits.OfflineTransactionCap)

	// Untouched sections keep defaults.
	assert.Equal(t, defaultHealthProbeTimeoutMs, cfg.Backend.HealthProbeTimeoutMs)
}

func TestLoad_SyncIntervalClamped(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, "[sync]\ninterval_minutes = 0\n"))
	require.NoError(t, err)
	assert.Equal(t, minSyncIntervalMinutes, cfg.Sync.IntervalMinutes)

	cfg, err = Load(writeConfig(t, "[sync]\ninterval_minutes = 120\n"))
	require.NoError(t, err)
	assert.Equal(t, maxSyncIntervalMinutes, cfg.Sync.IntervalMinutes)
}

func TestLoad_InvalidBackendURL(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, "[backend]\nurl = \"not a url\"\n"))
	require.Error(t, err)
}

func TestLoad_InvalidMoneyCap(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, "[limits]\noffline_daily_cap = \"lots\"\n"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "[limits]\noffline_daily_cap = \"-5.00\"\n"))
	require.Error(t, err)
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, "[logging]\nlevel = \"loud\"\n"))
	require.Error(t, err)
}

func TestValidate_EmptyCapsAllowed(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Limits.OfflineTransactionCap = ""
	cfg.Limits.OfflineDailyCap = ""

	require.NoError(t, cfg.Validate())
}
