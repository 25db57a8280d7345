// Package config loads and validates the terminal configuration from a
// TOML file, layering file values over compiled-in defaults. A watcher
// republishes the effective config when the file changes so the running
// sync loops pick up new intervals and caps without a restart.
package config

import "time"

// Config is the effective terminal configuration. Field groups mirror the
// TOML sections.
type Config struct {
	Backend BackendConfig `toml:"backend"`
	Sync    SyncConfig    `toml:"sync"`
	Backup  BackupConfig  `toml:"backup"`
	Limits  LimitsConfig  `toml:"limits"`
	Gateway GatewayConfig `toml:"gateway"`
	Logging LoggingConfig `toml:"logging"`
}

// BackendConfig covers the backend base URL and network health probing.
type BackendConfig struct {
	URL                          string `toml:"url"`
	HealthProbeIntervalMs        int    `toml:"health_probe_interval_ms"`
	HealthProbeTimeoutMs         int    `toml:"health_probe_timeout_ms"`
	ConsecutiveFailuresToOffline int    `toml:"consecutive_failures_to_offline"`
	HTTPTimeoutMs                int    `toml:"http_timeout_ms"`
}

// SyncConfig covers the delta-pull loop and queue retention.
type SyncConfig struct {
	IntervalMinutes            int  `toml:"interval_minutes"`
	AutoSyncEnabled            bool `toml:"auto_sync_enabled"`
	SentOperationRetentionDays int  `toml:"sent_operation_retention_days"`
}

// BackupConfig covers scheduled database backups.
type BackupConfig struct {
	IntervalMinutes  int `toml:"interval_minutes"`
	MaxBackupsToKeep int `toml:"max_backups_to_keep"`
	RetentionDays    int `toml:"retention_days"`
}

// LimitsConfig covers offline exposure caps. Money caps are decimal strings
// ("50.00"); an empty string disables the cap. Cached store settings from
// the backend override these when present.
type LimitsConfig struct {
	OfflineTransactionCap      string `toml:"offline_transaction_cap"`
	OfflineDailyCap            string `toml:"offline_daily_cap"`
	OfflineTransactionCountCap int    `toml:"offline_transaction_count_cap"`
}

// GatewayConfig covers the localhost listener the UI process connects to.
type GatewayConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// LoggingConfig covers log level and format.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "text", "json", or "auto"
}

// HealthProbeInterval returns the probe cadence as a duration.
func (c *Config) HealthProbeInterval() time.Duration {
	return time.Duration(c.Backend.HealthProbeIntervalMs) * time.Millisecond
}

// HealthProbeTimeout returns the probe timeout as a duration.
func (c *Config) HealthProbeTimeout() time.Duration {
	return time.Duration(c.Backend.HealthProbeTimeoutMs) * time.Millisecond
}

// HTTPTimeout returns the per-request timeout as a duration.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.Backend.HTTPTimeoutMs) * time.Millisecond
}

// SyncInterval returns the delta-pull cadence as a duration.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.IntervalMinutes) * time.Minute
}

// BackupInterval returns the backup cadence as a duration.
func (c *Config) BackupInterval() time.Duration {
	return time.Duration(c.Backup.IntervalMinutes) * time.Minute
}
