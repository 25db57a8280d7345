package config

// Default values for configuration options. These are the "layer 0" the
// TOML file overrides and are chosen to keep an unconfigured terminal safe:
// conservative probe cadence, bounded retention, caps left to the backend.
const (
	defaultHealthProbeIntervalMs = 30000
	defaultHealthProbeTimeoutMs  = 5000
	defaultFailuresToOffline     = 3
	defaultHTTPTimeoutMs         = 10000
	defaultSyncIntervalMinutes   = 5
	defaultSentRetentionDays     = 7
	defaultBackupIntervalMinutes = 30
	defaultMaxBackupsToKeep      = 10
	defaultBackupRetentionDays   = 7
	defaultListenAddr            = "127.0.0.1:7373"
	defaultLogLevel              = "info"
	defaultLogFormat             = "auto"
)

// Default returns a Config populated with all default values. Used both as
// the starting point for TOML decoding (unset fields keep defaults) and as
// the fallback when no config file exists.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			HealthProbeIntervalMs:        defaultHealthProbeIntervalMs,
			HealthProbeTimeoutMs:         defaultHealthProbeTimeoutMs,
			ConsecutiveFailuresToOffline: defaultFailuresToOffline,
			HTTPTimeoutMs:                defaultHTTPTimeoutMs,
		},
		Sync: SyncConfig{
			IntervalMinutes:            defaultSyncIntervalMinutes,
			AutoSyncEnabled:            true,
			SentOperationRetentionDays: defaultSentRetentionDays,
		},
		Backup: BackupConfig{
			IntervalMinutes:  defaultBackupIntervalMinutes,
			MaxBackupsToKeep: defaultMaxBackupsToKeep,
			RetentionDays:    defaultBackupRetentionDays,
		},
		Gateway: GatewayConfig{
			ListenAddr: defaultListenAddr,
		},
		Logging: LoggingConfig{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}
