package config

import (
	"fmt"
	"net/url"

	"github.com/shopspring/decimal"
)

// Bounds for clamped options.
const (
	minSyncIntervalMinutes = 1
	maxSyncIntervalMinutes = 60
	minProbeIntervalMs     = 1000
	minTimeoutMs           = 100
)

// Validate checks the config for invalid values. Interval-style options are
// clamped into their documented ranges rather than rejected; structurally
// broken values (bad URL, unparseable money) are errors.
func (c *Config) Validate() error {
	if c.Backend.URL != "" {
		u, err := url.Parse(c.Backend.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config: invalid backend url %q", c.Backend.URL)
		}
	}

	if c.Sync.IntervalMinutes < minSyncIntervalMinutes {
		c.Sync.IntervalMinutes = minSyncIntervalMinutes
	}

	if c.Sync.IntervalMinutes > maxSyncIntervalMinutes {
		c.Sync.IntervalMinutes = maxSyncIntervalMinutes
	}

	if c.Backend.HealthProbeIntervalMs < minProbeIntervalMs {
		c.Backend.HealthProbeIntervalMs = minProbeIntervalMs
	}

	if c.Backend.HealthProbeTimeoutMs < minTimeoutMs {
		c.Backend.HealthProbeTimeoutMs = minTimeoutMs
	}

	if c.Backend.HTTPTimeoutMs < minTimeoutMs {
		c.Backend.HTTPTimeoutMs = minTimeoutMs
	}

	if c.Backend.ConsecutiveFailuresToOffline < 1 {
		c.Backend.ConsecutiveFailuresToOffline = 1
	}

	if c.Sync.SentOperationRetentionDays < 1 {
		c.Sync.SentOperationRetentionDays = 1
	}

	if c.Backup.MaxBackupsToKeep < 1 {
		c.Backup.MaxBackupsToKeep = 1
	}

	if err := validateMoney("limits.offline_transaction_cap", c.Limits.OfflineTransactionCap); err != nil {
		return err
	}

	if err := validateMoney("limits.offline_daily_cap", c.Limits.OfflineDailyCap); err != nil {
		return err
	}

	if c.Limits.OfflineTransactionCountCap < 0 {
		return fmt.Errorf("config: limits.offline_transaction_count_cap must be >= 0")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log level %q", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "", "text", "json", "auto":
	default:
		return fmt.Errorf("config: invalid log format %q", c.Logging.Format)
	}

	return nil
}

// validateMoney checks that a cap is empty (disabled) or a non-negative
// decimal string.
func validateMoney(key, value string) error {
	if value == "" {
		return nil
	}

	d, err := decimal.NewFromString(value)
	if err != nil {
		return fmt.Errorf("config: %s: invalid amount %q: %w", key, value, err)
	}

	if d.IsNegative() {
		return fmt.Errorf("config: %s: amount %q must not be negative", key, value)
	}

	return nil
}
