// Package meta persists device metadata in the device_meta key/value
// table: terminal pairing, the signing secret, network/sync clocks, and the
// offline exposure counters the limit guard inspects.
package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// Well-known device_meta keys.
const (
	keyTerminalID      = "terminal_id"
	keyTenantID        = "tenant_id"
	keyLocationID      = "location_id"
	keySigningSecret   = "signing_secret"
	keyPairedAt        = "paired_at"
	keyAPIKey          = "api_key"
	keyNetworkStatus   = "network_status"
	keyOfflineSince    = "offline_since"
	keyLastSyncAttempt = "last_sync_attempt"
	keyLastSyncSuccess = "last_sync_success"
	keyOfflineTxnCount = "offline_transaction_count"
	keyOfflineCash     = "offline_cash_total"
	keyOfflineCard     = "offline_card_total"
)

// Network status values stored under network_status.
const (
	NetworkOnline  = "online"
	NetworkOffline = "offline"
	NetworkUnknown = "unknown"
)

// Meta provides typed access to the device_meta table. It shares the
// process-wide database connection.
type Meta struct {
	db     *sql.DB
	logger *slog.Logger

	// nowFunc is injected by tests to control clock-derived values.
	nowFunc func() time.Time
}

// New creates a Meta over the shared database connection.
func New(db *sql.DB, logger *slog.Logger) *Meta {
	return &Meta{db: db, logger: logger, nowFunc: time.Now}
}

// Get returns the value for key, or "" when the key is absent.
func (m *Meta) Get(ctx context.Context, key string) (string, error) {
	var value string

	err := m.db.QueryRowContext(ctx,
		`SELECT value FROM device_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("meta: get %q: %w", key, err)
	}

	return value, nil
}

// Set writes a single key (insert or update).
func (m *Meta) Set(ctx context.Context, key, value string) error {
	if _, err := m.db.ExecContext(ctx, sqlUpsertMeta, key, value, m.nowFunc().Unix()); err != nil {
		return fmt.Errorf("meta: set %q: %w", key, err)
	}

	return nil
}

// Delete removes a key. Missing keys are not an error.
func (m *Meta) Delete(ctx context.Context, key string) error {
	if _, err := m.db.ExecContext(ctx, `DELETE FROM device_meta WHERE key = ?`, key); err != nil {
		return fmt.Errorf("meta: delete %q: %w", key, err)
	}

	return nil
}

const sqlUpsertMeta = `INSERT INTO device_meta (key, value, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE
	SET value = excluded.value, updated_at = excluded.updated_at`

// setInTx upserts a key inside an existing transaction.
func (m *Meta) setInTx(ctx context.Context, tx *sql.Tx, key, value string) error {
	if _, err := tx.ExecContext(ctx, sqlUpsertMeta, key, value, m.nowFunc().Unix()); err != nil {
		return fmt.Errorf("meta: set %q in tx: %w", key, err)
	}

	return nil
}

// --- API key ---

// APIKey returns the stored backend API key, or "" when none is stored.
func (m *Meta) APIKey(ctx context.Context) (string, error) {
	return m.Get(ctx, keyAPIKey)
}

// SetAPIKey stores the backend API key.
func (m *Meta) SetAPIKey(ctx context.Context, key string) error {
	return m.Set(ctx, keyAPIKey, key)
}

// ClearAPIKey removes the stored API key (done when the server rejects it).
func (m *Meta) ClearAPIKey(ctx context.Context) error {
	return m.Delete(ctx, keyAPIKey)
}

// --- Network-status clock ---

// NetworkStatus returns the recorded network status, defaulting to unknown.
func (m *Meta) NetworkStatus(ctx context.Context) (string, error) {
	status, err := m.Get(ctx, keyNetworkStatus)
	if err != nil {
		return "", err
	}

	if status == "" {
		return NetworkUnknown, nil
	}

	return status, nil
}

// SetNetworkStatus records a transition. Going offline stamps
// offline_since (only if not already stamped, so flapping probes don't
// shorten the reported outage); coming online clears it.
func (m *Meta) SetNetworkStatus(ctx context.Context, status string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("meta: begin network status tx: %w", err)
	}
	defer tx.Rollback()

	if err := m.setInTx(ctx, tx, keyNetworkStatus, status); err != nil {
		return err
	}

	switch status {
	case NetworkOffline:
		var existing string

		scanErr := tx.QueryRowContext(ctx,
			`SELECT value FROM device_meta WHERE key = ?`, keyOfflineSince).Scan(&existing)
		if scanErr != nil && !errors.Is(scanErr, sql.ErrNoRows) {
			return fmt.Errorf("meta: reading offline_since: %w", scanErr)
		}

		if existing == "" {
			stamp := strconv.FormatInt(m.nowFunc().Unix(), 10)
			if err := m.setInTx(ctx, tx, keyOfflineSince, stamp); err != nil {
				return err
			}
		}
	case NetworkOnline:
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM device_meta WHERE key = ?`, keyOfflineSince); err != nil {
			return fmt.Errorf("meta: clearing offline_since: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("meta: commit network status: %w", err)
	}

	return nil
}

// OfflineDuration returns how long the terminal has been offline, or zero
// when online.
func (m *Meta) OfflineDuration(ctx context.Context) (time.Duration, error) {
	value, err := m.Get(ctx, keyOfflineSince)
	if err != nil || value == "" {
		return 0, err
	}

	since, parseErr := strconv.ParseInt(value, 10, 64)
	if parseErr != nil {
		return 0, fmt.Errorf("meta: parsing offline_since %q: %w", value, parseErr)
	}

	return m.nowFunc().Sub(time.Unix(since, 0)), nil
}

// --- Sync clocks ---

// MarkSyncAttempt stamps last_sync_attempt with the current time.
func (m *Meta) MarkSyncAttempt(ctx context.Context) error {
	return m.Set(ctx, keyLastSyncAttempt, strconv.FormatInt(m.nowFunc().Unix(), 10))
}

// MarkSyncSuccess stamps last_sync_success with the current time.
func (m *Meta) MarkSyncSuccess(ctx context.Context) error {
	return m.Set(ctx, keyLastSyncSuccess, strconv.FormatInt(m.nowFunc().Unix(), 10))
}

// SyncClocks returns the last attempt and last success times. Zero times
// mean the event has never happened.
func (m *Meta) SyncClocks(ctx context.Context) (attempt, success time.Time, err error) {
	attempt, err = m.getTime(ctx, keyLastSyncAttempt)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	success, err = m.getTime(ctx, keyLastSyncSuccess)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	return attempt, success, nil
}

func (m *Meta) getTime(ctx context.Context, key string) (time.Time, error) {
	value, err := m.Get(ctx, key)
	if err != nil || value == "" {
		return time.Time{}, err
	}

	unix, parseErr := strconv.ParseInt(value, 10, 64)
	if parseErr != nil {
		return time.Time{}, fmt.Errorf("meta: parsing %q: %w", key, parseErr)
	}

	return time.Unix(unix, 0), nil
}
