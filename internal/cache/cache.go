package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tillworks/offline-pos/internal/poserr"
	"github.com/tillworks/offline-pos/internal/store"
)

// PairingSource supplies the terminal's tenant and location for back-filling
// rows that arrive without them. Satisfied by *meta.Meta.
type PairingSource interface {
	TenantLocation(ctx context.Context) (tenantID, locationID string, err error)
}

// Cache writes and reads the reference datasets. All writes go through
// UpsertDataset/DeleteRecords; only the sync engine and the gateway's
// cache-dataset command call them.
type Cache struct {
	db      *sql.DB
	pairing PairingSource
	logger  *slog.Logger
}

// New creates a Cache over the shared database connection. pairing may be
// nil (rows are then stored with whatever tenant/location they carry).
func New(db *sql.DB, pairing PairingSource, logger *slog.Logger) *Cache {
	return &Cache{db: db, pairing: pairing, logger: logger}
}

// validDataset maps dataset keys to their table names. Keys and tables are
// deliberately identical; the map doubles as the allow-list for
// DeleteRecords so a gateway caller can never name an arbitrary table.
var validDataset = map[string]bool{
	DatasetCategories:         true,
	DatasetProductTypes:       true,
	DatasetTaxes:              true,
	DatasetModifierSets:       true,
	DatasetUsers:              true,
	DatasetProducts:           true,
	DatasetDiscounts:          true,
	DatasetInventoryLocations: true,
	DatasetInventoryStocks:    true,
	DatasetSettings:           true,
}

// UpsertDataset writes a batch of rows for one dataset and advances its
// version cursor, all in a single transaction. Rows are the backend's JSON
// objects. A missing version is rejected; a version older than the stored
// one is skipped with a warning (the replica never moves backwards).
func (c *Cache) UpsertDataset(ctx context.Context, key string, rows []json.RawMessage, ver VersionInfo) error {
	if !validDataset[key] {
		return fmt.Errorf("cache: unknown dataset %q", key)
	}

	if ver.Version == "" {
		return fmt.Errorf("cache: upsert %s: %w", key, poserr.ErrDatasetVersionRequired)
	}

	current, err := c.Version(ctx, key)
	if err != nil {
		return err
	}

	// Versions are ISO-8601 timestamps; lexical comparison is time order.
	if current != "" && ver.Version < current {
		c.logger.Warn("cache: rejecting stale dataset version",
			slog.String("dataset", key),
			slog.String("stored", current),
			slog.String("submitted", ver.Version),
		)

		return nil
	}

	tenantID, locationID := c.pairingIDs(ctx)

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cache: begin upsert %s: %w", key, err)
	}
	defer tx.Rollback()

	if key == DatasetCategories {
		if err := c.upsertCategories(ctx, tx, rows, tenantID); err != nil {
			return err
		}
	} else {
		for i, raw := range rows {
			if err := c.upsertRow(ctx, tx, key, raw, tenantID, locationID); err != nil {
				return fmt.Errorf("cache: upsert %s row %d: %w", key, i, err)
			}
		}
	}

	if err := c.writeVersion(ctx, tx, key, ver); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache: commit upsert %s: %w", key, err)
	}

	c.logger.Info("dataset cached",
		slog.String("dataset", key),
		slog.Int("rows", len(rows)),
		slog.String("version", ver.Version),
	)

	return nil
}

// DeleteRecords removes rows by primary key from one dataset and advances
// the version cursor in the same transaction. The cache never deletes on
// its own; this is only called with explicit deleted-ids from the backend.
// A batch carrying a version older than the stored one is skipped with a
// warning, same as UpsertDataset.
func (c *Cache) DeleteRecords(ctx context.Context, key string, ids []string, ver VersionInfo) error {
	if !validDataset[key] {
		return fmt.Errorf("cache: unknown dataset %q", key)
	}

	if ver.Version == "" {
		return fmt.Errorf("cache: delete from %s: %w", key, poserr.ErrDatasetVersionRequired)
	}

	current, err := c.Version(ctx, key)
	if err != nil {
		return err
	}

	if current != "" && ver.Version < current {
		c.logger.Warn("cache: rejecting stale delete batch",
			slog.String("dataset", key),
			slog.String("stored", current),
			slog.String("submitted", ver.Version),
		)

		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cache: begin delete %s: %w", key, err)
	}
	defer tx.Rollback()

	// key is allow-listed above; never user-controlled SQL.
	stmt, err := tx.PrepareContext(ctx, `DELETE FROM `+key+` WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("cache: prepare delete %s: %w", key, err)
	}
	defer stmt.Close()

	deleted := 0

	for _, id := range ids {
		result, execErr := stmt.ExecContext(ctx, id)
		if execErr != nil {
			return fmt.Errorf("cache: delete %s id %s: %w", key, id, execErr)
		}

		if n, _ := result.RowsAffected(); n > 0 {
			deleted++
		}
	}

	if err := c.writeVersion(ctx, tx, key, ver); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache: commit delete %s: %w", key, err)
	}

	c.logger.Info("dataset records deleted",
		slog.String("dataset", key),
		slog.Int("requested", len(ids)),
		slog.Int("deleted", deleted),
	)

	return nil
}

// Version returns the stored version for one dataset, or "" when the
// dataset has never been synced.
func (c *Cache) Version(ctx context.Context, key string) (string, error) {
	var version string

	err := c.db.QueryRowContext(ctx,
		`SELECT version FROM datasets WHERE key = ?`, key).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("cache: get version %s: %w", key, err)
	}

	return version, nil
}

// Versions returns the full key → version map the sync engine uses as its
// modified_since cursors.
func (c *Cache) Versions(ctx context.Context) (map[string]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT key, version FROM datasets`)
	if err != nil {
		return nil, fmt.Errorf("cache: list versions: %w", err)
	}
	defer rows.Close()

	versions := make(map[string]string)

	for rows.Next() {
		var key, version string

		if err := rows.Scan(&key, &version); err != nil {
			return nil, fmt.Errorf("cache: scan version row: %w", err)
		}

		versions[key] = version
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache: iterate version rows: %w", err)
	}

	return versions, nil
}

// DatasetVersions returns the full stored version rows for the stats view.
func (c *Cache) DatasetVersions(ctx context.Context) ([]DatasetVersion, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT key, version, synced_at, record_count, deleted_count FROM datasets ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("cache: list dataset versions: %w", err)
	}
	defer rows.Close()

	var versions []DatasetVersion

	for rows.Next() {
		var v DatasetVersion

		if err := rows.Scan(&v.Key, &v.Version, &v.SyncedAt, &v.RecordCount, &v.DeletedCount); err != nil {
			return nil, fmt.Errorf("cache: scan dataset version: %w", err)
		}

		versions = append(versions, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache: iterate dataset versions: %w", err)
	}

	return versions, nil
}

// Clear empties every reference table and the version cursors. Used by the
// gateway's clear-cache command before a full re-sync.
func (c *Cache) Clear(ctx context.Context) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cache: begin clear: %w", err)
	}
	defer tx.Rollback()

	for key := range validDataset {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+key); err != nil {
			return fmt.Errorf("cache: clearing %s: %w", key, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM datasets`); err != nil {
		return fmt.Errorf("cache: clearing datasets: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache: commit clear: %w", err)
	}

	c.logger.Warn("reference cache cleared")

	return nil
}

// writeVersion upserts the dataset's high-water mark inside the caller's
// transaction.
func (c *Cache) writeVersion(ctx context.Context, tx *sql.Tx, key string, ver VersionInfo) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO datasets (key, version, synced_at, record_count, deleted_count)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			version = excluded.version,
			synced_at = excluded.synced_at,
			record_count = excluded.record_count,
			deleted_count = excluded.deleted_count`,
		key, ver.Version, store.NowUnix(), ver.RecordCount, ver.DeletedCount)
	if err != nil {
		return fmt.Errorf("cache: write version %s: %w", key, err)
	}

	return nil
}

// pairingIDs resolves the tenant/location backfill values. An unpaired
// terminal stores rows as they arrived.
func (c *Cache) pairingIDs(ctx context.Context) (string, string) {
	if c.pairing == nil {
		return "", ""
	}

	tenantID, locationID, err := c.pairing.TenantLocation(ctx)
	if err != nil {
		return "", ""
	}

	return tenantID, locationID
}
