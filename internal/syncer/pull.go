package syncer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tillworks/offline-pos/internal/cache"
)

// pullDatasets refreshes every dataset in dependency order. The first
// failure aborts the remaining pulls: later datasets may reference rows
// from earlier ones, and a cursor is only advanced after its rows land.
func (e *Engine) pullDatasets(ctx context.Context, report *Report) error {
	for _, key := range cache.DatasetOrder {
		since, err := e.cache.Version(ctx, key)
		if err != nil {
			return fmt.Errorf("syncer: reading cursor for %s: %w", key, err)
		}

		delta, err := e.backend.PullDataset(ctx, key, since)
		if err != nil {
			return fmt.Errorf("syncer: pulling %s: %w", key, err)
		}

		if len(delta.Rows) == 0 && len(delta.DeletedIDs) == 0 {
			continue
		}

		info := cache.VersionInfo{
			Version:      delta.Version,
			RecordCount:  delta.RecordCount,
			DeletedCount: delta.DeletedCount,
		}

		if len(delta.Rows) > 0 {
			if err := e.cache.UpsertDataset(ctx, key, delta.Rows, info); err != nil {
				return fmt.Errorf("syncer: applying %s delta: %w", key, err)
			}

			report.RowsUpserted += len(delta.Rows)
		}

		if len(delta.DeletedIDs) > 0 {
			if err := e.cache.DeleteRecords(ctx, key, delta.DeletedIDs, info); err != nil {
				return fmt.Errorf("syncer: applying %s tombstones: %w", key, err)
			}

			report.RowsDeleted += len(delta.DeletedIDs)
		}

		report.DatasetsPulled++

		e.logger.Debug("dataset pulled",
			slog.String("dataset", key),
			slog.Int("rows", len(delta.Rows)),
			slog.Int("deleted", len(delta.DeletedIDs)),
			slog.String("version", delta.Version),
		)
	}

	return nil
}
