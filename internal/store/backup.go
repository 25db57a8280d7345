package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	backupPrefix = "offline-pos-"
	backupSuffix = ".db.bak"
)

// Backup snapshots the live database into backupDir without blocking
// writers, using VACUUM INTO (an online copy that also compacts). Returns
// the path of the backup file.
func (s *Store) Backup(ctx context.Context, backupDir string) (string, error) {
	if s.Path() == "" {
		return "", fmt.Errorf("store: cannot back up in-memory database")
	}

	if err := os.MkdirAll(backupDir, 0o700); err != nil {
		return "", fmt.Errorf("store: creating backup dir: %w", err)
	}

	stamp := time.Now().UTC().Format("2006-01-02T15-04-05Z")
	dest := filepath.Join(backupDir, backupPrefix+stamp+backupSuffix)

	// VACUUM INTO refuses to overwrite; a second backup within the same
	// second reuses the existing snapshot.
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	s.logger.Info("creating backup", "dest", dest)

	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return "", fmt.Errorf("store: vacuum into %s: %w", dest, err)
	}

	return dest, nil
}

// SweepBackups enforces the retention policy: at most keep files, and
// nothing older than retentionDays. Returns the number of files removed.
func (s *Store) SweepBackups(backupDir string, keep, retentionDays int) (int, error) {
	files, err := listBackups(backupDir)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	removed := 0

	for i, f := range files {
		// files is sorted newest-first.
		stale := i >= keep

		if info, statErr := os.Stat(f); statErr == nil && info.ModTime().Before(cutoff) {
			stale = true
		}

		if !stale {
			continue
		}

		if rmErr := os.Remove(f); rmErr != nil {
			s.logger.Warn("could not remove old backup", "path", f, "error", rmErr)
			continue
		}

		removed++
	}

	if removed > 0 {
		s.logger.Info("backup retention sweep complete", slog.Int("removed", removed))
	}

	return removed, nil
}

// listBackups returns backup files in backupDir sorted newest-first.
// The timestamped names sort lexicographically by age.
func listBackups(backupDir string) ([]string, error) {
	entries, err := os.ReadDir(backupDir)
	if os.IsNotExist(err) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("store: reading backup dir: %w", err)
	}

	var files []string

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, backupSuffix) {
			continue
		}

		files = append(files, filepath.Join(backupDir, name))
	}

	sort.Sort(sort.Reverse(sort.StringSlice(files)))

	return files, nil
}

// restoreLatestBackup replaces the database file at dbPath with the newest
// backup. The corrupt original is kept beside it with a .corrupt suffix for
// post-mortem inspection.
func restoreLatestBackup(dbPath, backupDir string, logger *slog.Logger) error {
	files, err := listBackups(backupDir)
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("store: no backups available in %s", backupDir)
	}

	latest := files[0]

	if _, err := os.Stat(dbPath); err == nil {
		corruptPath := dbPath + ".corrupt"
		if renameErr := os.Rename(dbPath, corruptPath); renameErr != nil {
			return fmt.Errorf("store: moving corrupt database aside: %w", renameErr)
		}

		logger.Warn("corrupt database preserved", "path", corruptPath)
	}

	// WAL and SHM sidecars belong to the corrupt file; they must not be
	// replayed against the restored copy.
	os.Remove(dbPath + "-wal")
	os.Remove(dbPath + "-shm")

	if err := copyFile(latest, dbPath); err != nil {
		return fmt.Errorf("store: restoring %s: %w", latest, err)
	}

	logger.Info("restored database from backup", "backup", latest)

	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}
