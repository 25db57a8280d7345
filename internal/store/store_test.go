package store

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()

	s, err := Open(path, testLogger(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t.Cleanup(func() { s.Close() })

	return s
}

func TestOpen_CreatesSchema(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, filepath.Join(t.TempDir(), "pos.db"))
	ctx := context.Background()

	tables := []string{
		"datasets", "products", "categories", "modifier_sets", "discounts",
		"taxes", "product_types", "inventory_locations", "inventory_stocks",
		"settings", "users", "pending_operations", "offline_orders",
		"offline_payments", "offline_approvals", "device_meta",
	}

	for _, table := range tables {
		var name string

		err := s.DB().QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestOpen_Idempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pos.db")

	s1 := openTestStore(t, path)
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen runs migrations again; all are already applied.
	openTestStore(t, path)
}

func TestOpen_ForeignKeysEnforced(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, filepath.Join(t.TempDir(), "pos.db"))
	ctx := context.Background()

	_, err := s.DB().ExecContext(ctx,
		`INSERT INTO offline_payments (id, local_order_id, method, amount, created_at)
		 VALUES ('p1', 'no-such-order', 'CASH', '1.00', 0)`)
	if err == nil {
		t.Fatal("payment referencing missing order should violate foreign key")
	}
}

func TestBackup_AndSweep(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := openTestStore(t, filepath.Join(dir, "pos.db"))
	backupDir := filepath.Join(dir, "backups")
	ctx := context.Background()

	dest, err := s.Backup(ctx, backupDir)
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}

	if _, statErr := os.Stat(dest); statErr != nil {
		t.Fatalf("backup file missing: %v", statErr)
	}

	// Fabricate older backups so the sweep has something to delete.
	for _, name := range []string{
		"offline-pos-2020-01-01T00-00-00Z.db.bak",
		"offline-pos-2020-01-02T00-00-00Z.db.bak",
	} {
		old := filepath.Join(backupDir, name)
		if writeErr := os.WriteFile(old, []byte("old"), 0o600); writeErr != nil {
			t.Fatalf("writing fake backup: %v", writeErr)
		}

		past := time.Now().AddDate(0, 0, -30)
		if chtimesErr := os.Chtimes(old, past, past); chtimesErr != nil {
			t.Fatalf("chtimes: %v", chtimesErr)
		}
	}

	removed, err := s.SweepBackups(backupDir, 10, 7)
	if err != nil {
		t.Fatalf("SweepBackups: %v", err)
	}

	if removed != 2 {
		t.Errorf("removed = %d, want 2 (aged-out files)", removed)
	}

	if _, statErr := os.Stat(dest); statErr != nil {
		t.Errorf("fresh backup should survive sweep: %v", statErr)
	}
}

func TestSweepBackups_KeepsAtMostN(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := openTestStore(t, filepath.Join(dir, "pos.db"))
	backupDir := filepath.Join(dir, "backups")

	if err := os.MkdirAll(backupDir, 0o700); err != nil {
		t.Fatal(err)
	}

	names := []string{
		"offline-pos-2024-01-01T00-00-00Z.db.bak",
		"offline-pos-2024-01-02T00-00-00Z.db.bak",
		"offline-pos-2024-01-03T00-00-00Z.db.bak",
	}
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(backupDir, name), []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := s.SweepBackups(backupDir, 2, 365)
	if err != nil {
		t.Fatalf("SweepBackups: %v", err)
	}

	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	// The oldest name must be the one removed.
	if _, statErr := os.Stat(filepath.Join(backupDir, names[0])); !os.IsNotExist(statErr) {
		t.Error("oldest backup should have been removed")
	}
}

func TestOpenWithRecovery_RestoresFromBackup(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "pos.db")
	backupDir := filepath.Join(dir, "backups")
	ctx := context.Background()

	s := openTestStore(t, dbPath)

	// Put a marker row in device_meta, back up, close.
	if _, err := s.DB().ExecContext(ctx,
		`INSERT INTO device_meta (key, value, updated_at) VALUES ('marker', 'v1', 0)`); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Backup(ctx, backupDir); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// Corrupt the database file.
	if err := os.WriteFile(dbPath, []byte("this is not a sqlite database at all"), 0o600); err != nil {
		t.Fatal(err)
	}
	os.Remove(dbPath + "-wal")
	os.Remove(dbPath + "-shm")

	recovered, err := OpenWithRecovery(dbPath, backupDir, testLogger(t))
	if err != nil {
		t.Fatalf("OpenWithRecovery: %v", err)
	}
	defer recovered.Close()

	var value string
	if err := recovered.DB().QueryRowContext(ctx,
		`SELECT value FROM device_meta WHERE key = 'marker'`).Scan(&value); err != nil {
		t.Fatalf("marker row missing after restore: %v", err)
	}

	if value != "v1" {
		t.Errorf("marker = %q, want %q", value, "v1")
	}

	if _, statErr := os.Stat(dbPath + ".corrupt"); statErr != nil {
		t.Errorf("corrupt original should be preserved: %v", statErr)
	}
}

func TestOpenWithRecovery_NoBackupIsFatal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "pos.db")

	if err := os.WriteFile(dbPath, []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := OpenWithRecovery(dbPath, filepath.Join(dir, "backups"), testLogger(t)); err == nil {
		t.Fatal("expected fatal error when no backup exists")
	}
}
