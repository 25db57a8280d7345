package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tillworks/offline-pos/internal/config"
	"github.com/tillworks/offline-pos/internal/store"
)

func newBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the local database",
		Long: `Write a consistent snapshot of the local database to the backup
directory and sweep snapshots past the retention policy.`,
		RunE: runBackup,
	}
}

func runBackup(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	logger := buildLogger(cfg.Logging)

	dataDir, err := resolveDataDir()
	if err != nil {
		return err
	}

	st, err := store.Open(config.DatabasePath(dataDir), logger)
	if err != nil {
		return err
	}
	defer st.Close()

	backupDir := config.BackupDir(dataDir)

	path, err := st.Backup(cmd.Context(), backupDir)
	if err != nil {
		return err
	}

	fmt.Printf("Backup written to %s\n", path)

	swept, err := st.SweepBackups(backupDir, cfg.Backup.MaxBackupsToKeep, cfg.Backup.RetentionDays)
	if err != nil {
		return err
	}

	if swept > 0 {
		fmt.Printf("Removed %d old backups\n", swept)
	}

	return nil
}

func newVacuumCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vacuum",
		Short: "Compact the local database",
		RunE:  runVacuum,
	}
}

func runVacuum(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	logger := buildLogger(cfg.Logging)

	dataDir, err := resolveDataDir()
	if err != nil {
		return err
	}

	st, err := store.Open(config.DatabasePath(dataDir), logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Vacuum(cmd.Context()); err != nil {
		return err
	}

	fmt.Println("Database compacted")

	return nil
}
