package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const appDirName = "offline-pos"

// ConfigPath returns the default config file path
// (e.g., ~/.config/offline-pos/config.toml).
func ConfigPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: resolving user config dir: %w", err)
	}

	return filepath.Join(base, appDirName, "config.toml"), nil
}

// DataDir returns the application data directory, creating it if needed.
// The database, backups, and cached images live under it.
func DataDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: resolving user config dir: %w", err)
	}

	dir := filepath.Join(base, appDirName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("config: creating data dir %s: %w", dir, err)
	}

	return dir, nil
}

// DatabasePath returns the primary database path under dataDir.
func DatabasePath(dataDir string) string {
	return filepath.Join(dataDir, "offline-pos.db")
}

// BackupDir returns the backup directory under dataDir.
func BackupDir(dataDir string) string {
	return filepath.Join(dataDir, "backups")
}

// ImageCacheDir returns the product image cache directory under dataDir.
func ImageCacheDir(dataDir string) string {
	return filepath.Join(dataDir, "cached_images")
}
