// Command offline-pos is the POS terminal data core: a local cache of
// backend reference data, a durable queue of offline mutations, and a
// localhost gateway the register UI talks to. It keeps the register
// selling through backend outages and reconciles when connectivity
// returns.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tillworks/offline-pos/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagDataDir    string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// newRootCmd builds the fully-assembled root command. Called once from
// main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "offline-pos",
		Short:   "Offline-first POS terminal data core",
		Long:    "Runs the local data core for a POS register: reference-data cache, durable offline queue, and sync loop behind a localhost API.",
		Version: version,
		// Cobra's default error/usage printing is silenced; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "data directory (database, backups, cached images)")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newPairCmd())
	cmd.AddCommand(newUnpairCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newBackupCmd())
	cmd.AddCommand(newVacuumCmd())

	return cmd
}

// loadConfig resolves the config path (flag wins over the default
// location) and loads the effective configuration.
func loadConfig() (*config.Config, string, error) {
	path := flagConfigPath

	if path == "" {
		var err error

		path, err = config.ConfigPath()
		if err != nil {
			return nil, "", err
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}

	return cfg, path, nil
}

// resolveDataDir returns the data directory, honoring --data-dir over the
// platform default.
func resolveDataDir() (string, error) {
	if flagDataDir != "" {
		if err := os.MkdirAll(flagDataDir, 0o700); err != nil {
			return "", fmt.Errorf("creating data dir %s: %w", flagDataDir, err)
		}

		return flagDataDir, nil
	}

	return config.DataDir()
}

// buildLogger creates an slog.Logger from the logging config. The config
// file sets the baseline; --verbose and --quiet override it because CLI
// flags always win. Format "auto" picks text on a terminal and JSON
// otherwise.
func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo

	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	format := cfg.Format
	if format == "" || format == "auto" {
		if isatty.IsTerminal(os.Stderr.Fd()) {
			format = "text"
		} else {
			format = "json"
		}
	}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
