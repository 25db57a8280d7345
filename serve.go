package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tillworks/offline-pos/internal/backend"
	"github.com/tillworks/offline-pos/internal/cache"
	"github.com/tillworks/offline-pos/internal/config"
	"github.com/tillworks/offline-pos/internal/gateway"
	"github.com/tillworks/offline-pos/internal/imagecache"
	"github.com/tillworks/offline-pos/internal/meta"
	"github.com/tillworks/offline-pos/internal/netmon"
	"github.com/tillworks/offline-pos/internal/queue"
	"github.com/tillworks/offline-pos/internal/store"
	"github.com/tillworks/offline-pos/internal/syncer"
)

// maintenanceInterval paces the sent-operation purge and image cache
// sync. Neither is urgent; hourly keeps the database and disk bounded.
const maintenanceInterval = time.Hour

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the terminal data core",
		Long: `Run the data core daemon: opens the local database, starts the
network monitor and sync engine, and serves the localhost gateway the
register UI connects to.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := buildLogger(cfg.Logging)

	dataDir, err := resolveDataDir()
	if err != nil {
		return err
	}

	backupDir := config.BackupDir(dataDir)

	st, err := store.OpenWithRecovery(config.DatabasePath(dataDir), backupDir, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	m := meta.New(st.DB(), logger)
	c := cache.New(st.DB(), m, logger)
	q := queue.New(st.DB(), logger)
	q.SetExposureRecorder(m)

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout()}
	client := backend.NewClient(cfg.Backend.URL, httpClient, m, logger)

	monitor := netmon.New(client, m, netmon.Config{
		Interval:          cfg.HealthProbeInterval(),
		Timeout:           cfg.HealthProbeTimeout(),
		FailuresToOffline: cfg.Backend.ConsecutiveFailuresToOffline,
	}, logger)

	engine := syncer.NewEngine(syncer.EngineConfig{
		Cache:    c,
		Queue:    q,
		Meta:     m,
		Backend:  client,
		Monitor:  monitor,
		Interval: cfg.SyncInterval(),
		Logger:   logger,
	})

	guard := syncer.NewGuard(c, m, cfg.Limits, logger)
	images := imagecache.New(dataDir, httpClient, c, logger)

	server := gateway.NewServer(gateway.ServerConfig{
		Cache:     c,
		Queue:     q,
		Meta:      m,
		Guard:     guard,
		Engine:    engine,
		Monitor:   monitor,
		Store:     st,
		Pairer:    client,
		BackupDir: backupDir,
		Logger:    logger,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Startup(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return monitor.Run(ctx) })
	g.Go(func() error { return server.Serve(ctx, cfg.Gateway.ListenAddr) })

	g.Go(func() error {
		server.PumpNetworkEvents(ctx)
		return nil
	})

	if cfg.Sync.AutoSyncEnabled {
		g.Go(func() error { return engine.Run(ctx) })
	} else {
		logger.Info("auto sync disabled; sync runs only when triggered")
	}

	g.Go(func() error { return runBackupLoop(ctx, st, backupDir, cfg, logger) })
	g.Go(func() error { return runMaintenanceLoop(ctx, q, images, cfg, logger) })
	g.Go(func() error { return watchConfig(ctx, cfgPath, engine, guard, logger) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("shutting down")
		return nil
	}

	return err
}

// runBackupLoop snapshots the database on the configured cadence and
// sweeps old snapshots. Failures are logged, not fatal: a missed backup
// must not take the register down.
func runBackupLoop(ctx context.Context, st *store.Store, backupDir string, cfg *config.Config, logger *slog.Logger) error {
	interval := cfg.BackupInterval()
	if interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			path, err := st.Backup(ctx, backupDir)
			if err != nil {
				logger.Error("scheduled backup failed", "error", err)
				continue
			}

			logger.Info("database backed up", "path", path)

			if _, err := st.SweepBackups(backupDir, cfg.Backup.MaxBackupsToKeep, cfg.Backup.RetentionDays); err != nil {
				logger.Warn("sweeping old backups failed", "error", err)
			}
		}
	}
}

// runMaintenanceLoop purges old sent operations and refreshes the product
// image cache.
func runMaintenanceLoop(ctx context.Context, q *queue.Queue, images *imagecache.Cache, cfg *config.Config, logger *slog.Logger) error {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	retention := time.Duration(cfg.Sync.SentOperationRetentionDays) * 24 * time.Hour

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if purged, err := q.PurgeSent(ctx, retention); err != nil {
				logger.Warn("purging sent operations failed", "error", err)
			} else if purged > 0 {
				logger.Info("purged sent operations", "count", purged)
			}

			if _, err := images.SyncAll(ctx); err != nil {
				logger.Warn("image cache sync failed", "error", err)
			}
		}
	}
}

// watchConfig applies config file changes to the running loops. Only the
// hot-reloadable settings take effect; listen address and database
// location need a restart.
func watchConfig(ctx context.Context, path string, engine *syncer.Engine, guard *syncer.Guard, logger *slog.Logger) error {
	w, err := config.NewWatcher(path, logger)
	if err != nil {
		logger.Warn("config watching unavailable", "error", err)
		return nil
	}
	defer w.Close()

	go w.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cfg, ok := <-w.Updates():
			if !ok {
				return nil
			}

			engine.SetInterval(cfg.SyncInterval())
			guard.SetConfig(cfg.Limits)

			logger.Info("configuration reloaded",
				"sync_interval", cfg.SyncInterval().String())
		}
	}
}
