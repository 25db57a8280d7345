package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces the write/rename bursts editors produce into a
// single reload.
const debounceWindow = 250 * time.Millisecond

// Watcher reloads the config file on change and delivers the new effective
// config to subscribers. Watches the parent directory rather than the file
// itself so atomic-rename saves are seen.
type Watcher struct {
	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	updates chan *Config
}

// NewWatcher starts watching the config file's directory. Call Run to
// begin delivering updates and Close to stop.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: creating watcher: %w", err)
	}

	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config: watching %s: %w", filepath.Dir(path), err)
	}

	return &Watcher{
		path:    path,
		logger:  logger,
		watcher: fsw,
		updates: make(chan *Config, 1),
	}, nil
}

// Updates returns the channel on which reloaded configs are delivered.
// Delivery is lossy: if a subscriber is slow, only the newest config is kept.
func (w *Watcher) Updates() <-chan *Config {
	return w.updates
}

// Run processes filesystem events until the context is canceled.
func (w *Watcher) Run(ctx context.Context) {
	var timer *time.Timer

	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}

			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}

			if timer != nil {
				timer.Stop()
			}

			timer = time.AfterFunc(debounceWindow, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}

			w.logger.Warn("config: watcher error", "error", err)
		case <-reload:
			w.deliver()
		}
	}
}

// deliver reloads the file and pushes the result, dropping any stale
// undelivered config first.
func (w *Watcher) deliver() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config: reload failed, keeping previous config", "error", err)
		return
	}

	select {
	case <-w.updates:
	default:
	}

	w.updates <- cfg

	w.logger.Info("config reloaded",
		slog.Int("sync_interval_minutes", cfg.Sync.IntervalMinutes),
		slog.Bool("auto_sync", cfg.Sync.AutoSyncEnabled),
	)
}

// Close stops the underlying filesystem watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
