// Package syncer orchestrates the two halves of synchronization: delta
// pulls that refresh the reference cache, and the drain that replays the
// operation queue. One engine instance runs per process; ticks, recovery
// events, and manual triggers all funnel into the same single-flight
// cycle.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tillworks/offline-pos/internal/backend"
	"github.com/tillworks/offline-pos/internal/cache"
	"github.com/tillworks/offline-pos/internal/meta"
	"github.com/tillworks/offline-pos/internal/netmon"
	"github.com/tillworks/offline-pos/internal/poserr"
	"github.com/tillworks/offline-pos/internal/queue"
)

// How long a SENDING row may sit before startup recovery reclaims it.
const orphanThreshold = 5 * time.Minute

// Backend is the slice of the API client the engine needs. Satisfied by
// *backend.Client.
type Backend interface {
	PullDataset(ctx context.Context, key, since string) (*backend.DatasetDelta, error)
	PushOperation(ctx context.Context, req backend.PushRequest) (*backend.PushResult, error)
	VerifyKey(ctx context.Context) error
}

// StatusSource reports connectivity. Satisfied by *netmon.Monitor.
type StatusSource interface {
	Status() string
	Subscribe() <-chan netmon.Event
}

// EngineConfig holds the collaborators for NewEngine.
type EngineConfig struct {
	Cache    *cache.Cache
	Queue    *queue.Queue
	Meta     *meta.Meta
	Backend  Backend
	Monitor  StatusSource
	Interval time.Duration
	Logger   *slog.Logger
}

// Report summarizes one sync cycle.
type Report struct {
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
	DatasetsPulled  int           `json:"datasets_pulled"`
	RowsUpserted    int           `json:"rows_upserted"`
	RowsDeleted     int           `json:"rows_deleted"`
	OperationsSent  int           `json:"operations_sent"`
	OperationsRetry int           `json:"operations_retried"`
	Conflicts       int           `json:"conflicts"`
	PullError       string        `json:"pull_error,omitempty"`
	DrainError      string        `json:"drain_error,omitempty"`
}

// Engine runs the periodic sync loop.
type Engine struct {
	cache   *cache.Cache
	queue   *queue.Queue
	meta    *meta.Meta
	backend Backend
	monitor StatusSource
	logger  *slog.Logger

	trigger  chan struct{}
	interval chan time.Duration

	mu         sync.Mutex
	syncing    bool
	authValid  bool
	tickEvery  time.Duration
	lastReport *Report

	// sleepFunc waits between drain retries. Tests override it.
	sleepFunc func(ctx context.Context, d time.Duration) error
	nowFunc   func() time.Time
}

func NewEngine(cfg EngineConfig) *Engine {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	return &Engine{
		cache:     cfg.Cache,
		queue:     cfg.Queue,
		meta:      cfg.Meta,
		backend:   cfg.Backend,
		monitor:   cfg.Monitor,
		logger:    cfg.Logger.With(slog.String("component", "syncer")),
		trigger:   make(chan struct{}, 1),
		interval:  make(chan time.Duration, 1),
		authValid: true,
		tickEvery: interval,
		sleepFunc: sleepCtx,
		nowFunc:   time.Now,
	}
}

// TriggerSync schedules a cycle ahead of the regular interval.
func (e *Engine) TriggerSync() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// SetInterval applies a new tick interval, e.g. after a config reload.
func (e *Engine) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}

	select {
	case e.interval <- d:
	default:
	}
}

// Syncing reports whether a cycle is currently running.
func (e *Engine) Syncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.syncing
}

// AuthValid reports whether the stored API key is still accepted. False
// pauses the loop until the terminal is re-paired.
func (e *Engine) AuthValid() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.authValid
}

// LastReport returns the most recent cycle report, or nil before the
// first cycle.
func (e *Engine) LastReport() *Report {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.lastReport
}

// Startup reclaims operations stranded in SENDING by a crash and verifies
// the stored credentials. A rejected key is cleared so the terminal
// surfaces as unpaired instead of hammering the backend.
func (e *Engine) Startup(ctx context.Context) error {
	recovered, err := e.queue.RecoverOrphans(ctx, orphanThreshold)
	if err != nil {
		return fmt.Errorf("syncer: startup recovery: %w", err)
	}

	if recovered > 0 {
		e.logger.Info("reclaimed interrupted operations", slog.Int("count", recovered))
	}

	paired, err := e.meta.IsPaired(ctx)
	if err != nil {
		return fmt.Errorf("syncer: startup: %w", err)
	}

	if !paired {
		e.setAuthValid(false)
		e.logger.Info("terminal not paired, sync paused")

		return nil
	}

	if err := e.backend.VerifyKey(ctx); err != nil {
		if errors.Is(err, backend.ErrAuthInvalid) {
			e.logger.Error("stored api key rejected, clearing credentials")

			if clearErr := e.meta.ClearAPIKey(ctx); clearErr != nil {
				return fmt.Errorf("syncer: clearing rejected key: %w", clearErr)
			}

			e.setAuthValid(false)

			return nil
		}

		// Unreachable backend is not a verdict; assume the key is fine
		// and let the monitor sort out connectivity.
		e.logger.Warn("key verification inconclusive", slog.String("error", err.Error()))
	}

	e.setAuthValid(true)

	return nil
}

func (e *Engine) setAuthValid(v bool) {
	e.mu.Lock()
	e.authValid = v
	e.mu.Unlock()
}

// MarkPaired re-arms the loop after a successful pairing.
func (e *Engine) MarkPaired() {
	e.setAuthValid(true)
	e.TriggerSync()
}

// Run executes sync cycles until the context is canceled. Cycles fire on
// the interval, on connectivity recovery, and on manual triggers; all of
// them are skipped while offline or unpaired.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	every := e.tickEvery
	e.mu.Unlock()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	recoveries := e.monitor.Subscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-e.interval:
			e.mu.Lock()
			e.tickEvery = d
			e.mu.Unlock()
			ticker.Reset(d)

			e.logger.Info("sync interval updated", slog.Duration("interval", d))

			continue
		case event := <-recoveries:
			if event.Status != netmon.StatusOnline {
				continue
			}

			e.logger.Info("connectivity recovered, syncing immediately")
		case <-ticker.C:
		case <-e.trigger:
		}

		if !e.AuthValid() {
			e.logger.Debug("skipping cycle, terminal unpaired")
			continue
		}

		if e.monitor.Status() != netmon.StatusOnline {
			e.logger.Debug("skipping cycle, backend offline")
			continue
		}

		if _, err := e.RunOnce(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("sync cycle failed", slog.String("error", err.Error()))
		}
	}
}

// RunOnce executes one full cycle: pull dataset deltas, then drain the
// queue. Single-flight; a second caller gets poserr.ErrConflict.
func (e *Engine) RunOnce(ctx context.Context) (*Report, error) {
	e.mu.Lock()

	if e.syncing {
		e.mu.Unlock()
		return nil, fmt.Errorf("syncer: cycle already running: %w", poserr.ErrConflict)
	}

	e.syncing = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.syncing = false
		e.mu.Unlock()
	}()

	started := e.nowFunc()
	report := &Report{StartedAt: started}

	if err := e.meta.MarkSyncAttempt(ctx); err != nil {
		e.logger.Warn("stamping sync attempt", slog.String("error", err.Error()))
	}

	pullErr := e.pullDatasets(ctx, report)
	if pullErr != nil {
		report.PullError = pullErr.Error()
	}

	drainErr := e.drainQueue(ctx, report)
	if drainErr != nil {
		report.DrainError = drainErr.Error()
	}

	report.Duration = e.nowFunc().Sub(started)

	e.mu.Lock()
	e.lastReport = report
	e.mu.Unlock()

	if pullErr == nil && drainErr == nil {
		if err := e.meta.MarkSyncSuccess(ctx); err != nil {
			e.logger.Warn("stamping sync success", slog.String("error", err.Error()))
		}
	}

	e.logger.Info("sync cycle finished",
		slog.Duration("duration", report.Duration),
		slog.Int("datasets", report.DatasetsPulled),
		slog.Int("rows_upserted", report.RowsUpserted),
		slog.Int("operations_sent", report.OperationsSent),
		slog.Int("conflicts", report.Conflicts),
	)

	return report, errors.Join(pullErr, drainErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
