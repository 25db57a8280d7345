// Package netmon owns the terminal's view of backend reachability. A
// periodic health probe drives a hysteresis state machine: several
// consecutive failures flip the terminal offline, a single success flips
// it back. UI layers may hint at connectivity changes, but only probe
// results move the state.
package netmon

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Status values, also persisted by the recorder.
const (
	StatusUnknown = "UNKNOWN"
	StatusOnline  = "ONLINE"
	StatusOffline = "OFFLINE"
)

// Prober checks backend health once, with no internal retries.
type Prober interface {
	Probe(ctx context.Context) error
}

// Recorder persists status flips, including the offline-since stamp.
type Recorder interface {
	SetNetworkStatus(ctx context.Context, status string) error
}

// Event is one observed status flip.
type Event struct {
	Status string
	At     time.Time
}

// Config tunes the monitor.
type Config struct {
	Interval          time.Duration
	Timeout           time.Duration
	FailuresToOffline int
}

// Monitor runs the probe loop and fans out status flips to subscribers.
type Monitor struct {
	prober   Prober
	recorder Recorder
	cfg      Config
	logger   *slog.Logger

	kick chan struct{}

	mu          sync.Mutex
	status      string
	failures    int
	subscribers []chan Event

	nowFunc func() time.Time
}

func New(prober Prober, recorder Recorder, cfg Config, logger *slog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	if cfg.FailuresToOffline <= 0 {
		cfg.FailuresToOffline = 3
	}

	return &Monitor{
		prober:   prober,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "netmon")),
		kick:     make(chan struct{}, 1),
		status:   StatusUnknown,
		nowFunc:  time.Now,
	}
}

// Status returns the current connectivity state.
func (m *Monitor) Status() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.status
}

// Subscribe returns a channel receiving status flips. The channel is
// buffered and lossy: a slow reader misses intermediate flips but always
// sees the latest one eventually.
func (m *Monitor) Subscribe() <-chan Event {
	ch := make(chan Event, 1)

	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()

	return ch
}

// SetHint nudges the monitor with the UI's view of connectivity. A hint
// never changes the state; it schedules an immediate probe so the state
// catches up faster than the regular interval.
func (m *Monitor) SetHint(online bool) {
	m.logger.Debug("connectivity hint", slog.Bool("online", online))

	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// ForceProbe schedules an immediate probe.
func (m *Monitor) ForceProbe() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Run probes until the context is canceled. The first probe fires
// immediately so startup does not wait a full interval for a verdict.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.probeOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.probeOnce(ctx)
		case <-m.kick:
			m.probeOnce(ctx)
		}
	}
}

func (m *Monitor) probeOnce(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	err := m.prober.Probe(probeCtx)

	if ctx.Err() != nil {
		return
	}

	m.observe(ctx, err)
}

// observe applies one probe result to the hysteresis state machine.
func (m *Monitor) observe(ctx context.Context, probeErr error) {
	m.mu.Lock()

	var flip string

	switch {
	case probeErr == nil:
		m.failures = 0

		// One success is enough to come back online.
		if m.status != StatusOnline {
			flip = StatusOnline
		}
	default:
		m.failures++

		// A flap of fewer than the threshold keeps the state; UNKNOWN
		// resolves on the first verdict either way.
		if m.status == StatusUnknown || (m.status == StatusOnline && m.failures >= m.cfg.FailuresToOffline) {
			flip = StatusOffline
		}
	}

	if flip == "" {
		m.mu.Unlock()
		return
	}

	m.status = flip
	subscribers := make([]chan Event, len(m.subscribers))
	copy(subscribers, m.subscribers)
	m.mu.Unlock()

	if probeErr != nil {
		m.logger.Warn("backend offline",
			slog.Int("consecutive_failures", m.failures),
			slog.String("error", probeErr.Error()),
		)
	} else {
		m.logger.Info("backend online")
	}

	if err := m.recorder.SetNetworkStatus(ctx, flip); err != nil {
		m.logger.Error("persisting network status", slog.String("error", err.Error()))
	}

	event := Event{Status: flip, At: m.nowFunc()}

	for _, ch := range subscribers {
		select {
		case ch <- event:
		default:
			// Drop the stale event and replace it with the latest.
			select {
			case <-ch:
			default:
			}

			select {
			case ch <- event:
			default:
			}
		}
	}
}
