package netmon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeProber struct {
	mu     sync.Mutex
	err    error
	probed chan struct{}
}

func (p *fakeProber) Probe(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.probed != nil {
		select {
		case p.probed <- struct{}{}:
		default:
		}
	}

	return p.err
}

type fakeRecorder struct {
	mu       sync.Mutex
	statuses []string
}

func (r *fakeRecorder) SetNetworkStatus(_ context.Context, status string) error {
	r.mu.Lock()
	r.statuses = append(r.statuses, status)
	r.mu.Unlock()

	return nil
}

func (r *fakeRecorder) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.statuses...)
}

func newTestMonitor(prober Prober, recorder Recorder) *Monitor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return New(prober, recorder, Config{
		Interval:          time.Hour, // probes driven manually in tests
		Timeout:           time.Second,
		FailuresToOffline: 3,
	}, logger)
}

func TestObserve_FirstVerdictDecides(t *testing.T) {
	t.Parallel()

	recorder := &fakeRecorder{}
	m := newTestMonitor(&fakeProber{}, recorder)
	ctx := context.Background()

	m.observe(ctx, nil)

	if m.Status() != StatusOnline {
		t.Errorf("status = %s, want ONLINE after first success", m.Status())
	}

	m2 := newTestMonitor(&fakeProber{}, &fakeRecorder{})
	m2.observe(ctx, errors.New("refused"))

	if m2.Status() != StatusOffline {
		t.Errorf("status = %s, want OFFLINE on first failing verdict", m2.Status())
	}
}

func TestObserve_HysteresisThreshold(t *testing.T) {
	t.Parallel()

	recorder := &fakeRecorder{}
	m := newTestMonitor(&fakeProber{}, recorder)
	ctx := context.Background()

	m.observe(ctx, nil)

	// Two failures are a flap, not an outage.
	m.observe(ctx, errors.New("timeout"))
	m.observe(ctx, errors.New("timeout"))

	if m.Status() != StatusOnline {
		t.Fatalf("status = %s, two failures must not flip offline", m.Status())
	}

	m.observe(ctx, errors.New("timeout"))

	if m.Status() != StatusOffline {
		t.Fatalf("status = %s, third consecutive failure must flip offline", m.Status())
	}

	// One success recovers immediately.
	m.observe(ctx, nil)

	if m.Status() != StatusOnline {
		t.Fatalf("status = %s, one success must recover", m.Status())
	}

	want := []string{StatusOnline, StatusOffline, StatusOnline}
	got := recorder.recorded()

	if len(got) != len(want) {
		t.Fatalf("recorded flips = %v, want %v", got, want)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Errorf("flip %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestObserve_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(&fakeProber{}, &fakeRecorder{})
	ctx := context.Background()

	m.observe(ctx, nil)

	m.observe(ctx, errors.New("x"))
	m.observe(ctx, errors.New("x"))
	m.observe(ctx, nil)
	m.observe(ctx, errors.New("x"))
	m.observe(ctx, errors.New("x"))

	if m.Status() != StatusOnline {
		t.Errorf("status = %s, interleaved success must reset the counter", m.Status())
	}
}

func TestSubscribe_ReceivesFlips(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(&fakeProber{}, &fakeRecorder{})
	ctx := context.Background()

	events := m.Subscribe()

	m.observe(ctx, nil)

	select {
	case e := <-events:
		if e.Status != StatusOnline {
			t.Errorf("event = %+v, want ONLINE", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestSubscribe_LossyKeepsLatest(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(&fakeProber{}, &fakeRecorder{})
	ctx := context.Background()

	events := m.Subscribe()

	// Two flips with no reader in between: only the latest survives.
	m.observe(ctx, nil)

	for i := 0; i < 3; i++ {
		m.observe(ctx, errors.New("x"))
	}

	select {
	case e := <-events:
		if e.Status != StatusOffline {
			t.Errorf("event = %+v, want latest flip OFFLINE", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestRun_KickTriggersImmediateProbe(t *testing.T) {
	t.Parallel()

	prober := &fakeProber{probed: make(chan struct{}, 2)}
	m := newTestMonitor(prober, &fakeRecorder{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})

	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	// Startup probe.
	select {
	case <-prober.probed:
	case <-time.After(2 * time.Second):
		t.Fatal("startup probe never fired")
	}

	m.SetHint(false)

	// The hint probes ahead of the hour-long interval.
	select {
	case <-prober.probed:
	case <-time.After(2 * time.Second):
		t.Fatal("hint did not trigger a probe")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
