package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doughall/rootprobe/internal/bootstrap"
	"github.com/doughall/rootprobe/internal/driver"
	"github.com/doughall/rootprobe/internal/probe"
)

type scriptedProber struct {
	mu      sync.Mutex
	handle  *driver.Handle
	results []bool
	calls   int
	// entered is closed and gate awaited on the first call when both are set.
	entered chan struct{}
	gate    chan struct{}
}

func (p *scriptedProber) CheckAndSetupDriver(context.Context, int) (probe.Outcome, error) {
	if p.gate != nil && p.count() == 0 {
		close(p.entered)
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ok := p.results[min(p.calls, len(p.results)-1)]
	p.calls++
	if ok {
		p.handle.SetFD(17)
		return probe.Outcome{Installed: true, DriverFD: 17, HasFD: true, Status: "success", Stage: probe.StageStructured}, nil
	}
	return probe.Outcome{Stage: probe.StagePattern}, &bootstrap.Error{Kind: bootstrap.KindEscalationDenied, Message: "denied"}
}

func (p *scriptedProber) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type collectSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *collectSink) Publish(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *collectSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func newTestMonitor(t *testing.T, schedule string, results ...bool) (*Monitor, *scriptedProber, *collectSink) {
	t.Helper()
	h := driver.NewHandle()
	p := &scriptedProber{handle: h, results: results}
	m, err := New(Options{
		Prober:   p,
		Handle:   h,
		PID:      99,
		Schedule: schedule,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	sink := &collectSink{}
	m.AddSink(sink)
	return m, p, sink
}

func TestNew_InvalidSchedule(t *testing.T) {
	_, err := New(Options{Schedule: "every now and then"})
	assert.Error(t, err)
}

func TestCheck_ChangedOnlyOnTransitions(t *testing.T) {
	m, _, sink := newTestMonitor(t, "@every 1h", false, false, true, false)

	_, ok := m.Last()
	assert.False(t, ok)

	ev := m.Check(context.Background(), ReasonManual)
	assert.False(t, ev.Available)
	assert.True(t, ev.Changed, "first round always reports")
	assert.Equal(t, string(bootstrap.KindEscalationDenied), ev.Failure)

	assert.False(t, m.Check(context.Background(), ReasonManual).Changed)

	ev = m.Check(context.Background(), ReasonManual)
	assert.True(t, ev.Available)
	assert.True(t, ev.Changed)
	assert.Equal(t, int32(17), ev.Driver.FD)

	// A failed round after an install keeps the published descriptor.
	ev = m.Check(context.Background(), ReasonManual)
	assert.True(t, ev.Available)
	assert.False(t, ev.Changed)
	assert.False(t, ev.Outcome.Installed)

	assert.Len(t, sink.all(), 4)
	last, ok := m.Last()
	assert.True(t, ok)
	assert.Equal(t, ev, last)
}

func TestCheck_SinkErrorIgnored(t *testing.T) {
	m, _, sink := newTestMonitor(t, "@every 1h", true)
	sink.err = errors.New("nats down")
	assert.True(t, m.Check(context.Background(), ReasonManual).Available)
}

func TestRun_StartupScheduleAndTrigger(t *testing.T) {
	m, p, sink := newTestMonitor(t, "@every 1h", true)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	assert.Eventually(t, func() bool { return p.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, m.Healthy())

	assert.Eventually(t, func() bool { return m.Trigger(ReasonManual) }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(sink.all()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, p.count())

	events := sink.all()
	require.Len(t, events, 2)
	assert.Equal(t, ReasonStartup, events[0].Reason)
	assert.Equal(t, ReasonManual, events[1].Reason)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, m.Healthy())
}

func TestShutdown_WaitsForRoundInFlight(t *testing.T) {
	m, p, sink := newTestMonitor(t, "@every 1h", true)
	p.entered = make(chan struct{})
	p.gate = make(chan struct{})

	go m.Check(context.Background(), ReasonManual)
	<-p.entered

	stopped := make(chan error, 1)
	go func() { stopped <- m.Shutdown(context.Background()) }()
	select {
	case <-stopped:
		t.Fatal("Shutdown returned while a round was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(p.gate)
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not return after the round finished")
	}
	require.Len(t, sink.all(), 1)

	ev := m.Check(context.Background(), ReasonManual)
	assert.Equal(t, ErrStopped.Error(), ev.Error)
	assert.True(t, ev.Available)
	assert.Equal(t, 1, p.count())
	assert.Len(t, sink.all(), 1)
}

func TestShutdown_ContextExpires(t *testing.T) {
	m, p, _ := newTestMonitor(t, "@every 1h", true)
	p.entered = make(chan struct{})
	p.gate = make(chan struct{})
	defer close(p.gate)

	go m.Check(context.Background(), ReasonManual)
	<-p.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Shutdown(ctx), context.DeadlineExceeded)
}

func TestRun_Schedule(t *testing.T) {
	m, p, _ := newTestMonitor(t, "@every 1s", false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	assert.Eventually(t, func() bool { return p.count() >= 2 }, 3*time.Second, 20*time.Millisecond)
}

func TestNextRun(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	next, err := NextRun("@every 5m", base)
	require.NoError(t, err)
	assert.Equal(t, base.Add(5*time.Minute), next)

	next, err = NextRun("30 * * * *", base)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 1, 12, 30, 0, 0, time.UTC), next)

	_, err = NextRun("61 * * * *", base)
	assert.Error(t, err)
}
