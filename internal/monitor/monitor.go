// Package monitor re-runs the driver bootstrap for the daemon: once at
// startup, then on a cron schedule and on demand. Each round produces an
// Event that is handed to the registered sinks (status websocket, NATS).
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/doughall/rootprobe/internal/bootstrap"
	"github.com/doughall/rootprobe/internal/driver"
	"github.com/doughall/rootprobe/internal/probe"
)

// Reasons for a round.
const (
	ReasonStartup  = "startup"
	ReasonSchedule = "schedule"
	ReasonManual   = "manual"
)

// Prober runs one bootstrap round. *bootstrap.Bootstrapper implements it.
type Prober interface {
	CheckAndSetupDriver(ctx context.Context, selfPID int) (probe.Outcome, error)
}

// Event is the result of one round.
type Event struct {
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
	// Available is what consumers should act on: a fresh install, or a
	// descriptor published by an earlier round.
	Available bool          `json:"available"`
	Changed   bool          `json:"changed"`
	Outcome   probe.Outcome `json:"outcome"`
	Driver    driver.State  `json:"driver"`
	Failure   string        `json:"failure,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Sink receives every Event. Publish must not block for long; errors are
// logged.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Options configures a Monitor.
type Options struct {
	Prober   Prober
	Handle   *driver.Handle
	PID      int
	Schedule string
	Logger   *slog.Logger
}

// Monitor owns the re-probe loop.
type Monitor struct {
	prober   Prober
	handle   *driver.Handle
	pid      int
	schedule cron.Schedule
	logger   *slog.Logger

	trigger chan string
	running atomic.Bool

	// round serializes Check and guards stopped.
	round   sync.Mutex
	stopped bool

	mu     sync.RWMutex
	sinks  []Sink
	last   Event
	rounds int
}

// New creates a Monitor. The schedule is validated here.
func New(opts Options) (*Monitor, error) {
	schedule, err := ParseSchedule(opts.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid recheck schedule %q: %w", opts.Schedule, err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Monitor{
		prober:   opts.Prober,
		handle:   opts.Handle,
		pid:      opts.PID,
		schedule: schedule,
		logger:   opts.Logger.With(slog.String("component", "monitor")),
		trigger:  make(chan string, 1),
	}, nil
}

// AddSink registers s for future events.
func (m *Monitor) AddSink(s Sink) {
	m.mu.Lock()
	m.sinks = append(m.sinks, s)
	m.mu.Unlock()
}

// Run probes once, then on every schedule activation and Trigger until ctx
// is cancelled. It blocks.
func (m *Monitor) Run(ctx context.Context) error {
	m.running.Store(true)
	defer m.running.Store(false)

	m.logger.Info("monitor started")
	m.Check(ctx, ReasonStartup)

	for {
		next := m.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		m.logger.Debug("next scheduled probe", slog.Time("at", next))

		select {
		case <-ctx.Done():
			timer.Stop()
			m.logger.Info("monitor stopping")
			return nil
		case <-timer.C:
			m.Check(ctx, ReasonSchedule)
		case reason := <-m.trigger:
			timer.Stop()
			m.Check(ctx, reason)
		}
	}
}

// Trigger asks the Run loop for a round. It returns false if one is
// already pending.
func (m *Monitor) Trigger(reason string) bool {
	select {
	case m.trigger <- reason:
		return true
	default:
		return false
	}
}

// ErrStopped is reported by Check after Shutdown.
var ErrStopped = errors.New("monitor stopped")

// Check runs one round now and notifies the sinks. After Shutdown it returns
// the current handle state without probing.
func (m *Monitor) Check(ctx context.Context, reason string) Event {
	m.round.Lock()
	defer m.round.Unlock()

	if m.stopped {
		return Event{
			At:        time.Now(),
			Reason:    reason,
			Available: m.handle.Loaded(),
			Driver:    m.handle.Snapshot(),
			Error:     ErrStopped.Error(),
		}
	}

	outcome, err := m.prober.CheckAndSetupDriver(ctx, m.pid)
	ev := Event{
		At:        time.Now(),
		Reason:    reason,
		Available: outcome.Installed || m.handle.Loaded(),
		Outcome:   outcome,
		Driver:    m.handle.Snapshot(),
	}
	if err != nil {
		ev.Failure = string(bootstrap.KindOf(err))
		ev.Error = err.Error()
	}

	m.mu.Lock()
	ev.Changed = m.rounds == 0 || ev.Available != m.last.Available
	m.last = ev
	m.rounds++
	sinks := append([]Sink(nil), m.sinks...)
	m.mu.Unlock()

	if ev.Changed {
		m.logger.Info("driver availability changed",
			slog.Bool("available", ev.Available),
			slog.String("reason", reason),
		)
	}
	for _, s := range sinks {
		if err := s.Publish(ctx, ev); err != nil {
			m.logger.Warn("failed to publish driver event", slog.String("error", err.Error()))
		}
	}
	return ev
}

// Shutdown waits for a round in flight and stops later rounds, so nothing
// records into stores closed after it. The Run loop itself ends with its
// context.
func (m *Monitor) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.round.Lock()
		m.stopped = true
		m.round.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for driver round: %w", ctx.Err())
	}
}

// Last returns the latest event and whether any round has run.
func (m *Monitor) Last() (Event, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last, m.rounds > 0
}

// Healthy reports whether the Run loop is active.
func (m *Monitor) Healthy() bool {
	return m.running.Load()
}
