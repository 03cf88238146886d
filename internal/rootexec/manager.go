// Package rootexec is the privileged command broker. A Manager owns the shared
// default session and builds custom sessions per escalation command, runs
// commands synchronously, in batch, fire-and-forget or in the background, and
// always turns the outcome into a Result. Errors and panics from the session
// layer never escape Exec.
package rootexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/doughall/rootprobe/internal/executor"
)

// DefaultEscalation selects the shared default session. An empty escalation
// command means the same.
const DefaultEscalation = "default"

// EscalationFailedPrefix starts the Failure message produced when no session
// could be obtained for the escalation command (denied su, missing helper).
const EscalationFailedPrefix = "escalation failed: "

// Defaults used when Options leaves a field zero.
const (
	DefaultTimeout  = 5 * time.Second
	DefaultMaxAsync = 4
)

// ErrManagerClosed is reported for commands submitted after Shutdown.
var ErrManagerClosed = errors.New("root executor is shut down")

// Options configures a Manager.
type Options struct {
	Factory SessionFactory
	// DefaultTimeout applies when a caller passes a zero timeout and to
	// background submissions.
	DefaultTimeout time.Duration
	// MaxAsync bounds concurrently running background commands.
	MaxAsync int64
	Logger   *slog.Logger
}

// Manager executes privileged commands.
type Manager struct {
	factory        SessionFactory
	defaultTimeout time.Duration
	logger         *slog.Logger

	// def serializes every command on the shared default session.
	def struct {
		mu      sync.Mutex
		session Session
	}

	sem     *semaphore.Weighted
	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex // guards closed and wg.Add
	closed bool
	wg     sync.WaitGroup
}

// NewManager creates a Manager. The default session is not started until the
// first command needs it.
func NewManager(opts Options) *Manager {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.MaxAsync <= 0 {
		opts.MaxAsync = DefaultMaxAsync
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		factory:        opts.Factory,
		defaultTimeout: opts.DefaultTimeout,
		logger:         opts.Logger,
		sem:            semaphore.NewWeighted(opts.MaxAsync),
		baseCtx:        ctx,
		cancel:         cancel,
	}
}

// DefaultTimeout returns the timeout used when none is given.
func (m *Manager) DefaultTimeout() time.Duration {
	return m.defaultTimeout
}

// Exec runs commandLine under escalation and blocks until it completes or the
// execution layer reports a timeout. The timeout is handed to that layer; Exec
// runs no timer of its own.
func (m *Manager) Exec(ctx context.Context, escalation, commandLine string, timeout time.Duration) (result Result) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			m.logger.Error("privileged command panicked",
				slog.String("command", commandLine),
				slog.Any("panic", p),
			)
			result = NewFailure(fmt.Sprintf("panic: %v", p))
		}
		commandsTotal.WithLabelValues(Kind(result)).Inc()
		commandDuration.Observe(time.Since(start).Seconds())
	}()

	if m.isClosed() {
		return NewFailure(ErrManagerClosed.Error())
	}
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}

	m.logger.Debug("exec",
		slog.String("escalation", escalation),
		slog.String("command", commandLine),
	)

	raw, err := m.run(ctx, escalation, commandLine, timeout)
	if err != nil {
		m.logger.Error("failed to execute command",
			slog.String("command", commandLine),
			slog.String("error", err.Error()),
		)
		return NewFailure(err.Error())
	}
	result = fromRaw(raw, timeout)

	m.logger.Debug("command result",
		slog.String("result", Kind(result)),
		slog.Int("exit_code", raw.ExitCode),
		slog.String("stdout", raw.Stdout),
		slog.String("stderr", raw.Stderr),
	)
	return result
}

// ExecBatch runs commandLines one after another in input order and returns
// one Result per command.
func (m *Manager) ExecBatch(ctx context.Context, escalation string, commandLines []string, timeout time.Duration) []Result {
	results := make([]Result, 0, len(commandLines))
	for _, line := range commandLines {
		results = append(results, m.Exec(ctx, escalation, line, timeout))
	}
	return results
}

// ExecNoWait submits commandLine to the background pool and returns at once.
// The outcome is only logged.
func (m *Manager) ExecNoWait(escalation, commandLine string) {
	m.submit(escalation, commandLine, func(r Result) {
		if !IsSuccess(r) {
			m.logger.Warn("background command did not succeed",
				slog.String("command", commandLine),
				slog.String("result", Kind(r)),
				slog.String("error", Err(r).Error()),
			)
		}
	})
}

// ExecAsync submits commandLine to the background pool and returns a Future
// that completes exactly once.
func (m *Manager) ExecAsync(escalation, commandLine string) *Future {
	f := newFuture()
	m.submit(escalation, commandLine, f.complete)
	return f
}

// ExecAsyncFunc is ExecAsync with a completion callback. onComplete runs
// exactly once on a pool goroutine, never on the caller's goroutine.
func (m *Manager) ExecAsyncFunc(escalation, commandLine string, onComplete func(Result)) {
	m.submit(escalation, commandLine, func(r Result) {
		defer func() {
			if p := recover(); p != nil {
				m.logger.Error("completion callback panicked", slog.Any("panic", p))
			}
		}()
		onComplete(r)
	})
}

// WithSession borrows a session for escalation and calls fn with it. The
// session is released on every path; a session that died inside fn is
// discarded instead of being returned to the pool.
func (m *Manager) WithSession(ctx context.Context, escalation string, fn func(Session) error) error {
	if m.isClosed() {
		return ErrManagerClosed
	}
	sess, release, err := m.acquire(ctx, escalation)
	if err != nil {
		return fmt.Errorf("%s%w", EscalationFailedPrefix, err)
	}
	broken := true
	defer func() { release(broken) }()

	err = fn(sess)
	broken = !sessionAlive(sess)
	return err
}

// Shutdown stops accepting background work, waits for submitted commands and
// closes the default session. If ctx ends first, running commands are
// cancelled.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for background commands: %w", ctx.Err())
	}
	m.cancel()

	m.def.mu.Lock()
	if m.def.session != nil {
		if cerr := m.def.session.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing default session: %w", cerr)
		}
		m.def.session = nil
	}
	m.def.mu.Unlock()
	return err
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// run acquires a session, runs one command and releases the session, also
// when the session panics.
func (m *Manager) run(ctx context.Context, escalation, commandLine string, timeout time.Duration) (*executor.Result, error) {
	sess, release, err := m.acquire(ctx, escalation)
	if err != nil {
		return nil, fmt.Errorf("%s%w", EscalationFailedPrefix, err)
	}
	broken := true
	defer func() { release(broken) }()

	raw, err := sess.Run(ctx, commandLine, timeout)
	if err == nil && raw == nil {
		err = errors.New("session returned no result")
	}
	broken = err != nil || raw.TimedOut || !sessionAlive(sess)
	return raw, err
}

// acquire returns a session and its release function. The default session
// stays locked until release; a broken default session is closed and rebuilt
// on next use. Custom sessions are closed on release.
func (m *Manager) acquire(ctx context.Context, escalation string) (Session, func(broken bool), error) {
	if escalation == "" || escalation == DefaultEscalation {
		m.def.mu.Lock()
		// Unlocked here unless ownership passes to the release func; the
		// factory may fail or panic.
		handedOff := false
		defer func() {
			if !handedOff {
				m.def.mu.Unlock()
			}
		}()
		if m.def.session == nil {
			s, err := m.factory(ctx, DefaultEscalation)
			if err != nil {
				return nil, nil, err
			}
			sessionsStarted.WithLabelValues("default").Inc()
			m.def.session = s
		}
		s := m.def.session
		handedOff = true
		return s, func(broken bool) {
			if broken {
				if err := s.Close(); err != nil {
					m.logger.Warn("failed to close broken default session", slog.String("error", err.Error()))
				}
				m.def.session = nil
			}
			m.def.mu.Unlock()
		}, nil
	}

	s, err := m.factory(ctx, escalation)
	if err != nil {
		return nil, nil, err
	}
	sessionsStarted.WithLabelValues("custom").Inc()
	return s, func(bool) {
		if err := s.Close(); err != nil {
			m.logger.Warn("failed to close session",
				slog.String("escalation", escalation),
				slog.String("error", err.Error()),
			)
		}
	}, nil
}

// submit runs a command on the background pool and hands its result to
// deliver exactly once. Submissions after Shutdown are delivered a Failure.
func (m *Manager) submit(escalation, commandLine string, deliver func(Result)) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		go deliver(NewFailure(ErrManagerClosed.Error()))
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	asyncInFlight.Inc()
	go func() {
		defer m.wg.Done()
		defer asyncInFlight.Dec()

		var r Result
		if err := m.sem.Acquire(m.baseCtx, 1); err != nil {
			r = NewFailure(ErrManagerClosed.Error())
		} else {
			r = m.Exec(m.baseCtx, escalation, commandLine, m.defaultTimeout)
			m.sem.Release(1)
		}
		deliver(r)
	}()
}

// fromRaw classifies a finished process. Non-zero exits keep their output as
// the Failure message.
func fromRaw(raw *executor.Result, timeout time.Duration) Result {
	if raw.TimedOut {
		return Timeout{Duration: timeout}
	}
	combined := raw.Combined()
	if raw.ExitCode == 0 {
		return Success{Output: combined, ExitCode: 0}
	}
	if combined == "" {
		combined = fmt.Sprintf("Command failed with exit code %d", raw.ExitCode)
	}
	return Failure{Message: combined, ExitCode: raw.ExitCode}
}
