// Package shell keeps a long-lived escalated shell (su, sudo sh, a vendor helper)
// and runs commands in it one at a time.
//
// Commands are written to the shell's stdin followed by two marker lines, one
// echoed to stdout together with the command's exit status and one echoed to
// stderr. Output up to the markers belongs to the command; the streams stay open
// for the next one. Because the marker protocol depends on a single command
// being in flight, Run holds a mutex for its whole duration.
//
// A command that times out leaves the streams in an unknown state, so the shell
// is killed and every later Run returns ErrClosed. A command that ends the shell
// itself (exit, exec) still gets its output and the shell's exit status. In
// both cases owners are expected to start a replacement.
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/doughall/rootprobe/internal/executor"
)

// ErrClosed is returned by Run once the shell has exited or been closed.
var ErrClosed = errors.New("shell closed")

// DefaultStartTimeout bounds the startup handshake.
const DefaultStartTimeout = 10 * time.Second

// exitWait bounds the wait for the shell process once its output has ended.
const exitWait = 2 * time.Second

// Options configures Start.
type Options struct {
	// Escalation is the command that yields a shell reading from stdin, e.g. "su".
	Escalation string

	// Init commands run once after the handshake. Failures are logged, not fatal.
	Init []string

	// StartTimeout bounds the handshake. Zero means DefaultStartTimeout.
	StartTimeout time.Duration

	Logger *slog.Logger
}

// Shell is a persistent escalated shell process.
type Shell struct {
	escalation string
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     *bufio.Reader
	stderr     *bufio.Reader
	outR, errR *os.File
	exited     chan struct{}

	mu     sync.Mutex
	closed atomic.Bool
	logger *slog.Logger
}

// Start launches the escalation command and waits until the shell answers a
// handshake command. A denied escalation (su exits immediately, or never
// answers) is reported as an error.
func Start(ctx context.Context, opts Options) (*Shell, error) {
	argv := strings.Fields(opts.Escalation)
	if len(argv) == 0 {
		argv = []string{executor.DefaultShell}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	startTimeout := opts.StartTimeout
	if startTimeout <= 0 {
		startTimeout = DefaultStartTimeout
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// Plain os.Pipe pairs so that Wait never closes the read ends underneath
	// an in-flight Run.
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		return nil, fmt.Errorf("start %q: %w", opts.Escalation, err)
	}
	outW.Close()
	errW.Close()

	s := &Shell{
		escalation: opts.Escalation,
		cmd:        cmd,
		stdin:      stdin,
		stdout:     bufio.NewReader(outR),
		stderr:     bufio.NewReader(errR),
		outR:       outR,
		errR:       errR,
		exited:     make(chan struct{}),
		logger:     logger.With(slog.String("escalation", opts.Escalation)),
	}
	// The read ends stay open until Close so that output written just before
	// the shell exits is still read.
	go func() {
		_ = cmd.Wait()
		s.closed.Store(true)
		close(s.exited)
	}()

	res, err := s.Run(ctx, "true", startTimeout)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("shell %q did not respond: %w", opts.Escalation, err)
	}
	if res.TimedOut {
		s.Close()
		return nil, fmt.Errorf("shell %q did not respond within %s", opts.Escalation, startTimeout)
	}
	if !s.Alive() {
		s.Close()
		return nil, fmt.Errorf("shell %q did not respond: exited with status %d", opts.Escalation, res.ExitCode)
	}

	for _, line := range opts.Init {
		res, err := s.Run(ctx, line, startTimeout)
		if err != nil || res.ExitCode != 0 {
			s.logger.Warn("shell init command failed",
				slog.String("command", line),
				slog.Any("error", err),
			)
		}
		if s.closed.Load() {
			s.Close()
			return nil, fmt.Errorf("shell %q exited during init", opts.Escalation)
		}
	}

	s.logger.Debug("shell started", slog.Int("pid", cmd.Process.Pid))
	return s, nil
}

type streamRead struct {
	stderr bool
	text   string
	tail   string
	err    error
}

// Run executes commandLine in the shell and returns its separated output.
// Reading stops at the markers, so the two streams are joined by the caller
// strictly after the command has finished.
func (s *Shell) Run(ctx context.Context, commandLine string, timeout time.Duration) (*executor.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return nil, ErrClosed
	}

	marker := "__rootprobe_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	// Stdin of the command is /dev/null so it cannot swallow the marker lines.
	script := fmt.Sprintf("{\n%s\n} </dev/null\n__rp_rc=$?\necho %s $__rp_rc\necho %s >&2\n",
		commandLine, marker, marker)

	result := &executor.Result{StartedAt: time.Now()}
	if _, err := io.WriteString(s.stdin, script); err != nil {
		s.kill()
		return nil, fmt.Errorf("write command: %w", err)
	}

	reads := make(chan streamRead, 2)
	go func() {
		text, tail, err := readUntil(s.stdout, marker)
		reads <- streamRead{text: text, tail: tail, err: err}
	}()
	go func() {
		text, _, err := readUntil(s.stderr, marker)
		reads <- streamRead{stderr: true, text: text, err: err}
	}()

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	var status string
	ended := false
	for received := 0; received < 2; received++ {
		select {
		case r := <-reads:
			if r.err != nil {
				ended = true
			}
			if r.stderr {
				result.Stderr = r.text
			} else {
				result.Stdout = r.text
				status = r.tail
			}
		case <-timeoutC:
			s.kill()
			result.Duration = time.Since(result.StartedAt)
			result.ExitCode = -1
			result.TimedOut = true
			return result, nil
		case <-ctx.Done():
			s.kill()
			return nil, ctx.Err()
		}
	}

	result.Duration = time.Since(result.StartedAt)
	if ended {
		return s.exitResult(result), nil
	}
	code, err := strconv.Atoi(status)
	if err != nil {
		return nil, fmt.Errorf("malformed exit status %q", status)
	}
	result.ExitCode = code
	return result, nil
}

// exitResult completes a command whose output ended without the markers: the
// command ended the shell, so the shell's exit status is the command's.
func (s *Shell) exitResult(result *executor.Result) *executor.Result {
	s.closed.Store(true)
	select {
	case <-s.exited:
		result.ExitCode = s.cmd.ProcessState.ExitCode()
	case <-time.After(exitWait):
		s.kill()
		result.ExitCode = -1
	}
	s.logger.Debug("shell exited during command", slog.Int("exit_code", result.ExitCode))
	return result
}

// readUntil collects lines until one contains marker. Output without a
// trailing newline ends up on the marker line and is kept.
func readUntil(r *bufio.Reader, marker string) (string, string, error) {
	var b strings.Builder
	for {
		line, err := r.ReadString('\n')
		if i := strings.Index(line, marker); i >= 0 {
			b.WriteString(line[:i])
			return b.String(), strings.TrimSpace(line[i+len(marker):]), nil
		}
		b.WriteString(line)
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return b.String(), "", err
		}
	}
}

// Alive reports whether the shell can still accept commands.
func (s *Shell) Alive() bool {
	return !s.closed.Load()
}

// Close asks the shell to exit by closing stdin and kills its process group
// if it has not exited after two seconds. Safe to call more than once.
func (s *Shell) Close() error {
	s.closed.Store(true)
	s.stdin.Close()
	defer func() {
		s.outR.Close()
		s.errR.Close()
	}()
	select {
	case <-s.exited:
	case <-time.After(exitWait):
		s.kill()
		select {
		case <-s.exited:
		case <-time.After(exitWait):
			// A setuid escalation wrapper cannot always be signalled by us.
			return fmt.Errorf("shell %q did not exit", s.escalation)
		}
	}
	return nil
}

func (s *Shell) kill() {
	s.closed.Store(true)
	if s.cmd.Process != nil {
		_ = syscall.Kill(-s.cmd.Process.Pid, syscall.SIGKILL)
	}
}
