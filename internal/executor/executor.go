// executor.go runs one-shot commands under an escalation command.
// Every call spawns `<escalation...> -c <command>` in a fresh process group so that
// a timeout kills the whole tree the command started, not just the escalation wrapper.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// DefaultShell is used when no escalation command is configured.
const DefaultShell = "/bin/sh"

// Executor runs commands through an escalation command with timeout and output capture.
type Executor struct {
	// Argv is the escalation command split into words, e.g. ["su"] or ["sudo", "sh"].
	// The command line is appended as `-c <command>`.
	Argv []string

	// WaitDelay bounds how long Wait blocks on pipes held open by orphaned children.
	WaitDelay time.Duration
}

// New creates an Executor for the given escalation command.
// An empty escalation falls back to DefaultShell (no privilege change).
func New(escalation string) *Executor {
	argv := strings.Fields(escalation)
	if len(argv) == 0 {
		argv = []string{DefaultShell}
	}
	return &Executor{
		Argv:      argv,
		WaitDelay: 5 * time.Second,
	}
}

// Execute runs command and waits for it to exit or for timeout to fire.
// Non-zero exits and timeouts are reported in the Result; the error return is
// reserved for failures to start the process at all (escalation binary missing,
// permission denied on exec).
func (e *Executor) Execute(ctx context.Context, command string, timeout time.Duration) (*Result, error) {
	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	args := append(append([]string{}, e.Argv[1:]...), "-c", command)
	cmd := exec.CommandContext(execCtx, e.Argv[0], args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// stdout and stderr are never interleaved: each has its own buffer and they
	// are joined only after the process has exited.
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = e.WaitDelay

	result := &Result{StartedAt: time.Now()}

	err := cmd.Run()
	result.Duration = time.Since(result.StartedAt)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if err == nil {
		return result, nil
	}
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		result.ExitCode = -1
		result.TimedOut = true
		return result, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	return nil, fmt.Errorf("execution failed: %w", err)
}
