// Package console runs an interactive escalated shell on a pseudo-terminal,
// for `rootprobe console`. It uses the same escalation command as the
// privileged sessions, so it is also a quick way to check that su works.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// DefaultEscalation is used when Options.Escalation is empty.
const DefaultEscalation = "su"

// Options configures Run.
type Options struct {
	Escalation string
	Stdin      *os.File
	Stdout     io.Writer
	Logger     *slog.Logger
}

// Run starts the escalation command on a pty and connects it to the given
// streams until it exits. When Stdin is a terminal it is put into raw mode
// and window size changes are forwarded. It returns the shell's exit code.
func Run(ctx context.Context, opts Options) (int, error) {
	argv := strings.Fields(opts.Escalation)
	if len(argv) == 0 {
		argv = []string{DefaultEscalation}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), "TERM="+termName())

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return -1, fmt.Errorf("failed to start PTY: %w", err)
	}
	defer ptmx.Close()

	fd := int(opts.Stdin.Fd())
	if term.IsTerminal(fd) {
		if err := pty.InheritSize(opts.Stdin, ptmx); err != nil {
			logger.Debug("failed to set pty size", slog.String("error", err.Error()))
		}
		winch := make(chan os.Signal, 1)
		signal.Notify(winch, syscall.SIGWINCH)
		defer signal.Stop(winch)
		go func() {
			for range winch {
				_ = pty.InheritSize(opts.Stdin, ptmx)
			}
		}()

		state, err := term.MakeRaw(fd)
		if err != nil {
			return -1, fmt.Errorf("raw mode: %w", err)
		}
		defer term.Restore(fd, state)
	}

	logger.Debug("console started", slog.String("escalation", strings.Join(argv, " ")), slog.Int("pid", cmd.Process.Pid))

	go func() { _, _ = io.Copy(ptmx, opts.Stdin) }()
	outDone := make(chan struct{})
	go func() {
		_, _ = io.Copy(opts.Stdout, ptmx)
		close(outDone)
	}()

	err = cmd.Wait()
	// The slave side is gone; drain what the shell printed last.
	<-outDone

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, nil
	case errors.As(err, &exitErr):
		return exitErr.ExitCode(), nil
	default:
		return -1, err
	}
}

func termName() string {
	if t := os.Getenv("TERM"); t != "" {
		return t
	}
	return "xterm-256color"
}
