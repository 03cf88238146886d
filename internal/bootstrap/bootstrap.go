// Package bootstrap runs the driver handshake: pick the probe binary for the
// CPU, stage it into private storage, make it executable and run it as root
// with our PID, then parse what it printed and publish the driver descriptor.
//
// A round never panics or aborts the caller. CheckAndSetupDriver always
// returns a usable probe.Outcome; the accompanying *Error only explains a
// round that did not install the driver.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/doughall/rootprobe/internal/assets"
	"github.com/doughall/rootprobe/internal/driver"
	"github.com/doughall/rootprobe/internal/history"
	"github.com/doughall/rootprobe/internal/probe"
	"github.com/doughall/rootprobe/internal/rootexec"
)

// StagedName is the fixed file name of the staged probe inside the storage
// directory. It is never versioned.
const StagedName = "probe"

// Defaults used when Options leaves a timeout zero.
const (
	DefaultCommandTimeout = 5 * time.Second
	DefaultProbeTimeout   = 10 * time.Second
)

// Executor runs privileged commands. *rootexec.Manager implements it.
type Executor interface {
	Exec(ctx context.Context, escalation, commandLine string, timeout time.Duration) rootexec.Result
}

// Recorder stores bootstrap attempts. *history.Store implements it.
type Recorder interface {
	Record(a *history.Attempt) error
}

// Options configures a Bootstrapper.
type Options struct {
	StorageDir string
	Assets     assets.Provider
	// Escalation is passed to every privileged command; rootexec.DefaultEscalation
	// uses the shared session.
	Escalation string
	Exec       Executor
	Handle     *driver.Handle
	// History is optional.
	History Recorder
	// ABIs defaults to HostABIs.
	ABIs           ABIResolver
	CommandTimeout time.Duration
	ProbeTimeout   time.Duration
	Logger         *slog.Logger
}

// Bootstrapper is the only writer of the driver handle.
type Bootstrapper struct {
	opts   Options
	logger *slog.Logger

	// One round at a time; the staged file is shared.
	mu sync.Mutex
}

// New creates a Bootstrapper.
func New(opts Options) *Bootstrapper {
	if opts.ABIs == nil {
		opts.ABIs = HostABIs
	}
	if opts.Escalation == "" {
		opts.Escalation = rootexec.DefaultEscalation
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Bootstrapper{opts: opts, logger: opts.Logger}
}

// StagedPath returns where the probe binary is staged.
func (b *Bootstrapper) StagedPath() string {
	return filepath.Join(b.opts.StorageDir, StagedName)
}

// round accumulates what one CheckAndSetupDriver call learned, for logging
// and history.
type round struct {
	start    time.Time
	abi      assets.ABI
	reused   bool
	exitCode int
	output   string
}

// CheckAndSetupDriver runs one bootstrap round for the process selfPID.
// On success the descriptor is published to the driver handle before
// returning.
func (b *Bootstrapper) CheckAndSetupDriver(ctx context.Context, selfPID int) (outcome probe.Outcome, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := &round{start: time.Now(), exitCode: -1}
	defer func() {
		if p := recover(); p != nil {
			outcome = probe.Outcome{}
			err = newError(KindProbeExecution, "bootstrap panicked", fmt.Errorf("%v", p))
		}
		b.finish(r, outcome, err)
	}()

	outcome, err = b.run(ctx, r, selfPID)
	return outcome, err
}

func (b *Bootstrapper) run(ctx context.Context, r *round, selfPID int) (probe.Outcome, error) {
	names, err := b.opts.ABIs()
	if err != nil {
		return probe.Outcome{}, newError(KindUnsupportedABI, "cannot determine CPU ABI", err)
	}
	abi, err := SelectABI(names)
	if err != nil {
		return probe.Outcome{}, newError(KindUnsupportedABI, "no probe for this CPU", err)
	}
	r.abi = abi

	path, reused, err := b.stage(ctx, abi)
	r.reused = reused
	if err != nil {
		return probe.Outcome{}, err
	}

	res := b.opts.Exec.Exec(ctx, b.opts.Escalation, path+" "+strconv.Itoa(selfPID), b.opts.ProbeTimeout)

	var output string
	var execErr error
	switch v := res.(type) {
	case rootexec.Success:
		output, r.exitCode = v.Output, v.ExitCode
	case rootexec.Failure:
		r.exitCode = v.ExitCode
		if strings.HasPrefix(v.Message, rootexec.EscalationFailedPrefix) {
			r.output = v.Message
			return probe.Outcome{}, newError(KindEscalationDenied, "cannot run probe as root", errors.New(v.Message))
		}
		// The probe can crash after printing a valid report.
		output = v.Message
		execErr = rootexec.Err(v)
		b.logger.Debug("probe exited non-zero, parsing its output anyway", slog.Int("exit_code", v.ExitCode))
	case rootexec.Timeout:
		return probe.Outcome{}, newError(KindProbeExecution, "probe did not finish", rootexec.Err(v))
	}
	r.output = output
	b.logger.Debug("probe output", slog.String("output", output))

	outcome := probe.Parse(output)
	parseStageTotal.WithLabelValues(string(outcome.Stage)).Inc()
	if outcome.Installed {
		b.opts.Handle.SetFD(outcome.DriverFD)
		return outcome, nil
	}

	if verr := probe.ValidateReport(output); verr != nil {
		b.logger.Debug("probe report does not match schema", slog.String("error", verr.Error()))
	}
	msg := fmt.Sprintf("probe reported status %q", outcome.Status)
	if outcome.Status == "" {
		msg = "no probe report found"
	}
	if execErr != nil {
		return outcome, newError(KindProbeExecution, msg, execErr)
	}
	return outcome, newError(KindParseFailure, msg, nil)
}

// stage makes sure an executable probe exists at StagedPath. An executable
// file already there is reused as is.
func (b *Bootstrapper) stage(ctx context.Context, abi assets.ABI) (string, bool, error) {
	path := b.StagedPath()
	if fi, err := os.Stat(path); err == nil && fi.Mode().IsRegular() && unix.Access(path, unix.X_OK) == nil {
		return path, true, nil
	}

	if err := os.MkdirAll(b.opts.StorageDir, 0o700); err != nil {
		return "", false, newError(KindStagingIO, "create storage directory", err)
	}

	src, err := b.opts.Assets.Open(ctx, abi)
	if err != nil {
		return "", false, newError(KindStagingIO, "open probe asset", err)
	}
	defer src.Close()

	if err := writeFile(path, src); err != nil {
		return "", false, newError(KindStagingIO, "write probe binary", err)
	}

	res := b.opts.Exec.Exec(ctx, b.opts.Escalation, "chmod 755 "+path, b.opts.CommandTimeout)
	if !rootexec.IsSuccess(res) {
		if f, ok := res.(rootexec.Failure); ok && strings.HasPrefix(f.Message, rootexec.EscalationFailedPrefix) {
			return "", false, newError(KindEscalationDenied, "cannot mark probe executable", errors.New(f.Message))
		}
		return "", false, newError(KindStagingIO, "mark probe executable", rootexec.Err(res))
	}
	b.logger.Info("probe staged", slog.String("path", path), slog.String("abi", string(abi)))
	return path, false, nil
}

// writeFile copies src to path through a temp file in the same directory,
// so a half-written probe is never left at path.
func writeFile(path string, src io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+StagedName+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		tmp.Close()
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, src); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync to disk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	success = true
	return nil
}

func (b *Bootstrapper) finish(r *round, outcome probe.Outcome, err error) {
	duration := time.Since(r.start)
	attrs := []any{
		slog.String("abi", string(r.abi)),
		slog.Bool("reused", r.reused),
		slog.Bool("installed", outcome.Installed),
		slog.Duration("duration", duration),
	}

	if outcome.Installed {
		attemptsTotal.WithLabelValues("installed").Inc()
		b.logger.Info("driver installed", append(attrs, slog.Int("driver_fd", int(outcome.DriverFD)))...)
	} else {
		attemptsTotal.WithLabelValues("failed").Inc()
		failuresTotal.WithLabelValues(string(KindOf(err))).Inc()
		b.logger.Warn("driver not installed", append(attrs, slog.Any("error", err))...)
	}

	if b.opts.History == nil {
		return
	}
	a := &history.Attempt{
		At:         r.start,
		ABI:        string(r.abi),
		Reused:     r.reused,
		Installed:  outcome.Installed,
		DriverFD:   outcome.DriverFD,
		HasFD:      outcome.HasFD,
		Status:     outcome.Status,
		Stage:      string(outcome.Stage),
		ExitCode:   r.exitCode,
		Failure:    string(KindOf(err)),
		Output:     r.output,
		DurationMs: duration.Milliseconds(),
	}
	if err != nil {
		a.Error = err.Error()
	}
	if herr := b.opts.History.Record(a); herr != nil {
		b.logger.Warn("failed to record probe attempt", slog.String("error", herr.Error()))
	}
}

// IsDriverInstalled runs a round and falls back to the handle: a descriptor
// published earlier stays valid when a later round fails, for example because
// su denied us this time.
func (b *Bootstrapper) IsDriverInstalled(ctx context.Context, selfPID int) bool {
	if outcome, _ := b.CheckAndSetupDriver(ctx, selfPID); outcome.Installed {
		return true
	}
	return b.opts.Handle.Loaded()
}
