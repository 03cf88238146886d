// result.go defines the raw outcome of one process run as reported by the
// execution layer (one-shot executor, persistent shell or root helper).
package executor

import (
	"strings"
	"time"
)

// Result holds the captured output of a command execution.
type Result struct {
	// ExitCode is the process exit code. -1 indicates timeout or signal death.
	ExitCode int `json:"exit_code"`

	// Stdout contains the standard output of the command.
	Stdout string `json:"stdout"`

	// Stderr contains the standard error output of the command.
	Stderr string `json:"stderr"`

	// Duration is how long the command took to execute.
	Duration time.Duration `json:"duration_ms"`

	// TimedOut is true if the execution layer gave up waiting for the command.
	TimedOut bool `json:"timed_out"`

	// StartedAt is when execution began.
	StartedAt time.Time `json:"started_at"`
}

// DurationMs returns the duration in milliseconds.
func (r *Result) DurationMs() int64 {
	return r.Duration.Milliseconds()
}

// Combined joins stdout and stderr, stdout first. One trailing line break is
// dropped from each stream, so blank output lines survive, and a single "\n"
// separates them only when both are non-empty.
func (r *Result) Combined() string {
	return Combine(r.Stdout, r.Stderr)
}

// Combine is the stream-joining rule used by Combined.
func Combine(stdout, stderr string) string {
	stdout = strings.TrimSuffix(stdout, "\n")
	stderr = strings.TrimSuffix(stderr, "\n")
	switch {
	case stdout == "":
		return stderr
	case stderr == "":
		return stdout
	default:
		return stdout + "\n" + stderr
	}
}
