package rootexec

import (
	"fmt"
	"time"
)

// Result is the outcome of a privileged command. It is always exactly one of
// Success, Failure or Timeout; the unexported method closes the set.
type Result interface {
	isResult()
}

// Success is a command that exited with status zero.
type Success struct {
	// Output is stdout followed by stderr, see executor.Combine.
	Output   string
	ExitCode int
}

// Failure is a command that exited non-zero or could not be run at all.
// Message carries the combined output when there was any, so callers can
// still recover a payload from a process that printed and then crashed.
type Failure struct {
	Message string
	// ExitCode is -1 when no exit status is known.
	ExitCode int
}

// Timeout is reported when the execution layer gave up waiting.
type Timeout struct {
	Duration time.Duration
}

func (Success) isResult() {}
func (Failure) isResult() {}
func (Timeout) isResult() {}

// NewFailure returns a Failure without a known exit status.
func NewFailure(message string) Failure {
	return Failure{Message: message, ExitCode: -1}
}

// Match calls exactly one handler for r. All three handlers are mandatory,
// so a new variant cannot be added without revisiting every call site.
func Match[T any](r Result, success func(Success) T, failure func(Failure) T, timeout func(Timeout) T) T {
	switch v := r.(type) {
	case Success:
		return success(v)
	case Failure:
		return failure(v)
	case Timeout:
		return timeout(v)
	}
	panic(fmt.Sprintf("rootexec: unknown result type %T", r))
}

// Kind names the variant: "success", "failure" or "timeout".
func Kind(r Result) string {
	return Match(r,
		func(Success) string { return "success" },
		func(Failure) string { return "failure" },
		func(Timeout) string { return "timeout" },
	)
}

// IsSuccess reports whether r is a Success.
func IsSuccess(r Result) bool {
	_, ok := r.(Success)
	return ok
}

// IsFailure reports whether r is a Failure.
func IsFailure(r Result) bool {
	_, ok := r.(Failure)
	return ok
}

// IsTimeout reports whether r is a Timeout.
func IsTimeout(r Result) bool {
	_, ok := r.(Timeout)
	return ok
}

// Output returns the output of a Success.
func Output(r Result) (string, bool) {
	if s, ok := r.(Success); ok {
		return s.Output, true
	}
	return "", false
}

// OutputOr returns the output of a Success or def.
func OutputOr(r Result, def string) string {
	if out, ok := Output(r); ok {
		return out
	}
	return def
}

// Text returns whatever the command printed: the output of a Success or the
// message of a Failure. A Timeout has no text.
func Text(r Result) string {
	return Match(r,
		func(s Success) string { return s.Output },
		func(f Failure) string { return f.Message },
		func(Timeout) string { return "" },
	)
}

// CommandError is returned by Err for a Failure.
type CommandError struct {
	Message  string
	ExitCode int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command failed: %s (exit code: %d)", e.Message, e.ExitCode)
}

// TimeoutError is returned by Err for a Timeout.
type TimeoutError struct {
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command timeout after %dms", e.Duration.Milliseconds())
}

// Err converts r into a Go error: nil for Success, *CommandError or *TimeoutError otherwise.
func Err(r Result) error {
	return Match(r,
		func(Success) error { return nil },
		func(f Failure) error { return &CommandError{Message: f.Message, ExitCode: f.ExitCode} },
		func(t Timeout) error { return &TimeoutError{Duration: t.Duration} },
	)
}
