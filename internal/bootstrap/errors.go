package bootstrap

import (
	"errors"
	"fmt"
)

// Kind classifies why a bootstrap round did not install the driver.
type Kind string

const (
	KindUnsupportedABI   Kind = "unsupported_abi"
	KindStagingIO        Kind = "staging_io"
	KindProbeExecution   Kind = "probe_execution"
	KindParseFailure     Kind = "parse_failure"
	KindEscalationDenied Kind = "escalation_denied"
)

// Sentinels matched by errors.Is against an *Error of the same kind.
var (
	ErrUnsupportedABI   = errors.New("unsupported ABI")
	ErrStagingIO        = errors.New("staging failed")
	ErrProbeExecution   = errors.New("probe execution failed")
	ErrParseFailure     = errors.New("probe output not understood")
	ErrEscalationDenied = errors.New("escalation denied")
)

var sentinels = map[Kind]error{
	KindUnsupportedABI:   ErrUnsupportedABI,
	KindStagingIO:        ErrStagingIO,
	KindProbeExecution:   ErrProbeExecution,
	KindParseFailure:     ErrParseFailure,
	KindEscalationDenied: ErrEscalationDenied,
}

// Error describes a failed bootstrap round. It is diagnostic only: the
// outcome returned next to it is always usable.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel of e's kind.
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

func newError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// KindOf returns the kind of a bootstrap error, or "" for nil and foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
