// Package probe extracts the driver outcome from the text a probe binary
// prints. Probe output is unreliable: the binary may print noise around its
// JSON report, crash halfway through it, or exit non-zero after a successful
// install. Parsing therefore runs two independent passes. The structured pass
// decodes the span between the first '{' and the last '}'; when that cannot be
// decoded, a pattern pass looks for the status and driver_fd tokens anywhere
// in the text.
package probe

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// StatusSuccess is the report status of an installed driver.
const StatusSuccess = "success"

// Stage names the pass that produced an Outcome.
type Stage string

const (
	StageStructured Stage = "structured"
	StagePattern    Stage = "pattern"
)

// Outcome is the parsed probe result. Installed implies HasFD.
type Outcome struct {
	Installed bool   `json:"installed"`
	DriverFD  int32  `json:"driver_fd"`
	HasFD     bool   `json:"has_fd"`
	Status    string `json:"status,omitempty"`
	Stage     Stage  `json:"stage"`
}

// FD returns the driver descriptor if one was reported.
func (o Outcome) FD() (int32, bool) {
	return o.DriverFD, o.HasFD
}

func (o Outcome) String() string {
	if o.HasFD {
		return fmt.Sprintf("installed=%t fd=%d status=%q (%s)", o.Installed, o.DriverFD, o.Status, o.Stage)
	}
	return fmt.Sprintf("installed=%t fd=none status=%q (%s)", o.Installed, o.Status, o.Stage)
}

// Parse never fails: undecodable or non-success output yields an Outcome
// with Installed false. A structured pass that decodes is authoritative.
func Parse(raw string) Outcome {
	if o, err := ParseStructured(raw); err == nil {
		return o
	}
	return ParsePattern(raw)
}

var (
	// ErrNoObject means the text holds no '{' ... '}' span.
	ErrNoObject = errors.New("no JSON object in probe output")
	// ErrMissingFD means a success report without a usable driver_fd.
	ErrMissingFD = errors.New("success report without a valid driver_fd")
)

// ParseStructured decodes the span from the first '{' to the last '}'.
// Anything after the first complete JSON value inside the span is ignored.
func ParseStructured(raw string) (Outcome, error) {
	first := strings.IndexByte(raw, '{')
	last := strings.LastIndexByte(raw, '}')
	if first < 0 || last < 0 || first >= last {
		return Outcome{}, ErrNoObject
	}

	dec := json.NewDecoder(strings.NewReader(raw[first : last+1]))
	dec.UseNumber()
	var report map[string]any
	if err := dec.Decode(&report); err != nil {
		return Outcome{}, fmt.Errorf("decode probe report: %w", err)
	}

	status := stringField(report["status"])
	if status != StatusSuccess {
		return Outcome{Status: status, Stage: StageStructured}, nil
	}

	fd, ok := fdField(report["driver_fd"])
	if !ok {
		return Outcome{}, ErrMissingFD
	}
	return Outcome{Installed: true, DriverFD: fd, HasFD: true, Status: status, Stage: StageStructured}, nil
}

var (
	statusPattern = regexp.MustCompile(`"status"\s*:\s*"(\w+)"`)
	fdPattern     = regexp.MustCompile(`"driver_fd"\s*:\s*(\d+)`)
)

// ParsePattern searches raw for the status and driver_fd tokens. Both must
// be present and the status must be success.
func ParsePattern(raw string) Outcome {
	failed := Outcome{Stage: StagePattern}

	sm := statusPattern.FindStringSubmatch(raw)
	fm := fdPattern.FindStringSubmatch(raw)
	if sm != nil {
		failed.Status = sm[1]
	}
	if sm == nil || fm == nil || sm[1] != StatusSuccess {
		return failed
	}

	fd, err := strconv.ParseInt(fm[1], 10, 32)
	if err != nil {
		return failed
	}
	return Outcome{Installed: true, DriverFD: int32(fd), HasFD: true, Status: sm[1], Stage: StagePattern}
}

// stringField reads a field the way a lenient JSON getter does: missing or
// null is empty, scalars are rendered as text.
func stringField(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case json.Number:
		return s.String()
	case bool:
		return strconv.FormatBool(s)
	default:
		return ""
	}
}

// fdField accepts an integer, a number with a fraction (truncated) or a
// numeric string, as long as it fits an int32.
func fdField(v any) (int32, bool) {
	var f float64
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return fitInt32(float64(i), i)
		}
		x, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = x
	case string:
		s := strings.TrimSpace(n)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return fitInt32(float64(i), i)
		}
		x, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = x
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return fitInt32(math.Trunc(f), int64(math.Trunc(f)))
}

func fitInt32(f float64, i int64) (int32, bool) {
	if f < math.MinInt32 || f > math.MaxInt32 {
		return 0, false
	}
	return int32(i), true
}
