package probe

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func installed(fd int32, stage Stage) Outcome {
	return Outcome{Installed: true, DriverFD: fd, HasFD: true, Status: StatusSuccess, Stage: stage}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Outcome
	}{
		{
			name: "plain success report",
			raw:  `{"status":"success","driver_fd":17}`,
			want: installed(17, StageStructured),
		},
		{
			name: "noise around the report",
			raw:  "[*] loading driver\nwarning: foo\n{\"status\": \"success\", \"driver_fd\": 3}\nSegmentation fault",
			want: installed(3, StageStructured),
		},
		{
			name: "fd as fractional number is truncated",
			raw:  `{"status":"success","driver_fd":9.7}`,
			want: installed(9, StageStructured),
		},
		{
			name: "fd as numeric string",
			raw:  `{"status":"success","driver_fd":"21"}`,
			want: installed(21, StageStructured),
		},
		{
			name: "denied report",
			raw:  `{"status":"denied"}`,
			want: Outcome{Status: "denied", Stage: StageStructured},
		},
		{
			name: "non-success status ignores driver_fd",
			raw:  `{"status":"failed","driver_fd":5}`,
			want: Outcome{Status: "failed", Stage: StageStructured},
		},
		{
			name: "missing status",
			raw:  `{"driver_fd":5}`,
			want: Outcome{Stage: StageStructured},
		},
		{
			name: "truncated report falls back to patterns",
			raw:  `noise {"status": "success", "driver_fd": 42, "extra": [1,2`,
			want: installed(42, StagePattern),
		},
		{
			name: "corrupted bytes between fields",
			raw:  "{\"status\":\"success\",\x00\xff garbage \"driver_fd\" :  8 } }",
			want: installed(8, StagePattern),
		},
		{
			name: "success without fd falls back and fails",
			raw:  `{"status":"success"}`,
			want: Outcome{Status: StatusSuccess, Stage: StagePattern},
		},
		{
			name: "fd out of int32 range",
			raw:  `{"status":"success","driver_fd":99999999999}`,
			want: Outcome{Status: StatusSuccess, Stage: StagePattern},
		},
		{
			name: "no braces at all",
			raw:  `"status":"success" "driver_fd":4`,
			want: installed(4, StagePattern),
		},
		{
			name: "closing brace before opening brace",
			raw:  `} "status":"denied" {`,
			want: Outcome{Status: "denied", Stage: StagePattern},
		},
		{
			name: "empty output",
			raw:  "",
			want: Outcome{Stage: StagePattern},
		},
		{
			name: "pattern pass with non-success status",
			raw:  `{"status":"denied", "driver_fd":1`,
			want: Outcome{Status: "denied", Stage: StagePattern},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.raw)
			assert.Equal(t, tt.want, got)
			if got.Installed {
				assert.True(t, got.HasFD, "installed implies a descriptor")
			}
		})
	}
}

func TestParse_SuccessForAnyFD(t *testing.T) {
	for _, fd := range []int32{0, 1, 17, 1024, 2147483647} {
		for _, wrap := range []string{"%s", "prefix %s", "%s suffix", "a\nb\n%s\nc"} {
			raw := fmt.Sprintf(wrap, fmt.Sprintf(`{"status":"success","driver_fd":%d}`, fd))
			got := Parse(raw)
			assert.True(t, got.Installed, raw)
			assert.Equal(t, fd, got.DriverFD, raw)
		}
	}
}

func TestParse_NonSuccessNeverInstalled(t *testing.T) {
	for _, status := range []string{"denied", "error", "SUCCESS", "successful", ""} {
		for _, raw := range []string{
			fmt.Sprintf(`{"status":%q}`, status),
			fmt.Sprintf(`{"status":%q,"driver_fd":3}`, status),
			fmt.Sprintf(`{"status":%q,"driver_fd":3`, status),
		} {
			got := Parse(raw)
			assert.False(t, got.Installed, raw)
			assert.False(t, got.HasFD, raw)
		}
	}
}

func TestParseStructured_Errors(t *testing.T) {
	_, err := ParseStructured("no json here")
	assert.ErrorIs(t, err, ErrNoObject)

	_, err = ParseStructured(`{"status":"success","driver_fd":"abc"}`)
	assert.ErrorIs(t, err, ErrMissingFD)

	_, err = ParseStructured(`{"status": "success", `+"\n}")
	require.Error(t, err)
}

func TestParseStructured_TrailingContentInsideSpan(t *testing.T) {
	got, err := ParseStructured(`{"status":"success","driver_fd":5} trailing {"x":1}`)
	require.NoError(t, err)
	assert.Equal(t, installed(5, StageStructured), got)
}

func TestParsePattern_Independent(t *testing.T) {
	got := ParsePattern(`"driver_fd": 12 ... later ... "status" : "success"`)
	assert.Equal(t, installed(12, StagePattern), got)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, `installed=true fd=17 status="success" (structured)`, installed(17, StageStructured).String())
	assert.Equal(t, `installed=false fd=none status="denied" (pattern)`, Outcome{Status: "denied", Stage: StagePattern}.String())
}
