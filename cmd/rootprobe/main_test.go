package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doughall/rootprobe/internal/assets"
	"github.com/doughall/rootprobe/internal/config"
	"github.com/doughall/rootprobe/internal/history"
	"github.com/doughall/rootprobe/internal/logging"
	"github.com/doughall/rootprobe/internal/rootexec"
)

func TestPrintResult(t *testing.T) {
	tests := []struct {
		name     string
		result   rootexec.Result
		wantCode int
		wantOut  string
		wantErr  string
	}{
		{"success", rootexec.Success{Output: "0\n"}, 0, "0\n", ""},
		{"success without newline", rootexec.Success{Output: "root"}, 0, "root\n", ""},
		{"failure", rootexec.Failure{Message: "denied", ExitCode: 13}, 13, "", "denied\n"},
		{"internal failure", rootexec.Failure{Message: "boom", ExitCode: -1}, 1, "", "boom\n"},
		{"timeout", rootexec.Timeout{Duration: 2 * time.Second}, exitTimedOut, "", "timed out after 2s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out, errOut bytes.Buffer
			code := printResult(&out, &errOut, tt.result)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantOut, out.String())
			assert.Equal(t, tt.wantErr, errOut.String())
		})
	}
}

func TestWriteAttempts(t *testing.T) {
	var buf bytes.Buffer
	err := writeAttempts(&buf, []*history.Attempt{
		{ID: 2, At: time.Now(), ABI: "arm64", Installed: true, DriverFD: 7, HasFD: true, Stage: "structured", DurationMs: 40},
		{ID: 1, At: time.Now(), ABI: "arm64", Failure: "parse_failure", Stage: "pattern", ExitCode: 1},
	})
	require.NoError(t, err)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Contains(t, string(lines[0]), "INSTALLED")
	assert.Contains(t, string(lines[1]), "40ms")
	assert.Contains(t, string(lines[2]), "parse_failure")
}

func TestAssetProviderSelection(t *testing.T) {
	cfg := config.Default()
	_, ok := newAssetProvider(cfg, logging.Discard()).(*assets.DirProvider)
	assert.True(t, ok)

	cfg.AssetURL = "https://probes.example.com/v1"
	_, ok = newAssetProvider(cfg, logging.Discard()).(*assets.HTTPProvider)
	assert.True(t, ok)
}

func TestABIResolverOverride(t *testing.T) {
	cfg := config.Default()
	cfg.ABI = "x86_64"
	names, err := abiResolver(cfg)()
	require.NoError(t, err)
	assert.Equal(t, []string{"x86_64"}, names)
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	cmd := rootCmd()
	cmd.Writer = &buf
	require.NoError(t, cmd.Run(context.Background(), []string{name, "version"}))
	assert.Contains(t, buf.String(), name+" dev")
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "config.yaml")

	var buf bytes.Buffer
	cmd := rootCmd()
	cmd.Writer = &buf
	require.NoError(t, cmd.Run(context.Background(), []string{name, "--config", path, "config", "init"}))
	assert.Contains(t, buf.String(), path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultShell, cfg.DefaultShell)
	assert.Equal(t, config.DefaultStatusAddr, cfg.StatusAddr)
	assert.Equal(t, config.DefaultRecheckSchedule, cfg.RecheckSchedule)
}
