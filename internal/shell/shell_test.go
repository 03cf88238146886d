package shell

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startShell(t *testing.T, init ...string) *Shell {
	t.Helper()
	s, err := Start(context.Background(), Options{
		Escalation:   "sh",
		Init:         init,
		StartTimeout: 5 * time.Second,
		Logger:       nopLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRun_SeparatesStreams(t *testing.T) {
	s := startShell(t)

	res, err := s.Run(context.Background(), "echo A; echo B >&2", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "A\n", res.Stdout)
	assert.Equal(t, "B\n", res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "A\nB", res.Combined())
}

func TestRun_ExitStatus(t *testing.T) {
	s := startShell(t)

	res, err := s.Run(context.Background(), "sh -c 'exit 137'", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 137, res.ExitCode)
	assert.True(t, s.Alive())
}

func TestRun_OutputWithoutTrailingNewline(t *testing.T) {
	s := startShell(t)

	res, err := s.Run(context.Background(), `printf '{"status":"success","driver_fd":17}'`, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, `{"status":"success","driver_fd":17}`, res.Stdout)
	assert.Equal(t, 0, res.ExitCode)
}

func TestRun_StatePersistsBetweenCommands(t *testing.T) {
	s := startShell(t, "ROOTPROBE_TEST=initialized")

	res, err := s.Run(context.Background(), "echo $ROOTPROBE_TEST", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "initialized\n", res.Stdout)

	_, err = s.Run(context.Background(), "cd /", 5*time.Second)
	require.NoError(t, err)
	res, err = s.Run(context.Background(), "pwd", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "/\n", res.Stdout)
}

func TestRun_CommandCannotReadMarkers(t *testing.T) {
	s := startShell(t)

	res, err := s.Run(context.Background(), "cat", 5*time.Second)
	require.NoError(t, err)
	assert.Empty(t, res.Stdout)

	res, err = s.Run(context.Background(), "echo still-here", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "still-here\n", res.Stdout)
}

func TestRun_TimeoutKillsShell(t *testing.T) {
	s := startShell(t)

	res, err := s.Run(context.Background(), "sleep 10", 200*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)
	assert.False(t, s.Alive())

	_, err = s.Run(context.Background(), "true", time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRun_CommandEndsShell(t *testing.T) {
	s := startShell(t)

	res, err := s.Run(context.Background(), "echo X; echo Y >&2; exit 3", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "X\n", res.Stdout)
	assert.Equal(t, "Y\n", res.Stderr)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.False(t, s.Alive())

	_, err = s.Run(context.Background(), "true", time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRun_ReportSurvivesShellExit(t *testing.T) {
	s := startShell(t)

	res, err := s.Run(context.Background(), `echo '{"status":"success","driver_fd":17}'; exit 137`, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, `{"status":"success","driver_fd":17}`, res.Combined())
	assert.Equal(t, 137, res.ExitCode)
}

func TestStart_DeniedEscalation(t *testing.T) {
	_, err := Start(context.Background(), Options{
		Escalation:   "false",
		StartTimeout: 2 * time.Second,
		Logger:       nopLogger(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not respond")
}

func TestStart_MissingBinary(t *testing.T) {
	_, err := Start(context.Background(), Options{
		Escalation: "/nonexistent/su",
		Logger:     nopLogger(),
	})
	require.Error(t, err)
}
