package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" INFO ":  slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"chatty":  slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := WithComponent(NewLogger(&buf, "info", "json"), "bootstrap")

	logger.Debug("hidden")
	logger.Info("driver installed", slog.Int("driver_fd", 17))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "driver installed", entry["msg"])
	assert.Equal(t, "bootstrap", entry["component"])
	assert.Equal(t, float64(17), entry["driver_fd"])

	source, ok := entry["source"].(map[string]any)
	require.True(t, ok)
	file, _ := source["file"].(string)
	assert.True(t, strings.HasPrefix(file, "internal/"), file)
	assert.True(t, strings.HasSuffix(file, "logging/logging_test.go"), file)
}

func TestNewLogger_Text(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, "debug", "text").Debug("probe output", slog.String("output", "x"))
	assert.Contains(t, buf.String(), "msg=\"probe output\"")
	assert.Contains(t, buf.String(), "output=x")
}
