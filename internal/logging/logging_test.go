package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"debug", slog.LevelDebug, true},
		{"WARN", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"loud", slog.LevelInfo, false},
	}
	for _, tc := range tests {
		got, ok := ParseLevel(tc.in)
		assert.Equal(t, tc.want, got, tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
	}
}

func TestLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := Logger(&buf, true, slog.LevelWarn)
	logger.Info("hidden")
	logger.Warn("shown", "organ", "Brainstem")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"organ":"Brainstem"`)
}

func TestNewWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sctmetrics.log")
	var buf bytes.Buffer
	logger := New(&buf, Options{Level: slog.LevelInfo, File: path, MaxSizeMB: 1, MaxBackups: 1})
	logger.Info("patient scored", "patient", "1BA001")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "patient=1BA001")
	assert.Contains(t, buf.String(), "patient=1BA001")
}
