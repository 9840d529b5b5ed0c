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
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.in))
		})
	}
}

func TestModuleAddsAttribute(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithFormat("info", "json", &buf).Module("booking")
	logger.Info("slot tried", "slot", "09:00")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "booking", entry["module"])
	assert.Equal(t, "09:00", entry["slot"])
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	NewWithFormat("debug", "text", &buf).Debug("hello", "k", "v")
	assert.True(t, strings.Contains(buf.String(), "k=v"), buf.String())
}

func TestLevelFiltersBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	NewWithFormat("warn", "json", &buf).Info("hidden")
	assert.Empty(t, buf.String())
}
