package logger

import (
	"bytes"
	"io"
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
		{" warning ", slog.LevelWarn},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "ParseLevel(%q)", tt.in)
	}
}

func TestSetLevelRoundTrip(t *testing.T) {
	defer SetLevel("info")

	SetLevel("error")
	assert.Equal(t, "error", GetLevel())
	SetLevel("debug")
	assert.Equal(t, "debug", GetLevel())
}

func TestLineHandlerFormat(t *testing.T) {
	defer SetLevel("info")
	SetLevel("debug")

	var buf bytes.Buffer
	log := slog.New(newLineHandler(map[io.Writer]slog.Level{&buf: slog.LevelDebug}))
	log.With("session_id", "s1").Info("[Registry] Created", "channel_id", "c1")

	line := buf.String()
	require.True(t, strings.HasSuffix(line, "\n"))
	assert.Contains(t, line, "[INFO] [Registry] Created")
	assert.Contains(t, line, "session_id=s1")
	assert.Contains(t, line, "channel_id=c1")
}

func TestLineHandlerPerOutputLevels(t *testing.T) {
	defer SetLevel("info")
	SetLevel("debug")

	var verbose, quiet bytes.Buffer
	log := slog.New(newLineHandler(map[io.Writer]slog.Level{
		&verbose: slog.LevelDebug,
		&quiet:   slog.LevelWarn,
	}))

	log.Debug("detail")
	log.Warn("problem")

	assert.Contains(t, verbose.String(), "detail")
	assert.Contains(t, verbose.String(), "problem")
	assert.NotContains(t, quiet.String(), "detail")
	assert.Contains(t, quiet.String(), "problem")
}

func TestGlobalLevelFilters(t *testing.T) {
	defer SetLevel("info")
	SetLevel("warn")

	var buf bytes.Buffer
	log := slog.New(newLineHandler(map[io.Writer]slog.Level{&buf: slog.LevelDebug}))
	log.Info("hidden")
	assert.Empty(t, buf.String())
}
