package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraditionalHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, slog.LevelInfo)).With("job", "j1")

	logger.Debug("hidden")
	logger.WithGroup("warp").Info("frame written", "index", 3)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[INFO] frame written [job=j1 warp.index=3]")
}

func TestProgressLoggerQuarterMarks(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, slog.LevelInfo))

	tick := ProgressLogger(logger, "estimate", 8)
	for i := 0; i < 8; i++ {
		tick()
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "percent=25")
	assert.Contains(t, lines[3], "percent=100")
}

func TestProgressLoggerSmallTotal(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, slog.LevelInfo))

	tick := ProgressLogger(logger, "warp", 1)
	tick()
	// a single item crosses every quarter at once
	assert.Equal(t, 4, strings.Count(buf.String(), "progress"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}
