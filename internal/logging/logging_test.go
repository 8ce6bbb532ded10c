package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFromString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, slog.LevelError, levelFromString("ERROR"))
	assert.Equal(t, slog.LevelWarn, levelFromString(" warning "))
	assert.Equal(t, slog.LevelInfo, levelFromString("info"))
	assert.Equal(t, slog.LevelDebug, levelFromString(""))
	assert.Equal(t, slog.LevelDebug, levelFromString("verbose"))
}

func TestNewJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := New(&buf, "info", "json")
	logger.Debug("hidden")
	logger.With("component", "ranking").Info("cache cleared", "entries", 3)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "cache cleared", record["msg"])
	assert.Equal(t, "ranking", record["component"])
	assert.EqualValues(t, 3, record["entries"])
}

func TestNewText(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	New(&buf, "warn", "").Warn("slow query", "op", "aggregate")
	assert.Contains(t, buf.String(), "msg=\"slow query\"")
	assert.Contains(t, buf.String(), "op=aggregate")
}
