package logging

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", DEBUG.String())
	assert.Equal(t, "INFO", INFO.String())
	assert.Equal(t, "WARN", WARN.String())
	assert.Equal(t, "ERROR", ERROR.String())
	assert.Equal(t, "UNKNOWN", Level(42).String())
}

func TestFieldConstructors(t *testing.T) {
	assert.Equal(t, Field{Key: "s", Value: "v"}, String("s", "v"))
	assert.Equal(t, Field{Key: "i", Value: 7}, Int("i", 7))
	assert.Equal(t, Field{Key: "i64", Value: int64(7)}, Int64("i64", 7))
	assert.Equal(t, Field{Key: "f", Value: 1.5}, Float64("f", 1.5))
	assert.Equal(t, Field{Key: "b", Value: true}, Bool("b", true))
	assert.Equal(t, Field{Key: "error", Value: "boom"}, Error(errors.New("boom")))
	assert.Equal(t, Field{Key: "d", Value: "1s"}, Duration("d", time.Second))
}

func TestNopLogger(t *testing.T) {
	logger := NewNop()
	logger.Debug("ignored")
	logger.Info("ignored", String("k", "v"))
	logger.Warn("ignored")
	logger.Error("ignored")
	assert.NotNil(t, logger.WithFields(String("k", "v")))
}

// readEntries decodes the JSON log lines written to path.
func readEntries(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var entries []map[string]any
	for _, line := range splitLines(data) {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(line, &entry))
		entries = append(entries, entry)
	}
	return entries
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

func TestZapLoggerWritesStructuredEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	logger := NewZapLogger(WithLevel(INFO), WithOutputPaths(path))

	logger.Debug("below threshold")
	logger.Info("candles written", Int64("rows", 42), String("pair", "BTC/USDT"))
	if zl, ok := logger.(*ZapLogger); ok {
		_ = zl.Close()
	}

	entries := readEntries(t, path)
	require.Len(t, entries, 1)
	assert.Equal(t, "candles written", entries[0]["msg"])
	assert.Equal(t, float64(42), entries[0]["rows"])
	assert.Equal(t, "BTC/USDT", entries[0]["pair"])
}

func TestZapLoggerWithFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	logger := NewZapLogger(WithLevel(INFO), WithOutputPaths(path))

	bound := logger.WithFields(String("pair", "ETH/USDT"), String("timeframe", "1h"))
	bound.Info("batch fetched", Int("count", 3))
	logger.Info("unbound entry")
	if zl, ok := logger.(*ZapLogger); ok {
		_ = zl.Close()
	}

	entries := readEntries(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, "ETH/USDT", entries[0]["pair"])
	assert.Equal(t, "1h", entries[0]["timeframe"])
	assert.Equal(t, float64(3), entries[0]["count"])
	_, hasPair := entries[1]["pair"]
	assert.False(t, hasPair, "bound fields must not leak to the parent logger")
}
