package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogger(t *testing.T, level slog.Level) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	prev := L()
	Configure(Config{Level: level, Format: "json", Writer: buf})
	t.Cleanup(func() { SetLogger(prev) })
	return buf
}

func TestContextLogging(t *testing.T) {
	buf := captureLogger(t, slog.LevelInfo)

	ctx := context.Background()
	ctx = WithContextValue(ctx, ConnectionIDKey, "conn-1")
	ctx = WithContextValue(ctx, RequestIDKey, "req-9")

	InfoContext(ctx, "connection built", "persistent", true)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "connection built", entry["msg"])
	assert.Equal(t, "conn-1", entry["connection_id"])
	assert.Equal(t, "req-9", entry["request_id"])
	assert.Equal(t, true, entry["persistent"])
	assert.NotContains(t, entry, "statement_id")
}

func TestTraceLevelName(t *testing.T) {
	buf := captureLogger(t, LevelTrace)

	L().Log(context.Background(), LevelTrace, "enter")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "TRACE", entry["level"])
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"trace", LevelTrace, true},
		{"DEBUG", slog.LevelDebug, true},
		{"warn", slog.LevelWarn, true},
		{"4", slog.Level(4), true},
		{"loud", slog.LevelInfo, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestExtractContextValuesNil(t *testing.T) {
	assert.Nil(t, ExtractContextValues(nil))
}
