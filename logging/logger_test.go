package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var (
	_ Logger = NoOpLogger{}
	_ Logger = (*SlogAdapter)(nil)
	_ Logger = (*FlowLogger)(nil)
	_ Logger = (*ZapAdapter)(nil)
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"", LogLevelInfo},
		{"debug", LogLevelDebug},
		{" INFO ", LogLevelInfo},
		{"warning", LogLevelWarn},
		{"error", LogLevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestFlowLogger_ContextAndLevel(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(&LoggerConfig{Level: LogLevelInfo, Format: "json", Output: &buf})
	l := base.WithComponent("engine").WithSession("s1").WithContext("run", 7)

	l.Debug("hidden")
	l.Info("session completed", "progress", 100)
	base.Warn("plain")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "session completed", lines[0]["msg"])
	assert.Equal(t, "engine", lines[0]["component"])
	assert.Equal(t, "s1", lines[0]["session_id"])
	assert.EqualValues(t, 7, lines[0]["run"])
	assert.EqualValues(t, 100, lines[0]["progress"])

	// With* returns copies; the base logger stays bare.
	assert.Equal(t, "plain", lines[1]["msg"])
	assert.NotContains(t, lines[1], "component")
	assert.NotContains(t, lines[1], "run")
}

func TestFlowLogger_LLMCall(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LoggerConfig{Level: LogLevelDebug, Format: "json", Output: &buf})

	l.LogLLMCall("mock", 12, time.Millisecond, true, nil)
	l.LogLLMCall("mock", 0, time.Millisecond, false, errors.New("quota"))
	l.ErrorWithStack(errors.New("boom"), "execution panicked")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 3)
	assert.Equal(t, "LLM call completed", lines[0]["msg"])
	assert.Equal(t, "INFO", lines[0]["level"])
	assert.Equal(t, "LLM call failed", lines[1]["msg"])
	assert.Equal(t, "quota", lines[1]["error"])
	assert.Equal(t, "boom", lines[2]["error"])
	assert.Contains(t, lines[2]["stack_trace"], "goroutine")
}

func TestFlowLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LoggerConfig{Level: LogLevelInfo, Format: "text", Output: &buf}).WithComponent("bus")
	l.Info("message sent", "to", "w1")
	out := buf.String()
	assert.Contains(t, out, `msg="message sent"`)
	assert.Contains(t, out, "component=bus")
	assert.Contains(t, out, "to=w1")
}

func TestZapAdapter(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	z := NewZapAdapter(zap.New(core))

	z.Debug("hidden")
	z.Info("session activated", "session_id", "s1")
	z.Warn("slow", "ms", 1500)
	z.Error("failed", "error", "boom")

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "session activated", entries[0].Message)
	assert.Equal(t, "s1", entries[0].ContextMap()["session_id"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)

	assert.NotPanics(t, func() { NewZapAdapter(nil).Info("nop") })

	built, err := NewZapLogger(LogLevelWarn)
	require.NoError(t, err)
	assert.NotNil(t, built)
}
