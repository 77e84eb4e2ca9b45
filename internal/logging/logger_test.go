package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew_ValidLevels(t *testing.T) {
	for _, level := range []string{"trace", "debug", "info", "warn", "error"} {
		logger, err := New(Config{Level: level, Format: "json"})
		require.NoError(t, err, "level %s", level)
		require.NotNil(t, logger)
	}
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New(Config{Level: "verbose"})
	assert.Error(t, err)
}

func TestNew_ConsoleFormat(t *testing.T) {
	logger, err := New(Config{Level: "info", Format: "console", Service: "taod-test"})
	require.NoError(t, err)
	logger.Info("console output works")
}

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"trace", TraceLevel},
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		got, err := LevelFromString(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := LevelFromString("shouting")
	assert.Error(t, err)
}

func TestTraceLevel_BelowDebug(t *testing.T) {
	assert.Less(t, TraceLevel, zapcore.DebugLevel)
}

func TestTestLogger_Observation(t *testing.T) {
	tl := NewTestLogger()

	tl.Info("engine started")
	tl.Warn("iteration cap reached")

	assert.Len(t, tl.All(), 2)
	assert.Equal(t, 1, tl.FilterMessage("engine started").Len())

	tl.AssertLogged(t, zapcore.InfoLevel, "engine started")
	tl.AssertLogged(t, zapcore.WarnLevel, "cap reached")
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "engine started")

	tl.Reset()
	assert.Empty(t, tl.All())
}

func TestSync_IgnoresStdoutErrors(t *testing.T) {
	logger, err := New(Config{Level: "info", Format: "json"})
	require.NoError(t, err)
	logger.Info("flush me")
	assert.NoError(t, Sync(logger))
}
