package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(&Config{Level: zapcore.DebugLevel, Format: "json"})
	require.NoError(t, err)
	assert.True(t, logger.Enabled(zapcore.DebugLevel))
	assert.False(t, logger.Enabled(TraceLevel))
}

func TestNewLoggerNilConfig(t *testing.T) {
	logger, err := NewLogger(nil)
	require.NoError(t, err)
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
}

func TestNewLoggerInvalidFormat(t *testing.T) {
	_, err := NewLogger(&Config{Level: zapcore.InfoLevel, Format: "yaml"})
	assert.Error(t, err)
}

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		input   string
		want    zapcore.Level
		wantErr bool
	}{
		{"trace", TraceLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"info", zapcore.InfoLevel, false},
		{"warn", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"verbose", zapcore.InfoLevel, true},
		{"", zapcore.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := LevelFromString(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestContextFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ContextFields(ctx))

	ctx = ContextWithOwnerID(ctx, "user-42")
	ctx = ContextWithRequestID(ctx, "req-abc")

	fields := ContextFields(ctx)
	assert.Contains(t, fields, zap.String("owner.id", "user-42"))
	assert.Contains(t, fields, zap.String("request.id", "req-abc"))
}

func TestOwnerIDFromContext(t *testing.T) {
	assert.Equal(t, "", OwnerIDFromContext(context.Background()))

	ctx := ContextWithOwnerID(context.Background(), "user-1")
	assert.Equal(t, "user-1", OwnerIDFromContext(ctx))
}

func TestNamedAndWith(t *testing.T) {
	logger := NewNop()
	child := logger.Named("ledger").With(zap.String("db", "test"))
	require.NotNil(t, child)
	// Child loggers must not panic when used with a background context.
	child.Info(context.Background(), "hello")
}
