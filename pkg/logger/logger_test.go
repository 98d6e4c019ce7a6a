package logger

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScope(t *testing.T) {
	for _, scope := range []string{"retryqueue.processor", "lineage.svc", ""} {
		attr := Scope(scope)
		assert.Equal(t, "scope", attr.Key)
		assert.Equal(t, scope, attr.Value.String())
	}
}

func TestError(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"simple error", errors.New("engine unavailable")},
		{"nil error", nil},
		{"joined error", errors.Join(errors.New("outer"), errors.New("inner"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attr := Error(tt.err)
			assert.Equal(t, "error", attr.Key)
			assert.Equal(t, tt.err, attr.Value.Any())
		})
	}
}

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		level    string
		enabled  slog.Level
		disabled *slog.Level
	}{
		{level: "", enabled: slog.LevelInfo, disabled: ptr(slog.LevelDebug)},
		{level: "debug", enabled: slog.LevelDebug},
		{level: "DEBUG", enabled: slog.LevelDebug},
		{level: "warn", enabled: slog.LevelWarn, disabled: ptr(slog.LevelInfo)},
		{level: "error", enabled: slog.LevelError, disabled: ptr(slog.LevelWarn)},
		{level: "verbose", enabled: slog.LevelInfo, disabled: ptr(slog.LevelDebug)},
	}

	for _, tt := range tests {
		t.Run("level="+tt.level, func(t *testing.T) {
			t.Setenv("LOG_LEVEL", tt.level)
			t.Setenv("GO_ENV", "")

			log := NewLogger()
			require.NotNil(t, log)
			assert.True(t, log.Enabled(context.Background(), tt.enabled))
			if tt.disabled != nil {
				assert.False(t, log.Enabled(context.Background(), *tt.disabled))
			}
		})
	}
}

func TestNewLogger_ProductionJSON(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("GO_ENV", "production")

	log := NewLogger()
	require.NotNil(t, log)
	_, isJSON := log.Handler().(*slog.JSONHandler)
	assert.True(t, isJSON)
}

func TestNewZap(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("GO_ENV", "")

	z, err := NewZap()
	require.NoError(t, err)
	assert.False(t, z.Core().Enabled(-1)) // debug
	assert.True(t, z.Core().Enabled(1))   // warn
}

func ptr(l slog.Level) *slog.Level { return &l }
