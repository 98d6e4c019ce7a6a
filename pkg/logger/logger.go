// Package logger builds the process-wide slog logger and a few attribute helpers
// used by every package for consistent log fields.
package logger

import (
	"log/slog"
	"os"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides *slog.Logger and *zap.Logger to the fx graph.
var Module = fx.Module("logger",
	fx.Provide(
		NewLogger,
		NewZap,
	),
)

// NewLogger creates the root logger.
// LOG_LEVEL selects the level (debug, info, warn, error; default info).
// GO_ENV=production switches to JSON output.
func NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(os.Getenv("LOG_LEVEL"))}

	var handler slog.Handler
	if os.Getenv("GO_ENV") == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}

// NewZap creates the zap logger used by goose migrations.
func NewZap() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if os.Getenv("GO_ENV") != "production" {
		cfg = zap.NewDevelopmentConfig()
	}
	lvl := zap.InfoLevel
	switch parseLevel(os.Getenv("LOG_LEVEL")) {
	case slog.LevelDebug:
		lvl = zap.DebugLevel
	case slog.LevelWarn:
		lvl = zap.WarnLevel
	case slog.LevelError:
		lvl = zap.ErrorLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Scope tags a logger with the component that owns it.
func Scope(name string) slog.Attr {
	return slog.String("scope", name)
}

// Error wraps an error as a log attribute.
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}
