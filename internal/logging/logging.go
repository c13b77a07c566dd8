// Package logging builds the zap logger shared by all entrypoints.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a JSON production logger, or a console logger in dev mode.
func New(level string, devMode bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if devMode {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// Must is New for entrypoints, falling back to a production logger on a bad level.
func Must(level string, devMode bool) *zap.Logger {
	logger, err := New(level, devMode)
	if err == nil {
		return logger
	}
	fallback := zap.Must(zap.NewProduction())
	fallback.Warn("falling back to default logger", zap.Error(err))
	return fallback
}

// Agent returns the structured field used to tag log lines with an agent.
func Agent(id string) zap.Field {
	return zap.String("agentId", id)
}

// Source returns the structured field used to tag log lines with a drive source.
func Source(id string) zap.Field {
	return zap.String("driveSourceId", id)
}
