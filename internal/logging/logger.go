// Package logging builds the process zap logger.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a console logger when development is set and a JSON logger
// otherwise. The JSON field names match what Cloud Logging expects, so
// severity and message survive ingestion from Cloud Run or GKE. level, when
// non-empty, replaces the preset minimum level.
func New(development bool, level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg.EncoderConfig.LevelKey = "severity"
		cfg.EncoderConfig.MessageKey = "message"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
		// Keep every per-fetch line.
		cfg.Sampling = nil
	}
	cfg.EncoderConfig.TimeKey = "time"

	if lvl, ok, err := parseLevel(level); err != nil {
		return nil, err
	} else if ok {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

func parseLevel(s string) (zapcore.Level, bool, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return zapcore.InfoLevel, false, nil
	case "warning":
		s = "warn"
	}
	lvl, err := zapcore.ParseLevel(s)
	if err != nil {
		return lvl, false, fmt.Errorf("logging.level: %w", err)
	}
	return lvl, true, nil
}
