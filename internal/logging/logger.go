// Package logging provides zap logger helpers.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger configured for development or production. Every
// entry is also appended to each of files, e.g. the run's crawl.log.
func New(development bool, files ...string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.DisableStacktrace = !development
	cfg.OutputPaths = append(cfg.OutputPaths, files...)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// ForRun tags every entry with the run identifier and mode.
func ForRun(logger *zap.Logger, runID, mode string) *zap.Logger {
	return logger.With(zap.String("run_id", runID), zap.String("mode", mode))
}
