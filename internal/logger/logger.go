// Package logger builds the process-wide zap logger.
package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a development logger for local runs and a JSON production
// logger otherwise, and installs it as the zap global.
func New(env, level string) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	lvl, lvlErr := parseLevel(level)
	if lvlErr != nil {
		return nil, lvlErr
	}
	if IsLocal(env) {
		config := zap.NewDevelopmentConfig()
		config.Level = zap.NewAtomicLevelAt(lvl)
		logger, err = config.Build()
	} else {
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(lvl)
		config.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
		logger, err = config.Build(
			zap.AddCaller(),
			zap.AddStacktrace(zap.ErrorLevel),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to construct logger: %w", err)
	}
	_ = zap.ReplaceGlobals(logger)
	return logger, nil
}

func IsLocal(env string) bool {
	env = strings.TrimSpace(env)
	return env == "" || strings.EqualFold(env, "local") || strings.EqualFold(env, "dev")
}

func parseLevel(level string) (zapcore.Level, error) {
	level = strings.TrimSpace(level)
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return lvl, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return lvl, nil
}
