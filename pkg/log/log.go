// Package log builds the structured zap loggers used by dispatchd components.
//
// Components receive a named child of the process logger:
//
//	logger, _ := log.New(log.Config{Level: "info", Format: "text"})
//	d := dispatch.New(store, opts, logger.Named("dispatch"))
package log

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls the process logger.
type Config struct {
	Level  string // debug|info|warn|error (default info)
	Format string // text|json (default text)
}

// ParseLevel maps a level name to a zap level. Empty input means info.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("log: unknown level %q", s)
	}
}

// New constructs a logger from cfg.
func New(cfg Config) (*zap.Logger, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.DisableStacktrace = true
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "text":
		zc.Encoding = "console"
		enc := zap.NewDevelopmentEncoderConfig()
		enc.EncodeLevel = zapcore.CapitalLevelEncoder
		zc.EncoderConfig = enc
	case "json":
		zc.Encoding = "json"
	default:
		return nil, fmt.Errorf("log: unknown format %q", cfg.Format)
	}
	return zc.Build()
}
