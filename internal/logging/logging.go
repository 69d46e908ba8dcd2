// Package logging builds the structured logger the long-lived daemon
// components use. The CLI layer keeps the teacher's plain
// fmt.Fprintf(os.Stderr, ...) texture for one-shot human-facing output;
// logging.New is for Supervisor, Reconciler, Event Dispatcher and friends,
// which emit into log aggregation rather than a terminal.
package logging

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls the logger's level and encoding.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, console
}

// New builds a zap.Logger from Config, defaulting to info/json.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, err
		}
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if cfg.Format == "console" {
		zcfg.Encoding = "console"
		zcfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	return zcfg.Build()
}

// AsLogr bridges a zap logger to logr.Logger for code that accepts the
// vendor-neutral interface. No bosun package calls it: the taskboard
// client and the SDK slot rotator take a *zap.Logger directly.
func AsLogr(z *zap.Logger) logr.Logger {
	return zapr.NewLogger(z)
}
