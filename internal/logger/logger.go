// Package logger wraps the zap logger used across the service.
package logger

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger holds the process-wide zap logger.
type Logger struct {
	// Log is a no-op logger until Init succeeds.
	Log *zap.Logger
}

// New returns a Logger backed by a no-op zap logger.
func New() *Logger {
	return &Logger{Log: zap.NewNop()}
}

// Init builds a JSON production logger at the given level ("debug", "info",
// "warn", "error"). Timestamps are rendered in loc, or local time when loc is nil.
func (l *Logger) Init(level string, loc *time.Location) error {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	cfg.EncoderConfig.EncodeTime = timeEncoder(loc)

	zl, err := cfg.Build()
	if err != nil {
		return err
	}
	l.Log = zl
	return nil
}

func timeEncoder(loc *time.Location) zapcore.TimeEncoder {
	return func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		if loc != nil {
			t = t.In(loc)
		}
		zapcore.ISO8601TimeEncoder(t, enc)
	}
}
