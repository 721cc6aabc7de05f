package logger

import (
	"context"
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"signalPilot/internal/ports"
)

// ZapLogger implements ports.Logger on top of a zap.Logger.
type ZapLogger struct {
	z *zap.Logger
}

// NewZapLogger builds a production JSON zap logger at the given level.
func NewZapLogger(level LogLevel, service string) (*ZapLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel(level))
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &ZapLogger{z: z.With(zap.String("service", service))}, nil
}

// NewZapLoggerFrom wraps an existing zap logger.
func NewZapLoggerFrom(z *zap.Logger) *ZapLogger {
	return &ZapLogger{z: z}
}

func zapLevel(level LogLevel) zapcore.Level {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func zapFields(fields []ports.Fields) []zap.Field {
	if len(fields) == 0 || len(fields[0]) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields[0]))
	for k := range fields[0] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zap.Any(k, fields[0][k]))
	}
	return out
}

// Debug logs a message at Debug level.
func (l *ZapLogger) Debug(_ context.Context, msg string, fields ...ports.Fields) {
	l.z.Debug(msg, zapFields(fields)...)
}

// Info logs a message at Info level.
func (l *ZapLogger) Info(_ context.Context, msg string, fields ...ports.Fields) {
	l.z.Info(msg, zapFields(fields)...)
}

// Warn logs a message at Warning level.
func (l *ZapLogger) Warn(_ context.Context, msg string, fields ...ports.Fields) {
	l.z.Warn(msg, zapFields(fields)...)
}

// Error logs an error message at Error level.
func (l *ZapLogger) Error(_ context.Context, err error, msg string, fields ...ports.Fields) {
	l.z.Error(msg, append(zapFields(fields), zap.Error(err))...)
}

// Sync flushes buffered log entries.
func (l *ZapLogger) Sync() error {
	return l.z.Sync()
}
