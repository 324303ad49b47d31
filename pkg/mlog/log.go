// Package mlog defines the common logging interface used across the
// orchestration core and a zap-backed implementation of it.
package mlog

import (
	"context"

	"github.com/tracehq/orchestrator/pkg/mruntime"
	"go.uber.org/zap"
)

// Logger is the common interface for log implementations. Every component
// that logs depends on this interface, never on zap directly, so the
// backing implementation can be swapped without touching call sites.
type Logger interface {
	Info(args ...any)
	Infof(format string, args ...any)

	Error(args ...any)
	Errorf(format string, args ...any)

	Warn(args ...any)
	Warnf(format string, args ...any)

	Debug(args ...any)
	Debugf(format string, args ...any)

	Fatal(args ...any)
	Fatalf(format string, args ...any)

	WithFields(fields ...any) Logger

	Sync() error
}

// ZapLogger is the zap-backed implementation of Logger.
type ZapLogger struct {
	s *zap.SugaredLogger
}

// NewZapLogger builds a production zap logger wrapped as a Logger.
func NewZapLogger() (*ZapLogger, error) {
	z, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}

	return &ZapLogger{s: z.Sugar()}, nil
}

// NewNopLogger returns a Logger that discards everything, used in tests.
func NewNopLogger() *ZapLogger {
	return &ZapLogger{s: zap.NewNop().Sugar()}
}

func (l *ZapLogger) Info(args ...any)                  { l.s.Info(args...) }
func (l *ZapLogger) Infof(format string, args ...any)   { l.s.Infof(format, args...) }
func (l *ZapLogger) Error(args ...any)                  { l.s.Error(args...) }
func (l *ZapLogger) Errorf(format string, args ...any)  { l.s.Errorf(format, args...) }
func (l *ZapLogger) Warn(args ...any)                   { l.s.Warn(args...) }
func (l *ZapLogger) Warnf(format string, args ...any)   { l.s.Warnf(format, args...) }
func (l *ZapLogger) Debug(args ...any)                  { l.s.Debug(args...) }
func (l *ZapLogger) Debugf(format string, args ...any)  { l.s.Debugf(format, args...) }
func (l *ZapLogger) Fatal(args ...any)                  { l.s.Fatal(args...) }
func (l *ZapLogger) Fatalf(format string, args ...any)  { l.s.Fatalf(format, args...) }

// WithFields adds structured context to the logger. It returns a new
// logger and leaves the original unchanged.
func (l *ZapLogger) WithFields(fields ...any) Logger {
	return &ZapLogger{s: l.s.With(fields...)}
}

// Sync flushes any buffered log entries.
func (l *ZapLogger) Sync() error {
	return l.s.Sync()
}

type loggerContextKey struct{}

// ContextWithLogger returns a context carrying the given Logger.
func ContextWithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

// FromContext extracts the Logger from ctx, falling back to a no-op logger
// if none was set.
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(loggerContextKey{}).(Logger); ok {
		return logger
	}

	return NewNopLogger()
}

// runtimeAdapter adapts a Logger to the narrower mruntime.Logger interface
// consumed by SafeGo/SafeGoWithContext.
type runtimeAdapter struct {
	l Logger
}

func (a runtimeAdapter) Errorf(format string, args ...any) { a.l.Errorf(format, args...) }

func (a runtimeAdapter) WithFields(fields ...any) mruntime.Logger {
	return runtimeAdapter{l: a.l.WithFields(fields...)}
}

// AsRuntimeLogger adapts a Logger for use with pkg/mruntime's SafeGo family.
func AsRuntimeLogger(l Logger) mruntime.Logger {
	return runtimeAdapter{l: l}
}
