// Package logging adapts the six severities the metadata store and
// garbage collector emit onto go.uber.org/zap, the logging library
// used throughout the wider service. IMPORTANT and VERBOSE have no
// direct zap level: IMPORTANT maps to Warn (it is meant to surface
// above routine Info noise without being an Error), VERBOSE maps to
// Debug carrying an explicit "verbose" field so log processors can
// still tell the two apart.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the narrow logging surface every component here depends
// on, rather than depending on *zap.Logger directly, so tests can
// swap in zaptest loggers without pulling in the rest of zap's
// construction machinery.
type Logger interface {
	Error(msg string, fields ...zap.Field)
	Important(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Verbose(msg string, fields ...zap.Field)
	Debug(msg string, fields ...zap.Field)
	Trace(msg string, fields ...zap.Field)
	Named(name string) Logger
	With(fields ...zap.Field) Logger
}

// Wrap adapts a *zap.Logger to Logger.
func Wrap(z *zap.Logger) Logger {
	return zapLogger{z: z}
}

type zapLogger struct {
	z *zap.Logger
}

func (l zapLogger) Error(msg string, fields ...zap.Field) { l.z.Error(msg, fields...) }
func (l zapLogger) Important(msg string, fields ...zap.Field) { l.z.Warn(msg, fields...) }
func (l zapLogger) Info(msg string, fields ...zap.Field) { l.z.Info(msg, fields...) }

func (l zapLogger) Verbose(msg string, fields ...zap.Field) {
	l.z.Debug(msg, append(fields, zap.Bool("verbose", true))...)
}

func (l zapLogger) Debug(msg string, fields ...zap.Field) { l.z.Debug(msg, fields...) }

// Trace rides on zap's DebugLevel; zap has no level below Debug, and
// adding a custom one would require a custom encoder throughout the
// rest of the service. TRACE stays distinguishable from VERBOSE by
// message content rather than by field, matching how sparingly the
// teacher itself reaches for sub-debug detail.
func (l zapLogger) Trace(msg string, fields ...zap.Field) {
	if ce := l.z.Check(zapcore.DebugLevel, msg); ce != nil {
		ce.Write(fields...)
	}
}

func (l zapLogger) Named(name string) Logger {
	return zapLogger{z: l.z.Named(name)}
}

func (l zapLogger) With(fields ...zap.Field) Logger {
	return zapLogger{z: l.z.With(fields...)}
}
