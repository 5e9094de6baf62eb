// Package logging wraps zap behind core.ILogger and tees records into the
// OpenTelemetry log pipeline.
package logging

import (
	"fmt"
	"os"
	"strings"

	"gridbot/internal/core"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type zapLogger struct {
	l *zap.Logger
}

// NewZapLogger builds a console logger at the given level ("DEBUG".."FATAL",
// anything else falls back to INFO) bridged into the global OTel provider.
func NewZapLogger(level string) (core.ILogger, error) {
	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder

	console := zapcore.NewCore(
		zapcore.NewConsoleEncoder(enc),
		zapcore.AddSync(os.Stdout),
		parseLevel(level),
	)
	otelCore := otelzap.NewCore("gridbot",
		otelzap.WithLoggerProvider(global.GetLoggerProvider()))

	z := zap.New(zapcore.NewTee(console, otelCore),
		zap.AddCaller(), zap.AddCallerSkip(1))
	return &zapLogger{l: z}, nil
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return zap.DebugLevel
	case "WARN":
		return zap.WarnLevel
	case "ERROR":
		return zap.ErrorLevel
	case "FATAL":
		return zap.FatalLevel
	default:
		return zap.InfoLevel
	}
}

// kv pairs up the variadic key/value arguments; a trailing odd value is
// dropped, a non-string key is stringified.
func kv(fields []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", fields[i])
		}
		out = append(out, zap.Any(key, fields[i+1]))
	}
	return out
}

func (z *zapLogger) Debug(msg string, fields ...interface{}) { z.l.Debug(msg, kv(fields)...) }
func (z *zapLogger) Info(msg string, fields ...interface{})  { z.l.Info(msg, kv(fields)...) }
func (z *zapLogger) Warn(msg string, fields ...interface{})  { z.l.Warn(msg, kv(fields)...) }
func (z *zapLogger) Error(msg string, fields ...interface{}) { z.l.Error(msg, kv(fields)...) }
func (z *zapLogger) Fatal(msg string, fields ...interface{}) { z.l.Fatal(msg, kv(fields)...) }

func (z *zapLogger) WithField(key string, value interface{}) core.ILogger {
	return &zapLogger{l: z.l.With(zap.Any(key, value))}
}

func (z *zapLogger) WithFields(fields map[string]interface{}) core.ILogger {
	zf := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	return &zapLogger{l: z.l.With(zf...)}
}

// Sync flushes buffered entries.
func (z *zapLogger) Sync() error { return z.l.Sync() }

var globalLogger core.ILogger

func init() {
	globalLogger, _ = NewZapLogger("INFO")
}

// SetGlobalLogger replaces the process-wide logger used by packages without
// an injected one.
func SetGlobalLogger(l core.ILogger) { globalLogger = l }

// GetGlobalLogger returns the process-wide logger.
func GetGlobalLogger() core.ILogger { return globalLogger }
