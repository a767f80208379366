// Package logging adapts zap to core.ILogger. Records go to a console or
// JSON sink and are bridged to the OpenTelemetry log provider.
package logging

import (
	"fmt"
	"os"
	"strings"

	"gridmaker/internal/core"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects the level and sink of a process logger
type Options struct {
	Level string
	// Format is "console" (default) or "json"
	Format string
	// File appends records to a file instead of stdout
	File string
	// Scope names the instrumentation scope of bridged records
	Scope string
}

// ZapLogger implements core.ILogger
type ZapLogger struct {
	logger *zap.Logger
}

// New builds a logger writing to the configured sink and the OTel bridge
func New(opts Options) (*ZapLogger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	switch strings.ToLower(opts.Format) {
	case "", "console":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, fmt.Errorf("invalid log format: %s", opts.Format)
	}

	sink := zapcore.Lock(os.Stdout)
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		sink = zapcore.Lock(f)
	}

	scope := opts.Scope
	if scope == "" {
		scope = "gridmaker"
	}
	bridge := otelzap.NewCore(scope, otelzap.WithLoggerProvider(global.GetLoggerProvider()))

	tee := zapcore.NewTee(zapcore.NewCore(enc, sink, level), bridge)
	return &ZapLogger{logger: zap.New(tee, zap.AddCaller(), zap.AddCallerSkip(1))}, nil
}

// NewFromZap wraps an existing zap logger
func NewFromZap(logger *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: logger}
}

// ParseLevel accepts zap level names in any case. Empty means info.
func ParseLevel(level string) (zapcore.Level, error) {
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

// field keeps errors and decimal amounts readable in both encoders
func field(key string, value interface{}) zap.Field {
	switch v := value.(type) {
	case error:
		return zap.NamedError(key, v)
	case fmt.Stringer:
		return zap.Stringer(key, v)
	default:
		return zap.Any(key, v)
	}
}

// pairs turns alternating key/value arguments into fields. A trailing key
// without a value is dropped.
func pairs(kv []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		fields = append(fields, field(key, kv[i+1]))
	}
	return fields
}

func (l *ZapLogger) Debug(msg string, kv ...interface{}) { l.logger.Debug(msg, pairs(kv)...) }
func (l *ZapLogger) Info(msg string, kv ...interface{})  { l.logger.Info(msg, pairs(kv)...) }
func (l *ZapLogger) Warn(msg string, kv ...interface{})  { l.logger.Warn(msg, pairs(kv)...) }
func (l *ZapLogger) Error(msg string, kv ...interface{}) { l.logger.Error(msg, pairs(kv)...) }
func (l *ZapLogger) Fatal(msg string, kv ...interface{}) { l.logger.Fatal(msg, pairs(kv)...) }

func (l *ZapLogger) WithField(key string, value interface{}) core.ILogger {
	return &ZapLogger{logger: l.logger.With(field(key, value))}
}

func (l *ZapLogger) WithFields(fields map[string]interface{}) core.ILogger {
	zf := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zf = append(zf, field(k, v))
	}
	return &ZapLogger{logger: l.logger.With(zf...)}
}

// Sync flushes buffered records
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}
