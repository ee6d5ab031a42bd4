package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ZapLogger struct {
	log *zap.Logger
}

func parseLevel(level string) zap.AtomicLevel {
	switch level {
	case "debug":
		return zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "warn":
		return zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		return zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
}

// NewZapLogger builds a JSON logger suitable for services.
func NewZapLogger(level string) *ZapLogger {
	cfg := zap.NewProductionConfig()
	cfg.Level = parseLevel(level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	log, err := cfg.Build()
	if err != nil {
		log = zap.NewNop()
	}
	return &ZapLogger{log: log.Named("x402pay")}
}

// NewZapDevelopmentLogger builds a console logger for the example binaries.
func NewZapDevelopmentLogger(level string) *ZapLogger {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = parseLevel(level)

	log, err := cfg.Build()
	if err != nil {
		log = zap.NewNop()
	}
	return &ZapLogger{log: log}
}

// NewZapLoggerFrom wraps an existing zap logger.
func NewZapLoggerFrom(log *zap.Logger) *ZapLogger {
	return &ZapLogger{log: log}
}

func (z *ZapLogger) Debug(msg string, fields map[string]any) {
	z.log.Debug(msg, toZapFields(fields)...)
}

func (z *ZapLogger) Info(msg string, fields map[string]any) {
	z.log.Info(msg, toZapFields(fields)...)
}

func (z *ZapLogger) Warn(msg string, fields map[string]any) {
	z.log.Warn(msg, toZapFields(fields)...)
}

func (z *ZapLogger) Error(msg string, fields map[string]any) {
	z.log.Error(msg, toZapFields(fields)...)
}

// Sync flushes buffered entries.
func (z *ZapLogger) Sync() error {
	return z.log.Sync()
}

func toZapFields(m map[string]any) []zap.Field {
	fields := make([]zap.Field, 0, len(m))
	for k, v := range m {
		if err, ok := v.(error); ok {
			fields = append(fields, zap.NamedError(k, err))
			continue
		}
		fields = append(fields, zap.Any(k, v))
	}
	return fields
}
