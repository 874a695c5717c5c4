package logging

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel defines the logging level
type LogLevel zapcore.Level

const (
	DEBUG LogLevel = LogLevel(zapcore.DebugLevel)
	INFO  LogLevel = LogLevel(zapcore.InfoLevel)
	WARN  LogLevel = LogLevel(zapcore.WarnLevel)
	ERROR LogLevel = LogLevel(zapcore.ErrorLevel)
	FATAL LogLevel = LogLevel(zapcore.FatalLevel)
)

// InitGlobal builds the process-wide logger and installs it as the zap
// global, so packages can log through zap.S() / zap.L().
func InitGlobal(serviceName string, level LogLevel) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapcore.Level(level))
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := config.Build()
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("service", serviceName))
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// contextKey defines a type for context keys
type contextKey string

const orderIDKey contextKey = "order_id"

// WithOrderID adds order_id to context so downstream log lines carry it.
func WithOrderID(ctx context.Context, orderID string) context.Context {
	return context.WithValue(ctx, orderIDKey, orderID)
}

// For returns a sugared logger enriched with the order_id from ctx, if any.
func For(ctx context.Context) *zap.SugaredLogger {
	if id, ok := ctx.Value(orderIDKey).(string); ok {
		return zap.S().With("order_id", id)
	}
	return zap.S()
}
