// Package logging wraps zap with the fabric's request-scoped context
// fields, modeled on the teacher's internal/v1/logging package: a
// package-level logger built once, and a handful of functions that pull
// well-known identifiers out of a context.Context before logging.
package logging

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	once   sync.Once
)

type contextKey string

const (
	ConnectionIDKey contextKey = "connection_id"
	UserIDKey       contextKey = "user_id"
	NamespaceKey    contextKey = "namespace"
	RoomKey         contextKey = "room"
	InstanceIDKey   contextKey = "instance_id"
)

// Initialize sets up the global logger. development selects a
// human-readable console encoder; otherwise a production JSON encoder is
// used.
func Initialize(development bool) error {
	var err error
	once.Do(func() {
		var cfg zap.Config
		if development {
			cfg = zap.NewDevelopmentConfig()
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			cfg = zap.NewProductionConfig()
			cfg.EncoderConfig.TimeKey = "timestamp"
			cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		}
		cfg.OutputPaths = []string{"stdout"}
		cfg.ErrorOutputPaths = []string{"stderr"}
		logger, err = cfg.Build(zap.AddCallerSkip(1))
	})
	return err
}

// L returns the global logger, building a development fallback if
// Initialize was never called (e.g. in unit tests).
func L() *zap.Logger {
	if logger == nil {
		l, _ := zap.NewDevelopment()
		return l
	}
	return logger
}

func WithContext(ctx context.Context, fields ...zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}
	if v, ok := ctx.Value(ConnectionIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("connection_id", v))
	}
	if v, ok := ctx.Value(UserIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("user_id", v))
	}
	if v, ok := ctx.Value(NamespaceKey).(string); ok && v != "" {
		fields = append(fields, zap.String("namespace", v))
	}
	if v, ok := ctx.Value(RoomKey).(string); ok && v != "" {
		fields = append(fields, zap.String("room", v))
	}
	if v, ok := ctx.Value(InstanceIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("instance_id", v))
	}
	return fields
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	L().Info(msg, WithContext(ctx, fields...)...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	L().Warn(msg, WithContext(ctx, fields...)...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	L().Error(msg, WithContext(ctx, fields...)...)
}

func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	L().Fatal(msg, WithContext(ctx, fields...)...)
}
