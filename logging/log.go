package logging

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type loggerKey struct{}

// NewContext returns a context carrying the logger.
func NewContext(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger scoped to ctx, or a default development
// logger when none was attached.
func FromContext(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		return logger
	}
	return New(zap.DebugLevel, "", false)
}

// New creates a logger writing to stdout and, when logFileName is set, to a
// size-rotated file.
func New(level zapcore.LevelEnabler, logFileName string, json bool) *zap.Logger {
	var encoder zapcore.Encoder
	if json {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level),
	}

	if logFileName != "" {
		fileSink := zapcore.AddSync(&lumberjack.Logger{
			Filename: logFileName,
			MaxSize:  500,
			MaxAge:   28,
			Compress: true,
		})
		cores = append(cores, zapcore.NewCore(encoder, fileSink, zap.DebugLevel))
	}

	return zap.New(zapcore.NewTee(cores...))
}
