// Package zapadapter provides a logger that writes to a go.uber.org/zap.Logger.
package zapadapter

import (
	"github.com/jackc/pqnb"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger struct {
	logger *zap.Logger
}

func NewLogger(logger *zap.Logger) *Logger {
	return &Logger{logger: logger.WithOptions(zap.AddCallerSkip(1))}
}

func (pl *Logger) Log(level pqnb.LogLevel, msg string, data map[string]interface{}) {
	fields := make([]zapcore.Field, 0, len(data))
	for k, v := range data {
		fields = append(fields, zap.Any(k, v))
	}

	switch level {
	case pqnb.LogLevelTrace:
		pl.logger.Debug(msg, append(fields, zap.Stringer("PQNB_LOG_LEVEL", level))...)
	case pqnb.LogLevelDebug:
		pl.logger.Debug(msg, fields...)
	case pqnb.LogLevelInfo:
		pl.logger.Info(msg, fields...)
	case pqnb.LogLevelWarn:
		pl.logger.Warn(msg, fields...)
	case pqnb.LogLevelError:
		pl.logger.Error(msg, fields...)
	default:
		pl.logger.Error(msg, append(fields, zap.Stringer("INVALID_PQNB_LOG_LEVEL", level))...)
	}
}
