// Package kitlogadapter provides a logger that writes to a
// github.com/go-kit/log Logger.
package kitlogadapter

import (
	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/jackc/pqnb"
)

type Logger struct {
	l kitlog.Logger
}

func NewLogger(l kitlog.Logger) *Logger {
	return &Logger{l: l}
}

func (l *Logger) Log(logLevel pqnb.LogLevel, msg string, data map[string]interface{}) {
	logger := l.l

	switch logLevel {
	case pqnb.LogLevelTrace:
		logger = level.Debug(logger)
		logger = kitlog.With(logger, "PQNB_LOG_LEVEL", logLevel)
	case pqnb.LogLevelDebug:
		logger = level.Debug(logger)
	case pqnb.LogLevelInfo:
		logger = level.Info(logger)
	case pqnb.LogLevelWarn:
		logger = level.Warn(logger)
	case pqnb.LogLevelError:
		logger = level.Error(logger)
	}

	logArgs := make([]interface{}, 0, 2+len(data)*2)
	logArgs = append(logArgs, "msg", msg)
	for k, v := range data {
		logArgs = append(logArgs, k, v)
	}
	logger.Log(logArgs...)
}
