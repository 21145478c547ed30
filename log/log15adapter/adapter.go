// Package log15adapter provides a logger that writes to a
// gopkg.in/inconshreveable/log15.v2 Logger.
package log15adapter

import (
	"github.com/jackc/pqnb"
	log15 "gopkg.in/inconshreveable/log15.v2"
)

// Log15Logger interface defines the subset of
// gopkg.in/inconshreveable/log15.v2 that this adapter uses.
type Log15Logger interface {
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Crit(msg string, ctx ...interface{})
}

type Logger struct {
	l Log15Logger
}

func NewLogger(l Log15Logger) *Logger {
	return &Logger{l: l}
}

func (l *Logger) Log(level pqnb.LogLevel, msg string, data map[string]interface{}) {
	logArgs := make([]interface{}, 0, len(data)*2)
	for k, v := range data {
		logArgs = append(logArgs, k, v)
	}

	switch level {
	case pqnb.LogLevelTrace:
		l.l.Debug(msg, append(logArgs, "PQNB_LOG_LEVEL", level)...)
	case pqnb.LogLevelDebug:
		l.l.Debug(msg, logArgs...)
	case pqnb.LogLevelInfo:
		l.l.Info(msg, logArgs...)
	case pqnb.LogLevelWarn:
		l.l.Warn(msg, logArgs...)
	case pqnb.LogLevelError:
		l.l.Error(msg, logArgs...)
	default:
		l.l.Error(msg, append(logArgs, "INVALID_PQNB_LOG_LEVEL", level)...)
	}
}

var _ Log15Logger = log15.Root()
