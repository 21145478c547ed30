// Package logrusadapter provides a logger that writes to a
// github.com/sirupsen/logrus.Logger log.
package logrusadapter

import (
	"github.com/jackc/pqnb"
	"github.com/sirupsen/logrus"
)

type Logger struct {
	l logrus.FieldLogger
}

func NewLogger(l logrus.FieldLogger) *Logger {
	return &Logger{l: l}
}

func (l *Logger) Log(level pqnb.LogLevel, msg string, data map[string]interface{}) {
	var logger logrus.FieldLogger
	if data != nil {
		logger = l.l.WithFields(data)
	} else {
		logger = l.l
	}

	switch level {
	case pqnb.LogLevelTrace:
		logger.WithField("PQNB_LOG_LEVEL", level).Debug(msg)
	case pqnb.LogLevelDebug:
		logger.Debug(msg)
	case pqnb.LogLevelInfo:
		logger.Info(msg)
	case pqnb.LogLevelWarn:
		logger.Warn(msg)
	case pqnb.LogLevelError:
		logger.Error(msg)
	default:
		logger.WithField("INVALID_PQNB_LOG_LEVEL", level).Error(msg)
	}
}
