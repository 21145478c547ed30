// Package zerologadapter provides a logger that writes to a
// github.com/rs/zerolog.
package zerologadapter

import (
	"github.com/jackc/pqnb"
	"github.com/rs/zerolog"
)

type Logger struct {
	logger zerolog.Logger
}

// NewLogger accepts a zerolog.Logger as input and returns a new custom pqnb
// logging facade as output.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{
		logger: logger.With().Str("module", "pqnb").Logger(),
	}
}

func (pl *Logger) Log(level pqnb.LogLevel, msg string, data map[string]interface{}) {
	var zlevel zerolog.Level
	switch level {
	case pqnb.LogLevelNone:
		zlevel = zerolog.NoLevel
	case pqnb.LogLevelError:
		zlevel = zerolog.ErrorLevel
	case pqnb.LogLevelWarn:
		zlevel = zerolog.WarnLevel
	case pqnb.LogLevelInfo:
		zlevel = zerolog.InfoLevel
	default:
		zlevel = zerolog.DebugLevel
	}

	pl.logger.WithLevel(zlevel).Fields(data).Msg(msg)
}
