package ice

import (
	"github.com/pion/logging"
	"github.com/rs/zerolog"
)

// LoggerFactory routes pion's internal logging through zerolog.
type LoggerFactory struct {
	Logger zerolog.Logger
}

func (f LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return leveled{f.Logger.With().Str("scope", scope).Logger()}
}

type leveled struct {
	l zerolog.Logger
}

func (l leveled) Trace(msg string) { l.l.Trace().Msg(msg) }

func (l leveled) Tracef(format string, args ...interface{}) {
	l.l.Trace().Msgf(format, args...)
}

func (l leveled) Debug(msg string) { l.l.Debug().Msg(msg) }

func (l leveled) Debugf(format string, args ...interface{}) {
	l.l.Debug().Msgf(format, args...)
}

func (l leveled) Info(msg string) { l.l.Info().Msg(msg) }

func (l leveled) Infof(format string, args ...interface{}) {
	l.l.Info().Msgf(format, args...)
}

func (l leveled) Warn(msg string) { l.l.Warn().Msg(msg) }

func (l leveled) Warnf(format string, args ...interface{}) {
	l.l.Warn().Msgf(format, args...)
}

func (l leveled) Error(msg string) { l.l.Error().Msg(msg) }

func (l leveled) Errorf(format string, args ...interface{}) {
	l.l.Error().Msgf(format, args...)
}
