package pion

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// loggerFactory routes pion's internal logging into zerolog. Pion is
// chatty, so everything below warn is demoted one level.
type loggerFactory struct{}

func (loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	l := log.With().Str("module", "pion").Str("scope", scope).Logger()
	return &scopedLogger{l: l}
}

type scopedLogger struct {
	l zerolog.Logger
}

var _ logging.LeveledLogger = (*scopedLogger)(nil)

func (s *scopedLogger) Trace(msg string)                          { s.l.Trace().Msg(msg) }
func (s *scopedLogger) Tracef(format string, args ...interface{}) { s.l.Trace().Msg(fmt.Sprintf(format, args...)) }
func (s *scopedLogger) Debug(msg string)                          { s.l.Trace().Msg(msg) }
func (s *scopedLogger) Debugf(format string, args ...interface{}) { s.l.Trace().Msg(fmt.Sprintf(format, args...)) }
func (s *scopedLogger) Info(msg string)                           { s.l.Debug().Msg(msg) }
func (s *scopedLogger) Infof(format string, args ...interface{})  { s.l.Debug().Msg(fmt.Sprintf(format, args...)) }
func (s *scopedLogger) Warn(msg string)                           { s.l.Warn().Msg(msg) }
func (s *scopedLogger) Warnf(format string, args ...interface{})  { s.l.Warn().Msg(fmt.Sprintf(format, args...)) }
func (s *scopedLogger) Error(msg string)                          { s.l.Error().Msg(msg) }
func (s *scopedLogger) Errorf(format string, args ...interface{}) { s.l.Error().Msg(fmt.Sprintf(format, args...)) }
