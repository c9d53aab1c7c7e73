package log

import (
	"github.com/rs/zerolog"
)

// Logger knows how to log at different levels.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Dummy is a logger that doesn't log anything.
var Dummy Logger = dummy{}

type dummy struct{}

func (dummy) Debugf(format string, args ...interface{})   {}
func (dummy) Infof(format string, args ...interface{})    {}
func (dummy) Warningf(format string, args ...interface{}) {}
func (dummy) Errorf(format string, args ...interface{})   {}

type zeroLogger struct {
	logger zerolog.Logger
}

// NewZerolog returns a Logger backed by a zerolog logger.
func NewZerolog(logger zerolog.Logger) Logger {
	return zeroLogger{logger: logger}
}

func (z zeroLogger) Debugf(format string, args ...interface{}) {
	z.logger.Debug().Msgf(format, args...)
}

func (z zeroLogger) Infof(format string, args ...interface{}) {
	z.logger.Info().Msgf(format, args...)
}

func (z zeroLogger) Warningf(format string, args ...interface{}) {
	z.logger.Warn().Msgf(format, args...)
}

func (z zeroLogger) Errorf(format string, args ...interface{}) {
	z.logger.Error().Msgf(format, args...)
}
