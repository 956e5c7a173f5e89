package logging

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

// watermillAdapter routes watermill's internal logs into zerolog.
type watermillAdapter struct {
	log zerolog.Logger
}

// Watermill returns a watermill.LoggerAdapter writing through the global
// logger. Watermill's info output is demoted to debug; it logs every
// subscription.
func Watermill() watermill.LoggerAdapter {
	return &watermillAdapter{log: Component("watermill")}
}

func (a *watermillAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.log.Error().Err(err).Fields(map[string]interface{}(fields)).Msg(msg)
}

func (a *watermillAdapter) Info(msg string, fields watermill.LogFields) {
	a.log.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (a *watermillAdapter) Debug(msg string, fields watermill.LogFields) {
	a.log.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (a *watermillAdapter) Trace(msg string, fields watermill.LogFields) {
	a.log.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (a *watermillAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillAdapter{log: a.log.With().Fields(map[string]interface{}(fields)).Logger()}
}
