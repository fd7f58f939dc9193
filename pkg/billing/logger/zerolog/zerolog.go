// Package zerolog adapts a zerolog.Logger to billing.Logger.
package zerolog

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/selfrevolutions/subgate/pkg/billing"
)

// Logger implements billing.Logger using zerolog.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new zerolog logger adapter.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

func (l *Logger) Debug(msg string, fields ...billing.Field) {
	l.log(l.logger.Debug(), msg, fields)
}

func (l *Logger) Info(msg string, fields ...billing.Field) {
	l.log(l.logger.Info(), msg, fields)
}

func (l *Logger) Warn(msg string, fields ...billing.Field) {
	l.log(l.logger.Warn(), msg, fields)
}

func (l *Logger) Error(msg string, fields ...billing.Field) {
	l.log(l.logger.Error(), msg, fields)
}

func (l *Logger) log(event *zerolog.Event, msg string, fields []billing.Field) {
	if event == nil {
		return
	}
	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			event = event.Str(f.Key, v)
		case error:
			event = event.AnErr(f.Key, v)
		case time.Time:
			event = event.Time(f.Key, v)
		case *time.Time:
			if v != nil {
				event = event.Time(f.Key, *v)
			}
		case fmt.Stringer:
			event = event.Str(f.Key, v.String())
		default:
			event = event.Interface(f.Key, v)
		}
	}
	event.Msg(msg)
}

var _ billing.Logger = (*Logger)(nil)
