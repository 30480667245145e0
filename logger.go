package netconn

import (
	"log/slog"

	"github.com/rs/zerolog"
)

// Logger is the interface for structured logging.
// *slog.Logger satisfies it, and NewZerologLogger adapts a zerolog.Logger.
// Arguments after msg are alternating keys and values.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, args ...any)
	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, args ...any)
	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, args ...any)
	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, args ...any)
}

// defaultLogger returns the default slog logger from the standard library.
func defaultLogger() Logger {
	return slog.Default()
}

// zerologLogger forwards key/value pairs as zerolog fields.
type zerologLogger struct {
	l zerolog.Logger
}

// NewZerologLogger returns a Logger that writes through l.
func NewZerologLogger(l zerolog.Logger) Logger {
	return &zerologLogger{l: l}
}

func (z *zerologLogger) Debug(msg string, args ...any) { z.log(z.l.Debug(), msg, args) }
func (z *zerologLogger) Info(msg string, args ...any)  { z.log(z.l.Info(), msg, args) }
func (z *zerologLogger) Warn(msg string, args ...any)  { z.log(z.l.Warn(), msg, args) }
func (z *zerologLogger) Error(msg string, args ...any) { z.log(z.l.Error(), msg, args) }

func (z *zerologLogger) log(e *zerolog.Event, msg string, args []any) {
	if e == nil {
		return
	}
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		if err, ok := args[i+1].(error); ok {
			e = e.AnErr(key, err)
			continue
		}
		e = e.Interface(key, args[i+1])
	}
	e.Msg(msg)
}
