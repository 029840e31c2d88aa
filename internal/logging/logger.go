// Package logging builds Synap's structured zerolog logger: a level
// parsed from config, JSON output in production, a pretty console writer
// in development, timestamp + caller on every line.
package logging

import (
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process-wide logger from the configured level/format.
func New(level, format string) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(level))

	var out zerolog.Logger
	if format == "pretty" {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		out = zerolog.New(os.Stdout)
	}
	return out.Level(parseLevel(level)).With().Timestamp().Caller().Str("service", "synap").Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// RecoverPanic is a defer-recover helper for background goroutines: it
// swallows a panic and logs it with the goroutine name, the extra fields
// and a stack trace, so one bad task can't take the process down. The
// background loops in this repository inline their own recover blocks
// rather than calling it.
func RecoverPanic(logger zerolog.Logger, goroutine string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutine).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("goroutine panic recovered")
	}
}
