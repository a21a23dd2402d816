package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level  string // Minimum log level: debug, info, warn, error
	Format string // Output format: json or text
}

// NewLogger creates the structured logger used by every component.
//
// JSON output is the default; "text" switches to the human-readable console
// writer for local development. All records carry a timestamp and the
// service field so log aggregation can filter by origin.
func NewLogger(config LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch config.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Format == "text" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Str("service", "ws-gateway").
		Logger()
}

// RecoverPanic logs a recovered panic with its stack trace.
// Use as the first defer of long-lived goroutines.
func RecoverPanic(logger zerolog.Logger, task string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Interface("panic_value", r).
			Str("task", task).
			Str("stack_trace", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("Panic recovered")
	}
}
