package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// InitWithOptions initializes the logger with the specified options.
// If logFile is empty, logs go to stderr so they never mix with replies on stdout.
// If pretty is true, uses ConsoleWriter for human-readable output (only valid when logFile is empty).
// Log level can be configured via LOG_LEVEL environment variable (trace, debug, info, warn, error).
// When LOG_LEVEL is unset, defaultLevel applies.
func InitWithOptions(logFile string, pretty bool, defaultLevel zerolog.Level) (zerolog.Logger, error) {
	level := parseLogLevel(os.Getenv("LOG_LEVEL"), defaultLevel)

	if logFile != "" {
		//nolint:gosec // G304: User-specified log file path is intentional
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("failed to open log file %s: %w", logFile, err)
		}
		log := New(file, level, false)
		log.Debug().Str("path", logFile).Str("level", level.String()).Msg("Logger initialized")
		return log, nil
	}

	log := New(os.Stderr, level, pretty)
	log.Debug().Str("output", "stderr").Bool("pretty", pretty).Str("level", level.String()).Msg("Logger initialized")
	return log, nil
}

// New creates a timestamped logger writing JSON (or console output when
// pretty is set) to w.
func New(w io.Writer, level zerolog.Level, pretty bool) zerolog.Logger {
	if pretty {
		w = zerolog.ConsoleWriter{Out: w}
	}
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Logger()
}

func parseLogLevel(level string, fallback zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "":
		return fallback
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "trace":
		return zerolog.TraceLevel
	default:
		return fallback
	}
}
