package infra

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger constructs a zerolog.Logger for the service. level overrides the
// environment default when it parses.
func NewLogger(appEnv, level string) zerolog.Logger {
	lvl := zerolog.InfoLevel
	if appEnv == "development" {
		lvl = zerolog.DebugLevel
	}
	if parsed, err := zerolog.ParseLevel(level); err == nil && level != "" {
		lvl = parsed
	}

	var out io.Writer = os.Stdout
	if appEnv == "development" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).
		Level(lvl).
		With().
		Timestamp().
		Str("service", "retratai").
		Logger()
}

// NopLogger discards everything; clients fall back to it when no logger is given.
func NopLogger() zerolog.Logger {
	return zerolog.Nop()
}

// Logger aliases zerolog.Logger so callers can depend on the logging
// contract without importing the third-party module directly.
type Logger = zerolog.Logger
