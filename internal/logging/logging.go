// Package logging builds the zerolog loggers used by every stage.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // console output for development
	Output     io.Writer
	WithCaller bool
	Stage      string
}

// New creates a structured logger tagged with the service and stage names.
func New(cfg Config) zerolog.Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	lctx := zerolog.New(output).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("service", "switchyard")
	if cfg.Stage != "" {
		lctx = lctx.Str("stage", cfg.Stage)
	}
	if cfg.WithCaller {
		lctx = lctx.Caller()
	}
	return lctx.Logger()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}
	return zerolog.InfoLevel
}

// ForMessage returns a child logger carrying a message's correlation fields.
func ForMessage(l zerolog.Logger, traceID string, messageID uint) zerolog.Logger {
	c := l.With()
	if traceID != "" {
		c = c.Str("trace_id", traceID)
	}
	if messageID != 0 {
		c = c.Uint("message_id", messageID)
	}
	return c.Logger()
}
