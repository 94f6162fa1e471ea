// Package logging builds the process-wide zerolog logger. Components derive
// their own logger from it with a "component" field.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns a logger writing to stdout at the given level. An unknown level
// falls back to info. When pretty is set the output is the human-readable
// console format instead of JSON lines.
func New(level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// Component returns a child logger tagged with the component name.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// Discard is a logger that drops everything, used by tests and by components
// constructed without a logger.
func Discard() zerolog.Logger {
	return zerolog.New(io.Discard).Level(zerolog.Disabled)
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
