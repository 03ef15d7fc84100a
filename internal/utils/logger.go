package utils

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger creates the application logger. Pretty output goes through the
// console writer; otherwise one JSON object per line is written to stdout.
func NewLogger(level string, pretty bool) zerolog.Logger {
	return newLogger(os.Stdout, level, pretty)
}

func newLogger(out io.Writer, level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	if pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}
