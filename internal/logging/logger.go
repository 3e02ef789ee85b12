// Package logging builds the agent's zerolog loggers. The defaults suit
// an on-device agent: structured JSON on stderr, info level, no color.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Config contains logger configuration.
type Config struct {
	// Level sets the logging level (trace, debug, info, warn, error).
	Level string
	// Pretty enables human-readable console output for interactive use.
	Pretty bool
	// Output sets the output writer (defaults to os.Stderr).
	Output io.Writer
}

// DefaultConfig returns the agent's default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Output: os.Stderr,
	}
}

// New creates a zerolog logger from cfg. Unknown levels fall back to
// info rather than failing: logging must never stop the agent.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: "15:04:05.000",
		}
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// ForRun stamps every entry with the run identity so interleaved agent
// logs can be joined back to their run directory.
func ForRun(cfg Config, launchTimestampUS int64) zerolog.Logger {
	return New(cfg).With().Int64("run", launchTimestampUS).Logger()
}
