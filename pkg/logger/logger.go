// Package logger builds the zerolog root logger for the brain. Components
// derive scoped children from it via With().Str("service", ...).
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config selects the level and output format of the root logger.
type Config struct {
	Level  string // trace, debug, info, warn, error
	Pretty bool   // human-readable console output for dev runs
}

// New builds the root logger. An unknown or empty level falls back to info
// so a bad LOG_LEVEL never silences the process.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var output io.Writer = os.Stdout
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}

// SetGlobalLogger replaces zerolog's package-level logger, so stray
// log.Info() calls land in the same stream as everything else.
func SetGlobalLogger(l zerolog.Logger) {
	log.Logger = l
}
