// Package logging constructs the process's structured zerolog logger.
package logging

import (
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Format selects the log sink's rendering.
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// Config controls logger construction.
type Config struct {
	Level  string
	Format Format
}

// New builds a zerolog.Logger per cfg: JSON output by default, a
// human-readable console writer for local development.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var writer = os.Stdout
	base := zerolog.New(writer)
	if cfg.Format == FormatConsole {
		base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}

	return base.With().Timestamp().Caller().Str("service", "loquilex-core").Logger()
}

// LogError logs err at error level with the supplied message.
func LogError(logger zerolog.Logger, err error, msg string) {
	logger.Error().Err(err).Msg(msg)
}

// LogErrorWithStack logs err at error level together with the current
// goroutine's stack trace, for faults that should never happen in steady
// state (invariant breaches, panics recovered at a task boundary).
func LogErrorWithStack(logger zerolog.Logger, err error, msg string) {
	logger.Error().Err(err).Bytes("stack", debug.Stack()).Msg(msg)
}

// LogPanic records a recovered panic value before the caller decides how to
// proceed (close one connection, stop one session, never crash the
// process).
func LogPanic(logger zerolog.Logger, recovered any, msg string) {
	logger.Error().Interface("panic", recovered).Bytes("stack", debug.Stack()).Msg(msg)
}
