// Package logging builds the process's structured zerolog logger, grounded
// on ws/internal/shared/monitoring/logger.go.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Config selects level and output format for New.
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Pretty bool   // console-writer output instead of JSON
}

// New builds a root logger tagged with the resolver service name; callers
// derive per-subsystem child loggers via .With().Str("component", ...).
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).With().Timestamp().Str("service", "resolverd").Logger()
}

// RecoverPanic logs a recovered panic without re-raising it, so one
// connection goroutine's panic cannot take the process down. Grounded on
// the teacher's RecoverPanic used in every goroutine's defer block.
func RecoverPanic(log zerolog.Logger, goroutine string) {
	if r := recover(); r != nil {
		log.Error().
			Str("goroutine", goroutine).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack())).
			Msg("goroutine panic recovered")
	}
}
