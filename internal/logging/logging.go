// Package logging builds the structured zerolog logger every other package
// takes as a constructor argument, emitting Loki-oriented JSON by default.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config selects the logger's minimum level and output format.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, console
}

// New builds a zerolog.Logger tagged with service="messagebus", an
// RFC3339 timestamp, and caller info.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "messagebus").
		Logger()
}

// InitGlobal installs the configured logger as zerolog/log's package-level
// default, for any third-party code that logs through it directly.
func InitGlobal(cfg Config) {
	log.Logger = New(cfg)
}

// LogError logs err with msg and arbitrary structured context fields.
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// RecoverPanic is meant for goroutine-top defer blocks: it logs a recovered
// panic with a stack trace instead of letting it crash the process, and is
// a no-op if there was nothing to recover.
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("goroutine panic recovered")
	}
}
