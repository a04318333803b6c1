// Package logging provides structured logging for the sandbox orchestrator
// using zerolog. It mirrors the shape of a small component-scoped logger:
// one process-wide logger initialized at startup, plus child loggers tagged
// with a "component" field for each subsystem.
//
// Usage:
//
//	logging.Initialize("info", false) // production: JSON output
//	logging.Containers().Info().Str("container_id", id).Msg("created")
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the global logger instance. Initialize must be called once at
// process startup before any component logger is used.
var Log zerolog.Logger

// Initialize configures the global logger level and output format.
//
// level is one of "debug", "info", "warn", "error", "fatal", "panic" and
// defaults to "info" on an unrecognized value. pretty selects a
// human-readable console writer (development) over JSON (production).
func Initialize(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().Str("service", "sandboxd").Logger()
	Log.Info().Str("level", logLevel.String()).Bool("pretty", pretty).Msg("logger initialized")
}

func component(name string) *zerolog.Logger {
	l := Log.With().Str("component", name).Logger()
	return &l
}

// Containers returns the Container Manager's logger.
func Containers() *zerolog.Logger { return component("containers") }

// PTY returns the PTY Transport's logger.
func PTY() *zerolog.Logger { return component("pty") }

// Session returns the Session Manager's logger.
func Session() *zerolog.Logger { return component("session") }

// RateLimit returns the Rate Limiter's logger.
func RateLimit() *zerolog.Logger { return component("ratelimit") }

// Breaker returns the Circuit Breaker's logger.
func Breaker() *zerolog.Logger { return component("breaker") }

// Reaper returns the Reaper's logger.
func Reaper() *zerolog.Logger { return component("reaper") }

// HTTP returns the Request Surface's logger.
func HTTP() *zerolog.Logger { return component("http") }

// Events returns the lifecycle-event publisher's logger.
func Events() *zerolog.Logger { return component("events") }
