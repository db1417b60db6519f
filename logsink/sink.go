// Package logsink provides the structured logging surface shared by
// every component of the reactor/runtime toolkit, per spec.md section
// 4.8. It wraps zerolog.
//
// Author: momentics <momentics@gmail.com>
package logsink

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors zerolog's severity levels under a package-local name so
// callers of logsink never need to import zerolog directly.
type Level int8

const (
	Debug Level = iota
	Info
	Warn
	Error
	Disabled
)

func (l Level) zerolog() zerolog.Level {
	switch l {
	case Debug:
		return zerolog.DebugLevel
	case Info:
		return zerolog.InfoLevel
	case Warn:
		return zerolog.WarnLevel
	case Error:
		return zerolog.ErrorLevel
	default:
		return zerolog.Disabled
	}
}

// Sink is the logging interface every package in this module depends
// on, never on zerolog directly, so the default implementation can be
// swapped for Discard in tests.
type Sink interface {
	Debug() *zerolog.Event
	Info() *zerolog.Event
	Warn() *zerolog.Event
	Error() *zerolog.Event
	With() zerolog.Context
	Level(Level) Sink
}

type sink struct {
	logger zerolog.Logger
}

// New constructs a console-writer Sink at the given level, writing to w.
// Passing os.Stderr and Info matches spec.md's default ambient logging
// posture: human-readable during development, still structured enough
// to redirect to a file.
func New(w io.Writer, level Level) Sink {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	l := zerolog.New(cw).Level(level.zerolog()).With().Timestamp().Logger()
	return &sink{logger: l}
}

// Default returns the package-wide fallback Sink, writing to stderr at
// Info level.
func Default() Sink { return New(os.Stderr, Info) }

// Discard returns a Sink that drops everything, used by tests and by
// components that opt out of logging via functional options.
func Discard() Sink {
	return &sink{logger: zerolog.New(io.Discard).Level(zerolog.Disabled)}
}

func (s *sink) Debug() *zerolog.Event { return s.logger.Debug() }
func (s *sink) Info() *zerolog.Event  { return s.logger.Info() }
func (s *sink) Warn() *zerolog.Event  { return s.logger.Warn() }
func (s *sink) Error() *zerolog.Event { return s.logger.Error() }
func (s *sink) With() zerolog.Context { return s.logger.With() }

func (s *sink) Level(l Level) Sink {
	return &sink{logger: s.logger.Level(l.zerolog())}
}
