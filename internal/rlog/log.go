// Package rlog provides structured logging for raftkv using zerolog.
//
// It wraps the zerolog library with component-specific child loggers so
// that every subsystem (a role, a log store, a fallback target) tags its
// output without threading a logger through every constructor by hand.
package rlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, set up once via Init.
var Logger zerolog.Logger

// Level is a configuration-friendly log level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger. Safe to call more than once, e.g.
// from tests that want quieter output.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

func init() {
	// Sensible default so packages that log before Init (tests, mostly)
	// don't panic on a zero-value Logger.
	Init(Config{Level: InfoLevel, JSONOutput: false})
}

// WithComponent creates a child logger tagged with a component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNode creates a child logger tagged with this node's identity.
func WithNode(identity string) zerolog.Logger {
	return Logger.With().Str("node", identity).Logger()
}

// WithTerm creates a child logger tagged with a Raft term.
func WithTerm(term uint64) zerolog.Logger {
	return Logger.With().Uint64("term", term).Logger()
}

// WithTarget creates a child logger tagged with a fallback target name.
func WithTarget(name string) zerolog.Logger {
	return Logger.With().Str("target", name).Logger()
}
