package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level is the configured verbosity, parsed from config or a CLI flag.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls the process-wide logger built by Init.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// base is the root logger every component logger derives from. It defaults
// to a console logger so packages under test log sensibly without Init.
var base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
	With().Timestamp().Logger()

// Init builds the root logger. JSON output is for collection by the node's
// log shipper; the console writer is for running the agent by hand.
func Init(cfg Config) {
	lvl, err := zerolog.ParseLevel(string(cfg.Level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	base = zerolog.New(out).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the subsystem name.
// Every long-lived component holds one of these.
func WithComponent(component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}
