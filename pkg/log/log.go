package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger. It discards everything until Init runs, so
// packages can log from tests without setup.
var Logger zerolog.Logger = zerolog.Nop()

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

var zerologLevels = map[Level]zerolog.Level{
	DebugLevel: zerolog.DebugLevel,
	InfoLevel:  zerolog.InfoLevel,
	WarnLevel:  zerolog.WarnLevel,
	ErrorLevel: zerolog.ErrorLevel,
}

// Config holds logging configuration
type Config struct {
	Level      Level     `yaml:"level"`
	JSONOutput bool      `yaml:"json"`
	Output     io.Writer `yaml:"-"`
}

// ParseLevel maps a level name to a Level, defaulting to info
func ParseLevel(s string) Level {
	if _, ok := zerologLevels[Level(s)]; ok {
		return Level(s)
	}
	return InfoLevel
}

// Init configures the global logger. Output defaults to stderr so command
// output on stdout stays clean.
func Init(cfg Config) {
	level, ok := zerologLevels[cfg.Level]
	if !ok {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(output).With().Timestamp().Logger()
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithRoomID creates a child logger with room_id field
func WithRoomID(roomID string) zerolog.Logger {
	return Logger.With().Str("room_id", roomID).Logger()
}
