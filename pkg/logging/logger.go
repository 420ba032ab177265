// Package logging configures zerolog for the record queue and hands out
// component loggers.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel is a level name accepted in flags and configuration files.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// levels maps every accepted spelling to its canonical name.
var levels = map[string]LogLevel{
	"":        LevelInfo,
	"debug":   LevelDebug,
	"info":    LevelInfo,
	"warn":    LevelWarn,
	"warning": LevelWarn,
	"error":   LevelError,
}

var zerologLevels = map[LogLevel]zerolog.Level{
	LevelDebug: zerolog.DebugLevel,
	LevelInfo:  zerolog.InfoLevel,
	LevelWarn:  zerolog.WarnLevel,
	LevelError: zerolog.ErrorLevel,
}

// Config holds logger configuration.
type Config struct {
	// Level is the minimum level written.
	Level LogLevel

	// Pretty switches from JSON lines to console output.
	Pretty bool

	// Output defaults to os.Stderr.
	Output io.Writer
}

// DefaultConfig returns JSON output at info level on stderr.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// Setup installs the global logger that NewLogger derives from.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(zerologLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	return log.Logger
}

// ParseLogLevel validates a level name from flags or configuration.
func ParseLogLevel(s string) (LogLevel, error) {
	level, ok := levels[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("invalid log level %q (use debug, info, warn or error)", s)
	}
	return level, nil
}

// zerologLevel falls back to info for names ParseLogLevel would reject.
func zerologLevel(level LogLevel) zerolog.Level {
	canonical, err := ParseLogLevel(string(level))
	if err != nil {
		return zerolog.InfoLevel
	}
	return zerologLevels[canonical]
}

// NewLogger returns the global logger tagged with component.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// WithLane tags logger with the lane a message belongs to.
func WithLane(logger zerolog.Logger, kind, tier string) zerolog.Logger {
	return logger.With().Str("kind", kind).Str("tier", tier).Logger()
}

// Levels used across the repository:
//
//	debug  batch submission, backoff windows opened, Redis round trips
//	info   startup and shutdown, shared backoff windows adopted
//	warn   fallback drain, first quota_exceeded, backoff persistence failures
//	error  batch errors of class other, panicking completions
//
// Rate limits and partial failures are expected and stay below warn.
//
// Common fields: component, kind, tier, batch_size, error_class, drained,
// retry_not_before.
