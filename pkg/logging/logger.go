// Package logging builds the zerolog loggers used across meraki-report.
//
// Loggers are created explicitly and passed to each component; nothing in
// this package touches zerolog's global logger or global level.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel `koanf:"level" validate:"omitempty,oneof=debug info warn warning error"`

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool `koanf:"pretty"`

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer `koanf:"-"`
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// New creates a logger with timestamps at the configured level.
func New(cfg Config) zerolog.Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.TimeOnly}
	}

	return zerolog.New(output).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Logger()
}

// ParseLevel converts LogLevel to zerolog.Level. Unknown levels map to info.
func ParseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Component derives a logger tagged with a component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Governor adjustments and permit waits
//   - Individual pages and chunk attempts
//   - Problematic store lookups
//
// Info: Normal operation events
//   - Collection start and finish
//   - Window completion with counts
//   - Entities switching to chunked mode
//   - Report written
//
// Warn: Warning conditions that don't prevent operation
//   - Rate limit responses and retries
//   - Incomplete listings (partial data kept)
//   - Skipped chunks and blacklisted entities
//   - Unreadable problematic store
//
// Error: Error conditions requiring attention
//   - Missing API key
//   - Report could not be written
//
// Context Fields:
//   - component: emitting component
//   - run_id: collection run identifier
//   - org_id: organization id
//   - entity: network id
//   - window: time window being fetched
//   - chunk_hours: current chunk size
//   - limit: governor concurrency limit
//   - kind: error classification (timeout, rate_limited, unsupported_entity, transient)
