// Package logging configures zerolog for the Dataverse client and proxy.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output instead of JSON.
	Pretty bool

	// Output defaults to os.Stderr.
	Output io.Writer

	// Fields are attached to every event, e.g. the environment URL.
	Fields map[string]string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// ParseLevel validates a level name. "warning" is accepted for LevelWarn.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return "", fmt.Errorf("unknown log level %q: valid levels are debug, info, warn, error", s)
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(zerologLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	ctx := zerolog.New(output).With().Timestamp()
	for key, value := range cfg.Fields {
		ctx = ctx.Str(key, value)
	}
	logger := ctx.Logger()

	log.Logger = logger
	return logger
}

// zerologLevel maps a LogLevel to zerolog, defaulting to info.
func zerologLevel(level LogLevel) zerolog.Level {
	parsed, err := ParseLevel(string(level))
	if err != nil {
		return zerolog.InfoLevel
	}
	switch parsed {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a logger derived from the global one with the given
// component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: request flow
//   - Each Web API request (method, url, id)
//   - Batch encoding (commands, chunks)
//   - Schema fetches and cache hits
//
// Info: lifecycle
//   - Server startup/shutdown
//   - Coordinator run summaries
//
// Warn: degraded but working
//   - Non-2xx responses
//   - Ambiguous alternate key literals
//   - Throttling or blocking on service protection limits
//   - Retry attempts
//   - Cache errors (fallback to the Web API)
//
// Error: failures requiring attention
//   - Transport errors
//   - Retries exhausted
//   - Configuration errors
//
// Context Fields:
//   - component: emitting package
//   - method, url, id: request descriptor
//   - status, error_class, error_code: failed responses
//   - mode, index, duration: coordinator outcomes
//   - entity, entity_set: schema resolution
//   - burst_remaining, retry_after: service protection state
