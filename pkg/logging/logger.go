// Package logging configures zerolog for fitpull's batch-run output.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger settings, populated from the log section of the
// config file.
type Config struct {
	// Level is the minimum level to emit: debug, info, warn or error.
	// Unknown values fall back to info.
	Level string

	// Pretty switches from JSON lines to human-readable console output.
	Pretty bool

	// Output is the destination writer (default: os.Stderr).
	Output io.Writer
}

// Setup builds the root logger all components derive from. Timestamps are
// UTC RFC3339 so log lines line up with quota window boundaries and the
// date-keyed units they describe; every line carries the service name so
// fitpull output is attributable when mixed into a shared log stream.
func Setup(cfg Config) zerolog.Logger {
	var out io.Writer = cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }

	return zerolog.New(out).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("service", "fitpull").
		Logger()
}

// ParseLevel maps a config level string to a zerolog level. A batch run
// should not die over a typo in the log section, so unknown values mean info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Component derives a logger tagged with the emitting subsystem (quota,
// fetch, auth, ledger, cli).
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Quota grants (count, limit)
//   - Per-unit skip decisions
//   - Retry scheduling (attempt, backoff)
//
// Info: Normal operation events
//   - Run start and summary
//   - Units fetched and committed
//   - Quota waits (budget spent, waiting for window reset)
//   - Token refresh success
//
// Warn: Warning conditions that don't prevent operation
//   - Transient request failures and remote 429s
//   - Expired access token (refresh in progress)
//
// Error: Error conditions requiring attention
//   - Units failed after retry exhaustion
//   - Permanent remote errors
//   - Fatal conditions before exit (invalid credentials, storage errors)
//
// Context Fields:
//   - unit: resource plus date range
//   - run_id: identifier of the current run
//   - status: HTTP status code
//   - error_class: classification (transient, permanent, rate_limited, auth_expired)
//   - attempt: 1-based attempt number for a unit
