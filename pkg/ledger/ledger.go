// Package ledger persists the control state that makes fetch runs resumable:
// which units completed, how much of the request quota each window consumed,
// and a diagnostic log of failed attempts. SQLite is the single source of
// truth; nothing is kept in memory that cannot be rebuilt from it after a
// restart.
package ledger

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Outcome codes recorded with a completed unit.
const (
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
)

// ProgressRecord is one row per completed fetch unit. Rows are write-once: a
// unit is either absent or permanently done.
type ProgressRecord struct {
	Resource    string
	RangeStart  string
	RangeEnd    string
	Outcome     string
	CompletedAt time.Time
}

// QuotaWindow is one row per quota period, keyed by the window's start as a
// Unix timestamp. Past windows are retained for audit but never re-read for
// gating.
type QuotaWindow struct {
	WindowStart  int64
	RequestCount int
	UpdatedAt    time.Time
}

// ErrorRecord is one row per failed attempt. Terminal marks the attempt that
// made the orchestrator give the unit up; the error log is never read back
// for control flow.
type ErrorRecord struct {
	RunID      string
	Resource   string
	RangeStart string
	RangeEnd   string
	Class      string
	Message    string
	Terminal   bool
	OccurredAt time.Time
}

// Totals summarizes the ledgers for the status surface.
type Totals struct {
	Done   int
	Failed int
}
