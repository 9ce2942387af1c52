// Package quota gates outgoing requests against the remote service's global
// request budget. Usage is tracked in a persisted per-window ledger row, so a
// process restart mid-window resumes with the correct count instead of
// assuming a fresh budget.
package quota

import (
	"time"
)

// DefaultLimit is the Fitbit per-user request budget per window.
const DefaultLimit = 150

// DefaultPeriod is the quota window length. Windows are aligned to period
// boundaries (top of the hour for the default).
const DefaultPeriod = time.Hour

// Grant is the result of a consume attempt. When not granted, Wait is the
// time remaining until the next window boundary, recomputed from the wall
// clock rather than an in-memory timer.
type Grant struct {
	Granted bool
	Wait    time.Duration
}

// Status describes the current window for the status surface. Limit is the
// effective grant ceiling (configured limit minus safety buffer), so Remaining
// matches what TryConsume will actually issue.
type Status struct {
	WindowStart time.Time
	Used        int
	Limit       int
	NextReset   time.Time
}

// Remaining returns the grants left in the current window.
func (s Status) Remaining() int {
	n := s.Limit - s.Used
	if n < 0 {
		return 0
	}
	return n
}
