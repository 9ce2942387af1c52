// Package planner decomposes a requested date range into the ordered
// sequence of fetch units the orchestrator works through. Units are the
// smallest schedulable (and retryable) slice of work: one resource over one
// bounded date range, or a single snapshot for non-time-series resources.
package planner

import (
	"fmt"
	"time"
)

// DateFormat is the wire format for all Fitbit API dates.
const DateFormat = "2006-01-02"

// Unit identifies one retrievable slice of data. Start and End are inclusive
// civil dates (UTC midnight). Snapshot resources use zero Start/End; the
// resource name alone is their identity.
type Unit struct {
	Resource string
	Start    time.Time
	End      time.Time
}

// Snapshot reports whether the unit has a degenerate (dateless) range.
func (u Unit) Snapshot() bool {
	return u.Start.IsZero() && u.End.IsZero()
}

// StartKey returns the persisted form of the range start ("" for snapshots).
func (u Unit) StartKey() string {
	if u.Start.IsZero() {
		return ""
	}
	return u.Start.Format(DateFormat)
}

// EndKey returns the persisted form of the range end ("" for snapshots).
func (u Unit) EndKey() string {
	if u.End.IsZero() {
		return ""
	}
	return u.End.Format(DateFormat)
}

// Key returns the natural key (resource, rangeStart, rangeEnd) used for
// idempotence checks in the progress ledger.
func (u Unit) Key() string {
	return fmt.Sprintf("%s:%s:%s", u.Resource, u.StartKey(), u.EndKey())
}

func (u Unit) String() string {
	if u.Snapshot() {
		return u.Resource
	}
	return fmt.Sprintf("%s %s..%s", u.Resource, u.StartKey(), u.EndKey())
}
