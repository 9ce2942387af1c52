package planner

import (
	"fmt"
	"time"
)

// Plan splits [start, end] into consecutive, non-overlapping units no longer
// than the resource's maximum span. The final unit may be shorter. Snapshot
// resources produce a single degenerate unit regardless of the range.
func Plan(r Resource, start, end time.Time) ([]Unit, error) {
	if r.Snapshot() {
		return []Unit{{Resource: r.Name}}, nil
	}
	start = day(start)
	end = day(end)
	if end.Before(start) {
		return nil, fmt.Errorf("plan %s: start %s after end %s",
			r.Name, start.Format(DateFormat), end.Format(DateFormat))
	}

	var units []Unit
	for cur := start; !cur.After(end); {
		chunkEnd := cur.AddDate(0, 0, r.MaxSpanDays-1)
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		units = append(units, Unit{Resource: r.Name, Start: cur, End: chunkEnd})
		cur = chunkEnd.AddDate(0, 0, 1)
	}
	return units, nil
}

// PlanAll produces the single ordered queue the orchestrator consumes: every
// resource's units, resources in priority order, units chronological within
// each resource. Two calls with the same inputs yield the same sequence.
func PlanAll(resources []Resource, start, end time.Time) ([]Unit, error) {
	rs := make([]Resource, len(resources))
	copy(rs, resources)
	sortResources(rs)

	var queue []Unit
	for _, r := range rs {
		units, err := Plan(r, start, end)
		if err != nil {
			return nil, err
		}
		queue = append(queue, units...)
	}
	return queue, nil
}

// day normalizes a timestamp to a UTC civil date.
func day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD command-line date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", s)
	}
	return t, nil
}
