package search

import (
	"time"

	"argus/core"
)

// nowFunc is injectable for tests that pin the clock.
var nowFunc = time.Now

// TimeRange bounds a search. Either Last is set (relative window ending
// now) or From/To are absolute. Last takes precedence when both are set.
type TimeRange struct {
	Last time.Duration `json:"last,omitempty"`
	From time.Time     `json:"from,omitempty"`
	To   time.Time     `json:"to,omitempty"`
}

// Bounds resolves the range to absolute [from, to] instants.
func (tr TimeRange) Bounds(now time.Time) (time.Time, time.Time, error) {
	if tr.Last > 0 {
		return now.Add(-tr.Last), now, nil
	}
	if tr.From.IsZero() || tr.To.IsZero() {
		return time.Time{}, time.Time{}, core.NewValidationError("time_range", "either last or from/to must be set")
	}
	if !tr.To.After(tr.From) {
		return time.Time{}, time.Time{}, core.NewValidationError("time_range", "to must be after from")
	}
	return tr.From, tr.To, nil
}

// Last24h is the default range applied when a DSL omits one.
func Last24h() TimeRange {
	return TimeRange{Last: 24 * time.Hour}
}
