package detect

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseSchedule parses the cron-lite schedule syntax: "@every Ns", "@every
// Nm", "@every Nh". An empty schedule means the detection never fires.
func ParseSchedule(schedule string) (time.Duration, error) {
	s := strings.TrimSpace(schedule)
	if s == "" {
		return 0, nil
	}
	if !strings.HasPrefix(s, "@every ") {
		return 0, fmt.Errorf("unsupported schedule %q, expected \"@every <interval>\"", schedule)
	}

	spec := strings.TrimSpace(strings.TrimPrefix(s, "@every "))
	if len(spec) < 2 {
		return 0, fmt.Errorf("invalid interval %q", spec)
	}

	numStr, unit := spec[:len(spec)-1], spec[len(spec)-1:]
	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil || num <= 0 {
		return 0, fmt.Errorf("invalid interval number %q", numStr)
	}

	switch unit {
	case "s":
		return time.Duration(num) * time.Second, nil
	case "m":
		return time.Duration(num) * time.Minute, nil
	case "h":
		return time.Duration(num) * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid interval unit %q", unit)
	}
}

// IsDue reports whether a detection with the given schedule should run at
// now, given its last run time. Disabled (empty or unparseable) schedules
// never fire. A rule that just ran is not due again until its interval has
// fully elapsed.
func IsDue(schedule string, now, lastRun time.Time) bool {
	interval, err := ParseSchedule(schedule)
	if err != nil || interval <= 0 {
		return false
	}
	if lastRun.IsZero() {
		return true
	}
	return !now.Before(lastRun.Add(interval))
}
