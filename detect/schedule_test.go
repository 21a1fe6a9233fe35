package detect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchedule(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"@every 30s", 30 * time.Second},
		{"@every 5m", 5 * time.Minute},
		{"@every 1h", time.Hour},
		{"  @every 10m  ", 10 * time.Minute},
		{"", 0},
	}
	for _, tc := range cases {
		got, err := ParseSchedule(tc.in)
		require.NoError(t, err, "schedule %q", tc.in)
		assert.Equal(t, tc.want, got, "schedule %q", tc.in)
	}
}

func TestParseScheduleErrors(t *testing.T) {
	for _, in := range []string{
		"every 5m",
		"@every",
		"@every 5",
		"@every -5m",
		"@every 5d",
		"@every xm",
	} {
		_, err := ParseSchedule(in)
		assert.Error(t, err, "schedule %q should be rejected", in)
	}
}

func TestIsDue(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	// Never ran: due immediately.
	assert.True(t, IsDue("@every 5m", now, time.Time{}))

	// Interval not yet elapsed.
	assert.False(t, IsDue("@every 5m", now, now.Add(-4*time.Minute)))

	// Exactly the interval: due.
	assert.True(t, IsDue("@every 5m", now, now.Add(-5*time.Minute)))
	assert.True(t, IsDue("@every 5m", now, now.Add(-time.Hour)))

	// Disabled or malformed schedules never fire.
	assert.False(t, IsDue("", now, time.Time{}))
	assert.False(t, IsDue("bogus", now, time.Time{}))
}
