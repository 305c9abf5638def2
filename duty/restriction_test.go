package duty

import (
	"testing"
	"time"

	"github.com/opspulse/oncall/db"
	"github.com/stretchr/testify/assert"
)

// Mon-Fri 09:00-17:00
func businessHours() []db.RestrictionWindow {
	windows := make([]db.RestrictionWindow, 0, 5)
	for wd := 1; wd <= 5; wd++ {
		windows = append(windows, db.RestrictionWindow{Weekday: wd, StartMinute: 9 * 60, EndMinute: 17 * 60})
	}
	return windows
}

func TestWithinRestriction_EmptyMeansUnrestricted(t *testing.T) {
	at := time.Date(2024, 1, 6, 3, 0, 0, 0, time.UTC) // Saturday 03:00
	assert.True(t, WithinRestriction(nil, at, time.UTC))
}

func TestWithinRestriction_BusinessHours(t *testing.T) {
	windows := businessHours()

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"monday 10:00", time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC), true},
		{"monday 09:00 inclusive", time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC), true},
		{"monday 17:00 exclusive", time.Date(2024, 1, 8, 17, 0, 0, 0, time.UTC), false},
		{"saturday noon", time.Date(2024, 1, 6, 12, 0, 0, 0, time.UTC), false},
		{"friday 16:59", time.Date(2024, 1, 12, 16, 59, 0, 0, time.UTC), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, WithinRestriction(windows, tt.at, time.UTC))
		})
	}
}

func TestWithinRestriction_MidnightWrap(t *testing.T) {
	// Friday 22:00 through Saturday 02:00.
	windows := []db.RestrictionWindow{{Weekday: 5, StartMinute: 22 * 60, EndMinute: 2 * 60}}

	assert.True(t, WithinRestriction(windows, time.Date(2024, 1, 12, 23, 0, 0, 0, time.UTC), time.UTC), "friday 23:00")
	assert.True(t, WithinRestriction(windows, time.Date(2024, 1, 13, 1, 30, 0, 0, time.UTC), time.UTC), "saturday 01:30")
	assert.False(t, WithinRestriction(windows, time.Date(2024, 1, 13, 2, 0, 0, 0, time.UTC), time.UTC), "saturday 02:00")
	assert.False(t, WithinRestriction(windows, time.Date(2024, 1, 12, 21, 59, 0, 0, time.UTC), time.UTC), "friday 21:59")
	assert.False(t, WithinRestriction(windows, time.Date(2024, 1, 14, 1, 0, 0, 0, time.UTC), time.UTC), "sunday 01:00")
}

func TestWithinRestriction_TimeZoneMatters(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	assert.NoError(t, err)

	// 14:00 UTC on a Monday is 09:00 in New York (EST).
	windows := []db.RestrictionWindow{{Weekday: 1, StartMinute: 9 * 60, EndMinute: 17 * 60}}
	at := time.Date(2024, 1, 8, 14, 0, 0, 0, time.UTC)

	assert.True(t, WithinRestriction(windows, at, ny))
	assert.False(t, WithinRestriction(windows, at.Add(-6*time.Hour), ny)) // 03:00 NY
}

func TestWithinRestriction_ZeroLengthWindowMatchesNothing(t *testing.T) {
	windows := []db.RestrictionWindow{{Weekday: 1, StartMinute: 600, EndMinute: 600}}
	assert.False(t, WithinRestriction(windows, time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC), time.UTC))
}
