package duty

import (
	"time"

	"github.com/opspulse/oncall/db"
)

// WithinRestriction reports whether at falls inside any of the layer's
// restriction windows, evaluated in the schedule's time zone. An empty set
// means the layer is unrestricted.
//
// A window whose end is before its start wraps past midnight: Friday
// 22:00-02:00 covers Friday 22:00-24:00 plus Saturday 00:00-02:00. A
// zero-length window (start == end) matches nothing; write-time validation
// rejects it.
func WithinRestriction(windows []db.RestrictionWindow, at time.Time, loc *time.Location) bool {
	if len(windows) == 0 {
		return true
	}

	local := at.In(loc)
	weekday := int(local.Weekday())
	minute := local.Hour()*60 + local.Minute()

	for _, w := range windows {
		if w.StartMinute == w.EndMinute {
			continue
		}
		if w.StartMinute < w.EndMinute {
			if weekday == w.Weekday && minute >= w.StartMinute && minute < w.EndMinute {
				return true
			}
			continue
		}
		// Wraps midnight: late side on the window's weekday, early side on
		// the following weekday.
		if weekday == w.Weekday && minute >= w.StartMinute {
			return true
		}
		if weekday == (w.Weekday+1)%7 && minute < w.EndMinute {
			return true
		}
	}
	return false
}
