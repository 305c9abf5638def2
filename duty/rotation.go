// Package duty computes on-call duty from schedule layers. Everything in
// this package is pure: the same inputs give the same answer for any
// timestamp, past or future, which is what makes schedule previews and
// historical "who was on call" queries possible.
package duty

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opspulse/oncall/db"
)

var (
	// ErrNotYetStarted means the layer's anchor is after the requested time.
	ErrNotYetStarted = errors.New("layer not active at requested time")
	// ErrNoUsersConfigured means the layer has an empty rotation order.
	ErrNoUsersConfigured = errors.New("layer has no users configured")
	// ErrInvalidRotation means the cadence is unusable (zero count, unknown
	// unit, malformed hand-off time). Write-time validation should make this
	// unreachable.
	ErrInvalidRotation = errors.New("invalid rotation configuration")
)

// Window is one rotation interval of a layer. Start is inclusive, End
// exclusive: an instant exactly on a hand-off boundary belongs to the new
// window.
type Window struct {
	Start         time.Time
	End           time.Time
	RotationIndex int
}

// OnDutyWindow computes the rotation window of layer containing at, and the
// index into the layer's user order that holds duty during it. The window
// grid is anchored at the first occurrence of the layer's hand-off
// time-of-day (in loc) at or after StartsAt; the stretch between StartsAt
// and that first hand-off belongs to index 0.
func OnDutyWindow(layer db.ScheduleLayer, at time.Time, loc *time.Location) (Window, error) {
	if len(layer.UserIDs) == 0 {
		return Window{}, ErrNoUsersConfigured
	}
	if layer.RotationCount <= 0 {
		return Window{}, fmt.Errorf("%w: rotation count %d", ErrInvalidRotation, layer.RotationCount)
	}
	if at.Before(layer.StartsAt) {
		return Window{}, ErrNotYetStarted
	}

	handOff, err := parseHandOffTime(layer.HandOffTime)
	if err != nil {
		return Window{}, err
	}

	anchor := firstHandOff(layer.StartsAt, handOff, loc)
	if at.Before(anchor) {
		// Partial opening window before the first hand-off.
		return Window{Start: layer.StartsAt, End: anchor, RotationIndex: 0}, nil
	}

	n := len(layer.UserIDs)
	switch layer.RotationUnit {
	case db.RotationUnitMonth:
		start, end, periods := monthWindow(anchor, layer.RotationCount, at)
		return Window{Start: start, End: end, RotationIndex: periods % n}, nil
	case db.RotationUnitHour, db.RotationUnitDay, db.RotationUnitWeek:
		period, err := fixedPeriod(layer.RotationUnit, layer.RotationCount)
		if err != nil {
			return Window{}, err
		}
		// Floor division: an instant on the boundary opens the new period.
		periods := int(at.Sub(anchor) / period)
		start := anchor.Add(time.Duration(periods) * period)
		return Window{Start: start, End: start.Add(period), RotationIndex: periods % n}, nil
	default:
		return Window{}, fmt.Errorf("%w: unit %q", ErrInvalidRotation, layer.RotationUnit)
	}
}

func fixedPeriod(unit string, count int) (time.Duration, error) {
	switch unit {
	case db.RotationUnitHour:
		return time.Duration(count) * time.Hour, nil
	case db.RotationUnitDay:
		return time.Duration(count) * 24 * time.Hour, nil
	case db.RotationUnitWeek:
		return time.Duration(count) * 7 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("%w: unit %q", ErrInvalidRotation, unit)
}

// monthWindow walks calendar months so that "every month" lands on the same
// day-of-month regardless of month length, instead of approximating a month
// with a fixed duration.
func monthWindow(anchor time.Time, count int, at time.Time) (start, end time.Time, periods int) {
	// Coarse estimate, then correct. at >= anchor is guaranteed by caller.
	months := (at.Year()-anchor.Year())*12 + int(at.Month()) - int(anchor.Month())
	periods = months / count
	if periods < 0 {
		periods = 0
	}
	start = anchor.AddDate(0, periods*count, 0)
	for start.After(at) {
		periods--
		start = anchor.AddDate(0, periods*count, 0)
	}
	for {
		next := anchor.AddDate(0, (periods+1)*count, 0)
		if next.After(at) {
			return start, next, periods
		}
		periods++
		start = next
	}
}

// parseHandOffTime parses "HH:MM". Empty means midnight.
func parseHandOffTime(s string) (minutes int, err error) {
	if s == "" {
		return 0, nil
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("%w: hand-off time %q", ErrInvalidRotation, s)
	}
	h, herr := strconv.Atoi(parts[0])
	m, merr := strconv.Atoi(parts[1])
	if herr != nil || merr != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: hand-off time %q", ErrInvalidRotation, s)
	}
	return h*60 + m, nil
}

// firstHandOff returns the first instant at or after startsAt whose
// time-of-day in loc equals the hand-off time.
func firstHandOff(startsAt time.Time, handOffMinutes int, loc *time.Location) time.Time {
	local := startsAt.In(loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(),
		handOffMinutes/60, handOffMinutes%60, 0, 0, loc)
	if candidate.Before(startsAt) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}
