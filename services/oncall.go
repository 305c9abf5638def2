package services

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/opspulse/oncall/db"
	"github.com/opspulse/oncall/duty"
)

// OnCallService answers "who is on call" for a schedule at any instant.
// It only loads configuration and delegates the actual math to the duty
// package, so live queries and historical/future previews share one code
// path.
type OnCallService struct {
	PG       *sql.DB
	Schedule *ScheduleService
}

func NewOnCallService(pg *sql.DB, scheduleService *ScheduleService) *OnCallService {
	return &OnCallService{PG: pg, Schedule: scheduleService}
}

// ResolveOnCallUser resolves the effective on-call user of a schedule at
// the given time. A nil result with nil error means no one is on call.
func (s *OnCallService) ResolveOnCallUser(scheduleID string, at time.Time) (*db.OnDutyResult, error) {
	schedule, err := s.Schedule.GetSchedule(scheduleID)
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(schedule.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("schedule %s has invalid time zone %q: %w", scheduleID, schedule.TimeZone, err)
	}

	onDuty, ok := duty.Resolve(schedule.Layers, at, loc)
	if !ok {
		return nil, nil
	}

	result := &db.OnDutyResult{
		UserID:      onDuty.UserID,
		ScheduleID:  scheduleID,
		LayerID:     onDuty.LayerID,
		WindowStart: onDuty.Window.Start,
		WindowEnd:   onDuty.Window.End,
	}

	// Best effort display enrichment; the resolution itself never depends
	// on the user row existing.
	var name, email string
	err = s.PG.QueryRow(`SELECT name, email FROM users WHERE id = $1`, onDuty.UserID).Scan(&name, &email)
	if err == nil {
		result.UserName = name
		result.UserEmail = email
	}
	return result, nil
}

// Preview computes the upcoming hand-off windows of a schedule starting at
// from. Gaps where no layer holds duty are coalesced into NoOneOnCall
// entries so the caller can render an honest calendar.
func (s *OnCallService) Preview(scheduleID string, from time.Time, weeks int) ([]db.SchedulePreviewEntry, error) {
	if weeks <= 0 {
		weeks = 4
	}
	schedule, err := s.Schedule.GetSchedule(scheduleID)
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(schedule.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("schedule %s has invalid time zone %q: %w", scheduleID, schedule.TimeZone, err)
	}

	until := from.AddDate(0, 0, 7*weeks)
	entries := previewRange(schedule.Layers, from, until, loc)

	// Display enrichment for distinct users.
	names := make(map[string]string)
	for i, entry := range entries {
		if entry.UserID == "" {
			continue
		}
		if name, seen := names[entry.UserID]; seen {
			entries[i].UserName = name
			continue
		}
		var name string
		if err := s.PG.QueryRow(`SELECT name FROM users WHERE id = $1`, entry.UserID).Scan(&name); err == nil {
			names[entry.UserID] = name
			entries[i].UserName = name
		}
	}
	return entries, nil
}

// previewRange walks the resolution timeline from from to until. On-duty
// stretches jump straight to their window end; uncovered stretches advance
// hourly and collapse into a single gap entry.
func previewRange(layers []db.ScheduleLayer, from, until time.Time, loc *time.Location) []db.SchedulePreviewEntry {
	var entries []db.SchedulePreviewEntry
	const maxEntries = 500

	cursor := from
	for cursor.Before(until) && len(entries) < maxEntries {
		onDuty, ok := duty.Resolve(layers, cursor, loc)
		if !ok {
			gapStart := cursor
			for cursor.Before(until) {
				cursor = cursor.Add(time.Hour)
				if _, ok := duty.Resolve(layers, cursor, loc); ok {
					break
				}
			}
			entries = append(entries, db.SchedulePreviewEntry{
				WindowStart: gapStart,
				WindowEnd:   minTime(cursor, until),
				NoOneOnCall: true,
			})
			continue
		}

		end := onDuty.Window.End
		// Restrictions can cut a rotation window short; find where this
		// user's stretch actually ends.
		probe := cursor.Add(time.Hour)
		for probe.Before(end) {
			next, ok := duty.Resolve(layers, probe, loc)
			if !ok || next.UserID != onDuty.UserID || next.LayerID != onDuty.LayerID {
				end = probe
				break
			}
			probe = probe.Add(time.Hour)
		}

		entries = append(entries, db.SchedulePreviewEntry{
			WindowStart: cursor,
			WindowEnd:   minTime(end, until),
			UserID:      onDuty.UserID,
			LayerID:     onDuty.LayerID,
		})
		cursor = end
	}
	return entries
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
