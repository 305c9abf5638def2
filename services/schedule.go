package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/opspulse/oncall/db"
	"github.com/opspulse/oncall/duty"
)

type ScheduleService struct {
	PG *sql.DB
}

func NewScheduleService(pg *sql.DB) *ScheduleService {
	return &ScheduleService{PG: pg}
}

// CreateSchedule creates a schedule together with its layers. All
// configuration invariants (unique layer order, positive rotation, valid
// restriction windows, loadable time zone) are enforced here, so the
// resolver never sees an invalid layer at evaluation time.
func (s *ScheduleService) CreateSchedule(projectID string, req db.CreateScheduleRequest, createdBy string) (db.Schedule, error) {
	schedule := db.Schedule{
		ID:          uuid.New().String(),
		ProjectID:   projectID,
		Name:        req.Name,
		Description: req.Description,
		TimeZone:    req.TimeZone,
		IsActive:    true,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		CreatedBy:   createdBy,
	}
	if schedule.TimeZone == "" {
		schedule.TimeZone = "UTC"
	}
	if _, err := time.LoadLocation(schedule.TimeZone); err != nil {
		return schedule, fmt.Errorf("invalid time zone %q: %w", schedule.TimeZone, err)
	}

	layers, err := buildLayers(schedule.ID, req.Layers)
	if err != nil {
		return schedule, err
	}

	tx, err := s.PG.Begin()
	if err != nil {
		return schedule, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		INSERT INTO schedules (id, project_id, name, description, time_zone, is_active, created_at, updated_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		schedule.ID, schedule.ProjectID, schedule.Name, schedule.Description,
		schedule.TimeZone, schedule.IsActive, schedule.CreatedAt, schedule.UpdatedAt, schedule.CreatedBy)
	if err != nil {
		return schedule, fmt.Errorf("failed to insert schedule: %w", err)
	}

	for _, layer := range layers {
		if err := insertLayer(tx, layer); err != nil {
			return schedule, err
		}
	}

	if err := tx.Commit(); err != nil {
		return schedule, fmt.Errorf("failed to commit transaction: %w", err)
	}

	schedule.Layers = layers
	log.Printf("Created schedule %s with %d layers", schedule.Name, len(layers))
	return schedule, nil
}

// ReplaceLayers swaps the full layer set of a schedule, delete-then-insert
// inside one transaction.
func (s *ScheduleService) ReplaceLayers(scheduleID string, reqs []db.CreateLayerRequest) ([]db.ScheduleLayer, error) {
	layers, err := buildLayers(scheduleID, reqs)
	if err != nil {
		return nil, err
	}

	tx, err := s.PG.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM schedule_layers WHERE schedule_id = $1`, scheduleID); err != nil {
		return nil, fmt.Errorf("failed to delete existing layers: %w", err)
	}
	for _, layer := range layers {
		if err := insertLayer(tx, layer); err != nil {
			return nil, err
		}
	}
	if _, err := tx.Exec(`UPDATE schedules SET updated_at = NOW() WHERE id = $1`, scheduleID); err != nil {
		return nil, fmt.Errorf("failed to touch schedule: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return layers, nil
}

// GetSchedule retrieves a schedule with its layers ordered by priority.
func (s *ScheduleService) GetSchedule(id string) (db.Schedule, error) {
	var schedule db.Schedule
	err := s.PG.QueryRow(`
		SELECT id, project_id, name, description, time_zone, is_active,
		       created_at, updated_at, COALESCE(created_by, '')
		FROM schedules
		WHERE id = $1`, id).Scan(
		&schedule.ID, &schedule.ProjectID, &schedule.Name, &schedule.Description,
		&schedule.TimeZone, &schedule.IsActive, &schedule.CreatedAt, &schedule.UpdatedAt, &schedule.CreatedBy)
	if err != nil {
		if err == sql.ErrNoRows {
			return schedule, fmt.Errorf("schedule not found: %s", id)
		}
		return schedule, fmt.Errorf("failed to get schedule: %w", err)
	}

	layers, err := s.GetLayers(id)
	if err != nil {
		return schedule, err
	}
	schedule.Layers = layers
	return schedule, nil
}

// GetLayers returns the layers of a schedule in ascending priority order.
func (s *ScheduleService) GetLayers(scheduleID string) ([]db.ScheduleLayer, error) {
	rows, err := s.PG.Query(`
		SELECT id, schedule_id, name, layer_order, starts_at, hand_off_time,
		       rotation_unit, rotation_count, user_ids::text, restriction_times::text,
		       created_at, updated_at
		FROM schedule_layers
		WHERE schedule_id = $1
		ORDER BY layer_order ASC`, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query layers: %w", err)
	}
	defer rows.Close()

	var layers []db.ScheduleLayer
	for rows.Next() {
		var layer db.ScheduleLayer
		var userIDsJSON, restrictionsJSON string
		err := rows.Scan(
			&layer.ID, &layer.ScheduleID, &layer.Name, &layer.Order, &layer.StartsAt,
			&layer.HandOffTime, &layer.RotationUnit, &layer.RotationCount,
			&userIDsJSON, &restrictionsJSON, &layer.CreatedAt, &layer.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan layer: %w", err)
		}
		if err := json.Unmarshal([]byte(userIDsJSON), &layer.UserIDs); err != nil {
			return nil, fmt.Errorf("failed to parse layer user order: %w", err)
		}
		if restrictionsJSON != "" && restrictionsJSON != "null" {
			if err := json.Unmarshal([]byte(restrictionsJSON), &layer.RestrictionTimes); err != nil {
				return nil, fmt.Errorf("failed to parse restriction times: %w", err)
			}
		}
		layers = append(layers, layer)
	}
	return layers, nil
}

// ListSchedules returns all schedules of a project.
func (s *ScheduleService) ListSchedules(projectID string) ([]db.Schedule, error) {
	rows, err := s.PG.Query(`
		SELECT id, project_id, name, description, time_zone, is_active,
		       created_at, updated_at, COALESCE(created_by, '')
		FROM schedules
		WHERE project_id = $1
		ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()

	var schedules []db.Schedule
	for rows.Next() {
		var schedule db.Schedule
		err := rows.Scan(
			&schedule.ID, &schedule.ProjectID, &schedule.Name, &schedule.Description,
			&schedule.TimeZone, &schedule.IsActive, &schedule.CreatedAt, &schedule.UpdatedAt, &schedule.CreatedBy)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, schedule)
	}
	return schedules, nil
}

// DeleteSchedule removes a schedule and its layers. Schedules are plain
// configuration, so hard delete is fine; only execution audit rows are
// soft-deleted.
func (s *ScheduleService) DeleteSchedule(id string) error {
	tx, err := s.PG.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM schedule_layers WHERE schedule_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete layers: %w", err)
	}
	result, err := tx.Exec(`DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("schedule not found: %s", id)
	}
	return tx.Commit()
}

func buildLayers(scheduleID string, reqs []db.CreateLayerRequest) ([]db.ScheduleLayer, error) {
	seenOrder := make(map[int]bool)
	layers := make([]db.ScheduleLayer, 0, len(reqs))
	for _, req := range reqs {
		if seenOrder[req.Order] {
			return nil, fmt.Errorf("duplicate layer order %d", req.Order)
		}
		seenOrder[req.Order] = true

		layer := db.ScheduleLayer{
			ID:               uuid.New().String(),
			ScheduleID:       scheduleID,
			Name:             req.Name,
			Order:            req.Order,
			StartsAt:         req.StartsAt,
			HandOffTime:      req.HandOffTime,
			RotationUnit:     req.RotationUnit,
			RotationCount:    req.RotationCount,
			UserIDs:          req.UserIDs,
			RestrictionTimes: req.RestrictionTimes,
			CreatedAt:        time.Now(),
			UpdatedAt:        time.Now(),
		}
		if layer.RotationCount == 0 {
			layer.RotationCount = 1
		}
		if layer.HandOffTime == "" {
			layer.HandOffTime = "00:00"
		}
		if err := validateLayer(layer); err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}
	return layers, nil
}

// validateLayer runs the same rotation math the resolver uses, so a layer
// that passes here can never fail at evaluation time.
func validateLayer(layer db.ScheduleLayer) error {
	if layer.RotationCount <= 0 {
		return fmt.Errorf("layer %d: rotation count must be positive", layer.Order)
	}
	switch layer.RotationUnit {
	case db.RotationUnitHour, db.RotationUnitDay, db.RotationUnitWeek, db.RotationUnitMonth:
	default:
		return fmt.Errorf("layer %d: unknown rotation unit %q", layer.Order, layer.RotationUnit)
	}
	for _, w := range layer.RestrictionTimes {
		if w.Weekday < 0 || w.Weekday > 6 {
			return fmt.Errorf("layer %d: restriction weekday %d out of range", layer.Order, w.Weekday)
		}
		if w.StartMinute < 0 || w.StartMinute >= 24*60 || w.EndMinute < 0 || w.EndMinute >= 24*60 {
			return fmt.Errorf("layer %d: restriction minutes out of range", layer.Order)
		}
		if w.StartMinute == w.EndMinute {
			return fmt.Errorf("layer %d: zero-length restriction window", layer.Order)
		}
	}
	// Probe the rotation with a throwaway instant; empty layers are legal
	// configuration (they just never hold duty).
	if len(layer.UserIDs) > 0 {
		if _, err := duty.OnDutyWindow(layer, layer.StartsAt.Add(time.Hour), time.UTC); err != nil {
			return fmt.Errorf("layer %d: %w", layer.Order, err)
		}
	}
	return nil
}

func insertLayer(tx *sql.Tx, layer db.ScheduleLayer) error {
	userIDsJSON, err := json.Marshal(layer.UserIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal layer user order: %w", err)
	}
	restrictionsJSON, err := json.Marshal(layer.RestrictionTimes)
	if err != nil {
		return fmt.Errorf("failed to marshal restriction times: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO schedule_layers (
			id, schedule_id, name, layer_order, starts_at, hand_off_time,
			rotation_unit, rotation_count, user_ids, restriction_times, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		layer.ID, layer.ScheduleID, layer.Name, layer.Order, layer.StartsAt, layer.HandOffTime,
		layer.RotationUnit, layer.RotationCount, string(userIDsJSON), string(restrictionsJSON),
		layer.CreatedAt, layer.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert layer: %w", err)
	}
	return nil
}
