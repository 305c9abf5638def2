package services

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opspulse/oncall/db"
)

// ExecutionService owns execution logs and their append-only timelines.
// Every state transition is a compare-and-set on the previous status, so a
// timeout and a late acknowledgment racing for the same row produce exactly
// one winner, and an acknowledged event can never regress.
type ExecutionService struct {
	PG *sql.DB
}

func NewExecutionService(pg *sql.DB) *ExecutionService {
	return &ExecutionService{PG: pg}
}

// CreateExecution records a new execution in Scheduled state.
func (s *ExecutionService) CreateExecution(projectID, policyID, triggeredBy string) (db.ExecutionLog, error) {
	execution := db.ExecutionLog{
		ID:          uuid.New().String(),
		ProjectID:   projectID,
		PolicyID:    policyID,
		TriggeredBy: triggeredBy,
		Status:      db.ExecutionStatusScheduled,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}

	_, err := s.PG.Exec(`
		INSERT INTO execution_logs (id, project_id, policy_id, triggered_by, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		execution.ID, execution.ProjectID, execution.PolicyID, execution.TriggeredBy,
		execution.Status, execution.CreatedAt, execution.UpdatedAt)
	if err != nil {
		return execution, fmt.Errorf("failed to insert execution log: %w", err)
	}
	return execution, nil
}

// GetExecution fetches one execution log. Soft-deleted logs stay readable
// for compliance; callers that must hide them filter on DeletedAt.
func (s *ExecutionService) GetExecution(id string) (db.ExecutionLog, error) {
	var execution db.ExecutionLog
	var completedAt, deletedAt sql.NullTime
	err := s.PG.QueryRow(`
		SELECT id, project_id, policy_id, COALESCE(triggered_by, ''), status,
		       COALESCE(status_reason, ''), created_at, updated_at, completed_at, deleted_at
		FROM execution_logs
		WHERE id = $1`, id).Scan(
		&execution.ID, &execution.ProjectID, &execution.PolicyID, &execution.TriggeredBy,
		&execution.Status, &execution.StatusReason, &execution.CreatedAt, &execution.UpdatedAt,
		&completedAt, &deletedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return execution, fmt.Errorf("execution not found: %s", id)
		}
		return execution, fmt.Errorf("failed to get execution: %w", err)
	}
	if completedAt.Valid {
		execution.CompletedAt = &completedAt.Time
	}
	if deletedAt.Valid {
		execution.DeletedAt = &deletedAt.Time
	}
	return execution, nil
}

// StartExecution transitions Scheduled -> Started. Returns false if
// another runner already claimed it.
func (s *ExecutionService) StartExecution(id string) (bool, error) {
	return s.casExecutionStatus(id, db.ExecutionStatusScheduled, db.ExecutionStatusStarted, "")
}

// CompleteExecution transitions Started -> Completed. Reason distinguishes
// acknowledged runs from aborted ones.
func (s *ExecutionService) CompleteExecution(id, reason string) (bool, error) {
	return s.casExecutionStatus(id, db.ExecutionStatusStarted, db.ExecutionStatusCompleted, reason)
}

// FailExecution transitions Started -> Error (escalation exhausted or an
// unrecoverable engine failure).
func (s *ExecutionService) FailExecution(id, reason string) (bool, error) {
	return s.casExecutionStatus(id, db.ExecutionStatusStarted, db.ExecutionStatusError, reason)
}

func (s *ExecutionService) casExecutionStatus(id, from, to, reason string) (bool, error) {
	var completedAt interface{}
	if to == db.ExecutionStatusCompleted || to == db.ExecutionStatusError {
		completedAt = time.Now()
	}
	result, err := s.PG.Exec(`
		UPDATE execution_logs
		SET status = $3, status_reason = $4, completed_at = COALESCE($5, completed_at), updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		id, from, to, reason, completedAt)
	if err != nil {
		return false, fmt.Errorf("failed to transition execution %s to %s: %w", id, to, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected == 1, nil
}

// RequestCancel flags an in-flight execution for abort. The engine
// observes the flag at the next rule boundary, never mid-dispatch.
func (s *ExecutionService) RequestCancel(id string) error {
	result, err := s.PG.Exec(`
		UPDATE execution_logs SET cancel_requested = true, updated_at = NOW()
		WHERE id = $1 AND status IN ($2, $3)`,
		id, db.ExecutionStatusScheduled, db.ExecutionStatusStarted)
	if err != nil {
		return fmt.Errorf("failed to request cancel: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("execution %s is not cancellable", id)
	}
	return nil
}

// IsCancelRequested reports whether an abort has been requested.
func (s *ExecutionService) IsCancelRequested(id string) (bool, error) {
	var requested bool
	err := s.PG.QueryRow(`SELECT COALESCE(cancel_requested, false) FROM execution_logs WHERE id = $1`, id).Scan(&requested)
	if err != nil {
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	return requested, nil
}

// AppendEvent appends a timeline event in Scheduled state (or a terminal
// state for events that are born dead, e.g. "no recipients").
func (s *ExecutionService) AppendEvent(event db.TimelineEvent) (db.TimelineEvent, error) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Status == "" {
		event.Status = db.TimelineStatusScheduled
	}
	event.CreatedAt = time.Now()

	_, err := s.PG.Exec(`
		INSERT INTO execution_timeline_events (
			id, execution_id, rule_id, rule_order, user_id, schedule_id, layer_id,
			channel, status, message, is_acknowledged, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		event.ID, event.ExecutionID, event.RuleID, event.RuleOrder,
		nullIfEmpty(event.UserID), nullIfEmpty(event.ScheduleID), nullIfEmpty(event.LayerID),
		nullIfEmpty(event.Channel), event.Status, event.Message, event.IsAcknowledged, event.CreatedAt)
	if err != nil {
		return event, fmt.Errorf("failed to append timeline event: %w", err)
	}
	return event, nil
}

// AcknowledgeEvents marks the pending events of an execution that belong
// to the acknowledging user as Acknowledged. Monotonic: only Scheduled
// rows move, so a repeated or late acknowledgment is a no-op. Returns the
// number of rows that transitioned.
func (s *ExecutionService) AcknowledgeEvents(executionID, userID string, at time.Time) (int, error) {
	result, err := s.PG.Exec(`
		UPDATE execution_timeline_events
		SET status = $3, is_acknowledged = true, acknowledged_at = $4
		WHERE execution_id = $1 AND user_id = $2 AND status = $5`,
		executionID, userID, db.TimelineStatusAcknowledged, at, db.TimelineStatusScheduled)
	if err != nil {
		return 0, fmt.Errorf("failed to acknowledge timeline events: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(affected), nil
}

// SkipPendingEvents marks every still-Scheduled event of the execution as
// Skipped, used once someone has acknowledged.
func (s *ExecutionService) SkipPendingEvents(executionID string) (int, error) {
	result, err := s.PG.Exec(`
		UPDATE execution_timeline_events
		SET status = $2, message = 'acknowledged by another recipient'
		WHERE execution_id = $1 AND status = $3`,
		executionID, db.TimelineStatusSkipped, db.TimelineStatusScheduled)
	if err != nil {
		return 0, fmt.Errorf("failed to skip pending events: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(affected), nil
}

// TimeoutPendingEvents marks the rule's still-Scheduled events as Error
// after the acknowledgment window elapsed.
func (s *ExecutionService) TimeoutPendingEvents(executionID, ruleID string) (int, error) {
	result, err := s.PG.Exec(`
		UPDATE execution_timeline_events
		SET status = $3, message = 'no acknowledgment before escalation timeout'
		WHERE execution_id = $1 AND rule_id = $2 AND status = $4`,
		executionID, ruleID, db.TimelineStatusError, db.TimelineStatusScheduled)
	if err != nil {
		return 0, fmt.Errorf("failed to time out pending events: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(affected), nil
}

// MarkEventError records a per-recipient dispatch failure. Monotonic like
// every other event mutation.
func (s *ExecutionService) MarkEventError(eventID, message string) error {
	_, err := s.PG.Exec(`
		UPDATE execution_timeline_events
		SET status = $2, message = $3
		WHERE id = $1 AND status = $4`,
		eventID, db.TimelineStatusError, message, db.TimelineStatusScheduled)
	if err != nil {
		return fmt.Errorf("failed to mark event error: %w", err)
	}
	return nil
}

// ListTimeline returns all timeline events of an execution in creation
// order, mirroring the rule traversal order.
func (s *ExecutionService) ListTimeline(executionID string) ([]db.TimelineEvent, error) {
	rows, err := s.PG.Query(`
		SELECT id, execution_id, rule_id, rule_order, COALESCE(user_id, ''),
		       COALESCE(schedule_id, ''), COALESCE(layer_id, ''), COALESCE(channel, ''),
		       status, COALESCE(message, ''), is_acknowledged, acknowledged_at, created_at
		FROM execution_timeline_events
		WHERE execution_id = $1 AND deleted_at IS NULL
		ORDER BY created_at ASC, id ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query timeline: %w", err)
	}
	defer rows.Close()

	var events []db.TimelineEvent
	for rows.Next() {
		var event db.TimelineEvent
		var acknowledgedAt sql.NullTime
		err := rows.Scan(
			&event.ID, &event.ExecutionID, &event.RuleID, &event.RuleOrder, &event.UserID,
			&event.ScheduleID, &event.LayerID, &event.Channel,
			&event.Status, &event.Message, &event.IsAcknowledged, &acknowledgedAt, &event.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan timeline event: %w", err)
		}
		if acknowledgedAt.Valid {
			event.AcknowledgedAt = &acknowledgedAt.Time
		}
		events = append(events, event)
	}
	return events, nil
}

// IsAcknowledged reports the derived acknowledgment state of an execution:
// true once any of its events reached Acknowledged.
func (s *ExecutionService) IsAcknowledged(executionID string) (bool, error) {
	var acknowledged bool
	err := s.PG.QueryRow(`
		SELECT EXISTS (
			SELECT 1 FROM execution_timeline_events
			WHERE execution_id = $1 AND status = $2
		)`, executionID, db.TimelineStatusAcknowledged).Scan(&acknowledged)
	if err != nil {
		return false, fmt.Errorf("failed to read acknowledgment state: %w", err)
	}
	return acknowledged, nil
}

// SoftDeleteExecution hides an execution and its timeline without losing
// the audit trail. There is deliberately no hard delete.
func (s *ExecutionService) SoftDeleteExecution(id string) error {
	tx, err := s.PG.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`UPDATE execution_logs SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id); err != nil {
		return fmt.Errorf("failed to soft delete execution: %w", err)
	}
	if _, err := tx.Exec(`UPDATE execution_timeline_events SET deleted_at = NOW() WHERE execution_id = $1 AND deleted_at IS NULL`, id); err != nil {
		return fmt.Errorf("failed to soft delete timeline: %w", err)
	}
	return tx.Commit()
}

// ListResumable returns executions stuck in Scheduled longer than the
// grace period: triggers that lost the policy-lock race, or runs orphaned
// by a crash before the engine claimed them.
func (s *ExecutionService) ListResumable(grace time.Duration, limit int) ([]db.ExecutionLog, error) {
	rows, err := s.PG.Query(`
		SELECT id, project_id, policy_id, COALESCE(triggered_by, ''), status, created_at, updated_at
		FROM execution_logs
		WHERE status = $1 AND deleted_at IS NULL AND created_at < NOW() - $2::interval
		ORDER BY created_at ASC
		LIMIT $3`,
		db.ExecutionStatusScheduled, fmt.Sprintf("%d seconds", int(grace.Seconds())), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query resumable executions: %w", err)
	}
	defer rows.Close()

	var executions []db.ExecutionLog
	for rows.Next() {
		var execution db.ExecutionLog
		err := rows.Scan(&execution.ID, &execution.ProjectID, &execution.PolicyID,
			&execution.TriggeredBy, &execution.Status, &execution.CreatedAt, &execution.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, execution)
	}
	return executions, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
