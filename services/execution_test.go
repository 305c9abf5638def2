package services

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/opspulse/oncall/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartExecution_ClaimsScheduledRow(t *testing.T) {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	mock.ExpectExec("UPDATE execution_logs").
		WithArgs("exec-1", db.ExecutionStatusScheduled, db.ExecutionStatusStarted, "", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	service := NewExecutionService(pg)
	claimed, err := service.StartExecution("exec-1")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStartExecution_AlreadyClaimedReturnsFalse(t *testing.T) {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	// Row exists but status is no longer scheduled: zero rows affected.
	mock.ExpectExec("UPDATE execution_logs").
		WithArgs("exec-1", db.ExecutionStatusScheduled, db.ExecutionStatusStarted, "", nil).
		WillReturnResult(sqlmock.NewResult(0, 0))

	service := NewExecutionService(pg)
	claimed, err := service.StartExecution("exec-1")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestCompleteExecution_SetsCompletedAt(t *testing.T) {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	mock.ExpectExec("UPDATE execution_logs").
		WithArgs("exec-1", db.ExecutionStatusStarted, db.ExecutionStatusCompleted, "acknowledged by alice", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	service := NewExecutionService(pg)
	done, err := service.CompleteExecution("exec-1", "acknowledged by alice")
	require.NoError(t, err)
	assert.True(t, done)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcknowledgeEvents_OnlyMovesScheduledRows(t *testing.T) {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE execution_timeline_events").
		WithArgs("exec-1", "alice", db.TimelineStatusAcknowledged, at, db.TimelineStatusScheduled).
		WillReturnResult(sqlmock.NewResult(0, 2))

	service := NewExecutionService(pg)
	moved, err := service.AcknowledgeEvents("exec-1", "alice", at)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)
}

func TestListTimeline_ReturnsEventsInCreationOrder(t *testing.T) {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "execution_id", "rule_id", "rule_order", "user_id",
		"schedule_id", "layer_id", "channel", "status", "message",
		"is_acknowledged", "acknowledged_at", "created_at",
	}).
		AddRow("event-1", "exec-1", "rule-1", 0, "alice", "", "", "push", db.TimelineStatusError, "timeout", false, nil, created).
		AddRow("event-2", "exec-1", "rule-2", 1, "bob", "sched-1", "layer-1", "push", db.TimelineStatusAcknowledged, "", true, created.Add(time.Minute), created.Add(30*time.Second))

	mock.ExpectQuery("SELECT (.+) FROM execution_timeline_events").
		WithArgs("exec-1").
		WillReturnRows(rows)

	service := NewExecutionService(pg)
	events, err := service.ListTimeline("exec-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "alice", events[0].UserID)
	assert.Equal(t, db.TimelineStatusError, events[0].Status)
	assert.Equal(t, "bob", events[1].UserID)
	assert.True(t, events[1].IsAcknowledged)
	require.NotNil(t, events[1].AcknowledgedAt)
	assert.Equal(t, "sched-1", events[1].ScheduleID)
}

func TestIsAcknowledged_DerivedFromEvents(t *testing.T) {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("exec-1", db.TimelineStatusAcknowledged).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	service := NewExecutionService(pg)
	acknowledged, err := service.IsAcknowledged("exec-1")
	require.NoError(t, err)
	assert.True(t, acknowledged)
}

func TestRequestCancel_RejectsFinishedExecution(t *testing.T) {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	mock.ExpectExec("UPDATE execution_logs SET cancel_requested").
		WithArgs("exec-1", db.ExecutionStatusScheduled, db.ExecutionStatusStarted).
		WillReturnResult(sqlmock.NewResult(0, 0))

	service := NewExecutionService(pg)
	err = service.RequestCancel("exec-1")
	assert.Error(t, err)
}

func TestSoftDeleteExecution_HidesLogAndTimeline(t *testing.T) {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE execution_logs SET deleted_at").
		WithArgs("exec-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE execution_timeline_events SET deleted_at").
		WithArgs("exec-1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	service := NewExecutionService(pg)
	require.NoError(t, service.SoftDeleteExecution("exec-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
