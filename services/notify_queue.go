package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
)

const notificationQueue = "oncall_notifications"

// QueuedNotification is the message the notification worker consumes for
// the slower channels (email, sms, call). Push goes straight through FCM.
type QueuedNotification struct {
	Channel     string `json:"channel"`
	UserID      string `json:"user_id"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
	ExecutionID string `json:"execution_id"`
	PolicyName  string `json:"policy_name"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// NotifyQueueService enqueues channel deliveries onto PGMQ. The queue
// rides the same Postgres instance as everything else, so an enqueue
// commits atomically with the timeline event that records it.
type NotifyQueueService struct {
	PG *sql.DB
}

func NewNotifyQueueService(pg *sql.DB) *NotifyQueueService {
	return &NotifyQueueService{PG: pg}
}

// EnsureQueue creates the queue if it does not exist yet. Called once at
// startup.
func (s *NotifyQueueService) EnsureQueue() error {
	if _, err := s.PG.Exec(`SELECT pgmq.create($1)`, notificationQueue); err != nil {
		return fmt.Errorf("failed to create notification queue: %w", err)
	}
	log.Printf("PGMQ queue %s ready", notificationQueue)
	return nil
}

// Enqueue publishes one notification for the worker to deliver.
func (s *NotifyQueueService) Enqueue(msg QueuedNotification) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if _, err := s.PG.Exec(`SELECT pgmq.send($1, $2::jsonb)`, notificationQueue, string(payload)); err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}

// PGMQMessage is one raw message read from the queue.
type PGMQMessage struct {
	MsgID   int64
	ReadCt  int
	Message json.RawMessage
}

// Read claims up to limit messages with a 30 second visibility timeout.
func (s *NotifyQueueService) Read(limit int) ([]PGMQMessage, error) {
	rows, err := s.PG.Query(`SELECT msg_id, read_ct, message FROM pgmq.read($1, 30, $2)`, notificationQueue, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read notification queue: %w", err)
	}
	defer rows.Close()

	var messages []PGMQMessage
	for rows.Next() {
		var msg PGMQMessage
		var raw []byte
		if err := rows.Scan(&msg.MsgID, &msg.ReadCt, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan queue message: %w", err)
		}
		msg.Message = json.RawMessage(raw)
		messages = append(messages, msg)
	}
	return messages, nil
}

// Delete removes a processed (or poison) message from the queue.
func (s *NotifyQueueService) Delete(msgID int64) error {
	if _, err := s.PG.Exec(`SELECT pgmq.delete($1, $2::bigint)`, notificationQueue, msgID); err != nil {
		return fmt.Errorf("failed to delete queue message %d: %w", msgID, err)
	}
	return nil
}
