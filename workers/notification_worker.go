package workers

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/opspulse/oncall/services"
)

// maxDeliveryAttempts bounds redelivery of a failing message before it is
// dropped as poison.
const maxDeliveryAttempts = 5

// NotificationWorker consumes queued email/sms/call notifications from
// PGMQ and hands them to the configured senders. Push never lands here;
// the engine sends it through FCM directly.
type NotificationWorker struct {
	Queue  *services.NotifyQueueService
	Sender NotificationSender
}

// NotificationSender delivers one queued notification over its channel.
// Implementations wrap the actual email/SMS/voice providers.
type NotificationSender interface {
	Send(ctx context.Context, msg services.QueuedNotification) error
}

// LogSender is the default sender: it only logs. Deployments plug real
// providers in through the NotificationSender interface.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, msg services.QueuedNotification) error {
	log.Printf("Notification [%s] to user %s (%s): %s - %s",
		msg.Channel, msg.UserID, msg.Email, msg.Title, msg.Description)
	return nil
}

func NewNotificationWorker(queue *services.NotifyQueueService, sender NotificationSender) *NotificationWorker {
	if sender == nil {
		sender = LogSender{}
	}
	return &NotificationWorker{Queue: queue, Sender: sender}
}

// Start runs the consume loop until ctx is canceled.
func (w *NotificationWorker) Start(ctx context.Context) {
	log.Println("Notification worker started, processing messages from PGMQ...")

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Notification worker stopping")
			return
		case <-ticker.C:
			w.processMessages(ctx)
		}
	}
}

func (w *NotificationWorker) processMessages(ctx context.Context) {
	messages, err := w.Queue.Read(10)
	if err != nil {
		log.Printf("Worker: failed to read notification queue: %v", err)
		return
	}

	for _, raw := range messages {
		var msg services.QueuedNotification
		if err := json.Unmarshal(raw.Message, &msg); err != nil {
			log.Printf("Worker: dropping malformed queue message %d: %v", raw.MsgID, err)
			w.deleteMessage(raw.MsgID)
			continue
		}

		if err := w.Sender.Send(ctx, msg); err != nil {
			log.Printf("Worker: failed to send %s notification to %s: %v", msg.Channel, msg.UserID, err)
			if raw.ReadCt >= maxDeliveryAttempts {
				log.Printf("Worker: dropping message %d after %d attempts", raw.MsgID, raw.ReadCt)
				w.deleteMessage(raw.MsgID)
			}
			// Otherwise leave it; the visibility timeout redelivers it.
			continue
		}
		w.deleteMessage(raw.MsgID)
	}
}

func (w *NotificationWorker) deleteMessage(msgID int64) {
	if err := w.Queue.Delete(msgID); err != nil {
		log.Printf("Worker: failed to delete message %d: %v", msgID, err)
	}
}
