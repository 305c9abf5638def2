package services

import (
	"context"
	"fmt"

	"github.com/opspulse/oncall/db"
)

// ChannelDispatcher routes each notification channel to its transport:
// push goes directly to FCM, everything else is enqueued for the
// notification worker.
type ChannelDispatcher struct {
	FCM   *FCMService
	Queue *NotifyQueueService
}

func NewChannelDispatcher(fcm *FCMService, queue *NotifyQueueService) *ChannelDispatcher {
	return &ChannelDispatcher{FCM: fcm, Queue: queue}
}

func (d *ChannelDispatcher) Dispatch(ctx context.Context, channel string, user db.User, note Notification) error {
	switch channel {
	case db.ChannelPush:
		return d.FCM.SendPush(ctx, user, note)
	case db.ChannelEmail, db.ChannelSMS, db.ChannelCall:
		return d.Queue.Enqueue(QueuedNotification{
			Channel:     channel,
			UserID:      user.ID,
			Email:       user.Email,
			Phone:       user.Phone,
			ExecutionID: note.ExecutionID,
			PolicyName:  note.PolicyName,
			Title:       note.Title,
			Description: note.Description,
		})
	default:
		return fmt.Errorf("unknown notification channel: %s", channel)
	}
}
