package services

import (
	"context"
	"fmt"
	"log"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/opspulse/oncall/db"
	"google.golang.org/api/option"
)

// FCMService delivers push notifications through Firebase Cloud
// Messaging. Initialization is best effort: without credentials the
// service stays up and push sends are logged and skipped, so a dev
// environment never needs a Firebase project.
type FCMService struct {
	client *messaging.Client
}

func NewFCMService(credentialsFile string) (*FCMService, error) {
	service := &FCMService{}
	if credentialsFile == "" {
		log.Println("FCM: no credentials file configured, push notifications disabled")
		return service, nil
	}

	opt := option.WithCredentialsFile(credentialsFile)
	app, err := firebase.NewApp(context.Background(), nil, opt)
	if err != nil {
		log.Printf("FCM: Firebase app not initialized: %v", err)
		return service, nil
	}

	client, err := app.Messaging(context.Background())
	if err != nil {
		log.Printf("FCM: messaging client not initialized: %v", err)
		return service, nil
	}

	service.client = client
	log.Println("FCM: Firebase messaging initialized")
	return service, nil
}

// SendPush sends one escalation push to the user's registered device.
// A user without an FCM token is skipped without error; a provider
// rejection is returned so the caller can record it on the timeline.
func (s *FCMService) SendPush(ctx context.Context, user db.User, note Notification) error {
	if s.client == nil {
		log.Printf("FCM client not initialized, skipping push to %s", user.ID)
		return nil
	}
	if user.FCMToken == "" {
		log.Printf("No FCM token for user %s, skipping push", user.ID)
		return nil
	}

	title := note.Title
	if title == "" {
		title = fmt.Sprintf("Escalation: %s", note.PolicyName)
	}

	message := &messaging.Message{
		Token: user.FCMToken,
		Notification: &messaging.Notification{
			Title: fmt.Sprintf("[ON-CALL] %s", title),
			Body:  note.Description,
		},
		Data: map[string]string{
			"execution_id": note.ExecutionID,
			"policy_name":  note.PolicyName,
			"type":         "escalation",
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				Sound: "default",
			},
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Sound: "default",
				},
			},
		},
	}

	response, err := s.client.Send(ctx, message)
	if err != nil {
		return fmt.Errorf("failed to send push notification: %w", err)
	}
	log.Printf("Push sent to user %s: %s", user.ID, response)
	return nil
}
