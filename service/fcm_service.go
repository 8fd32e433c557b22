package service

import (
	"context"
	"fmt"
	"time"

	"homeservice-realtime/service/interfaces"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// FCMClient 可替換的 FCM 傳送端
type FCMClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

type FCMService struct {
	logger zerolog.Logger
	client FCMClient
}

// NewFCMServiceFromCredentials 以服務帳號檔案建立 Firebase messaging
func NewFCMServiceFromCredentials(ctx context.Context, logger zerolog.Logger, credentialsFile string) (*FCMService, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("初始化 Firebase 失敗: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("初始化 FCM 失敗: %w", err)
	}
	return NewFCMService(logger, client), nil
}

func NewFCMService(logger zerolog.Logger, client FCMClient) *FCMService {
	return &FCMService{
		logger: logger.With().Str("module", "fcm_service").Logger(),
		client: client,
	}
}

// Send 發送 FCM 推播，data 一併帶上以便點擊時導向
func (f *FCMService) Send(ctx context.Context, msg interfaces.PushMessage) error {
	ttl := 5 * time.Minute
	sound := msg.Sound
	if sound == "" {
		sound = "default"
	}
	message := &messaging.Message{
		Token: msg.To,
		Data:  msg.Data,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
			TTL:      &ttl,
			Notification: &messaging.AndroidNotification{
				Sound:     sound,
				ChannelID: msg.ChannelID,
			},
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{Sound: sound},
			},
		},
	}

	id, err := f.client.Send(ctx, message)
	if err != nil {
		if messaging.IsUnregistered(err) {
			return fmt.Errorf("%w: %v", interfaces.ErrTokenUnregistered, err)
		}
		return fmt.Errorf("FCM推送失敗: %w", err)
	}
	f.logger.Debug().Str("message_id", id).Msg("FCM推送成功")
	return nil
}

var _ interfaces.PushSender = (*FCMService)(nil)
