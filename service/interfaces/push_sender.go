package interfaces

import (
	"context"
	"errors"
)

// ErrTokenUnregistered 裝置 token 已失效，應從資料庫移除
var ErrTokenUnregistered = errors.New("push token unregistered")

// PushMessage 送往單一裝置的推播
type PushMessage struct {
	To    string
	Title string
	Body  string
	Data  map[string]string
	// Sound 訂單推播使用鈴聲，聊天使用預設音效
	Sound     string
	ChannelID string
}

// PushSender 推播服務接口（Expo、FCM、簡訊）
type PushSender interface {
	Send(ctx context.Context, msg PushMessage) error
}
