package model

import (
	"time"

	"homeservice-realtime/data-models/realtime"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// PushProvider 推播服務提供者
type PushProvider string

const (
	PushProviderExpo PushProvider = "expo"
	PushProviderFCM  PushProvider = "fcm"
	PushProviderSMS  PushProvider = "sms"
)

// PushToken 裝置推播 token；簡訊備援時 Token 為 E.164 電話號碼
type PushToken struct {
	ID          primitive.ObjectID   `bson:"_id,omitempty" json:"id"`
	Participant realtime.Participant `bson:"participant" json:"participant"`
	Token       string               `bson:"token" json:"token"`
	Provider    PushProvider         `bson:"provider" json:"provider"`
	Platform    string               `bson:"platform,omitempty" json:"platform,omitempty"`
	DeviceID    string               `bson:"deviceId,omitempty" json:"deviceId,omitempty"`
	CreatedAt   time.Time            `bson:"createdAt" json:"createdAt"`
	UpdatedAt   time.Time            `bson:"updatedAt" json:"updatedAt"`
}
