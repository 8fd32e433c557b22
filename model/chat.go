package model

import (
	"time"

	"homeservice-realtime/data-models/realtime"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Conversation 對話，room 為唯一鍵
type Conversation struct {
	ID           primitive.ObjectID       `bson:"_id,omitempty" json:"id"`
	Ref          realtime.ConversationRef `bson:"ref" json:"ref"`
	Room         string                   `bson:"room" json:"room"`
	Participants []realtime.Participant   `bson:"participants" json:"participants"`
	LastMessage  *time.Time               `bson:"lastMessageAt,omitempty" json:"lastMessageAt,omitempty"`
	CreatedAt    time.Time                `bson:"createdAt" json:"createdAt"`
	UpdatedAt    time.Time                `bson:"updatedAt" json:"updatedAt"`
}

// HasParticipant 是否為對話成員
func (c *Conversation) HasParticipant(p realtime.Participant) bool {
	for _, member := range c.Participants {
		if member == p {
			return true
		}
	}
	return false
}

// ReadStatus 已讀狀態
type ReadStatus struct {
	Participant realtime.Participant `bson:"participant" json:"participant"`
	ReadAt      time.Time            `bson:"readAt" json:"readAt"`
}

// ChatMessage 聊天消息
type ChatMessage struct {
	ID             primitive.ObjectID   `bson:"_id,omitempty" json:"id"`
	ConversationID primitive.ObjectID   `bson:"conversationId" json:"conversationId"`
	TempID         *string              `bson:"tempId,omitempty" json:"tempId,omitempty"`
	Sender         realtime.Participant `bson:"sender" json:"sender"`
	Kind           realtime.MessageKind `bson:"kind" json:"kind"`
	Body           string               `bson:"body,omitempty" json:"body,omitempty"`
	Media          *realtime.MediaRef   `bson:"media,omitempty" json:"media,omitempty"`
	ReadBy         []ReadStatus         `bson:"readBy" json:"readBy"`
	CreatedAt      time.Time            `bson:"createdAt" json:"createdAt"`
}

// ToEvent 轉為推送格式
func (m *ChatMessage) ToEvent() realtime.ChatMessage {
	out := realtime.ChatMessage{
		ID:             m.ID.Hex(),
		ConversationID: m.ConversationID.Hex(),
		Sender:         m.Sender,
		Kind:           m.Kind,
		Body:           m.Body,
		Media:          m.Media,
		CreatedAt:      m.CreatedAt,
		Delivered:      true,
	}
	if m.TempID != nil {
		out.TempID = *m.TempID
	}
	for _, r := range m.ReadBy {
		out.ReadBy = append(out.ReadBy, r.Participant)
	}
	return out
}
