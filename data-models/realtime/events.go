package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// 伺服器推送的事件
const (
	EventNewBooking      = "new_booking"
	EventBookingRemoved  = "booking_removed"
	EventChatMessage     = "chat_message"
	EventTypingStatus    = "typing_status"
	EventMessagesRead    = "messages_read"
	EventNewNotification = "new_notification"
	EventRoomJoined      = "room_joined"
	EventError           = "error"
	EventPong            = "pong"
)

// 客戶端送出的事件
const (
	EventJoinRoom  = "join_room"
	EventLeaveRoom = "leave_room"
	EventTyping    = "typing"
	EventPing      = "ping"
)

// Frame 單一 websocket 訊框，type 決定 data 的結構
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewFrame 將 payload 編碼為訊框
func NewFrame(event string, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Type: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("編碼事件 %s 失敗: %w", event, err)
	}
	return Frame{Type: event, Data: data}, nil
}

// Decode 將訊框內容解碼到 v
func (f Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("事件 %s 沒有內容", f.Type)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("解碼事件 %s 失敗: %w", f.Type, err)
	}
	return nil
}

// Location 經緯度
type Location struct {
	Lat float64 `json:"lat" bson:"lat"`
	Lng float64 `json:"lng" bson:"lng"`
}

// BookingCustomer 訂單上的客戶資料
type BookingCustomer struct {
	ID    string `json:"id" bson:"id"`
	Name  string `json:"name" bson:"name"`
	Phone string `json:"phone,omitempty" bson:"phone,omitempty"`
}

// BookingService 訂單的服務項目
type BookingService struct {
	ID   string `json:"id" bson:"id"`
	Name string `json:"name" bson:"name"`
}

// BookingPayload new_booking 事件內容，也是推播點擊後取回的訂單資料
type BookingPayload struct {
	ID          string          `json:"id"`
	Customer    BookingCustomer `json:"customer"`
	Service     BookingService  `json:"service"`
	Address     string          `json:"address"`
	Location    *Location       `json:"location,omitempty"`
	Amount      float64         `json:"amount"`
	Currency    string          `json:"currency,omitempty"`
	ScheduledAt time.Time       `json:"scheduledAt"`
	Status      string          `json:"status,omitempty"`
}

// BookingStatusPending 對外的待接單狀態，推送中的訂單也以此狀態呈現
const BookingStatusPending = "pending"

// Open 訂單仍可接單，未帶狀態時視為可接
func (b BookingPayload) Open() bool {
	return b.Status == "" || b.Status == BookingStatusPending
}

// Valid 檢查訂單資料是否完整到可以顯示
func (b BookingPayload) Valid() bool {
	return b.ID != "" && b.Customer.Name != "" && b.Service.Name != "" && b.Address != "" && !b.ScheduledAt.IsZero()
}

// BookingRemoved booking_removed 事件內容
type BookingRemoved struct {
	BookingID string `json:"bookingId"`
	Reason    string `json:"reason,omitempty"`
}

// 訂單撤回原因
const (
	RemovedReasonTaken     = "taken"
	RemovedReasonCancelled = "cancelled"
	RemovedReasonExpired   = "expired"
)

// MessageKind 聊天訊息類型
type MessageKind string

const (
	MessageKindText  MessageKind = "text"
	MessageKindImage MessageKind = "image"
	MessageKindAudio MessageKind = "audio"
	MessageKindFile  MessageKind = "file"
)

// MediaRef 已上傳媒體的參照，上傳本身不在此處理
type MediaRef struct {
	URL      string `json:"url" bson:"url"`
	MimeType string `json:"mimeType,omitempty" bson:"mimeType,omitempty"`
	Duration int    `json:"duration,omitempty" bson:"duration,omitempty"`
}

// ChatMessage 伺服器確認後的聊天訊息
type ChatMessage struct {
	ID             string        `json:"id"`
	TempID         string        `json:"tempId,omitempty"`
	ConversationID string        `json:"conversationId"`
	Sender         Participant   `json:"sender"`
	Kind           MessageKind   `json:"kind"`
	Body           string        `json:"body,omitempty"`
	Media          *MediaRef     `json:"media,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	Delivered      bool          `json:"delivered"`
	ReadBy         []Participant `json:"readBy,omitempty"`
}

// ChatMessageEvent chat_message 事件內容
type ChatMessageEvent struct {
	RoomID  string      `json:"roomId"`
	Message ChatMessage `json:"message"`
}

// TypingStatus typing_status 事件內容
type TypingStatus struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	Role     Role   `json:"role"`
	IsTyping bool   `json:"isTyping"`
}

// Participant 輸入中的使用者
func (t TypingStatus) Participant() Participant {
	return Participant{Role: t.Role, ID: t.UserID}
}

// MessagesRead messages_read 事件內容
type MessagesRead struct {
	RoomID     string      `json:"roomId"`
	ReadBy     Participant `json:"readBy"`
	MessageIDs []string    `json:"messageIds,omitempty"`
	ReadAt     time.Time   `json:"readAt"`
}

// Notification new_notification 事件內容
type Notification struct {
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Data    map[string]string `json:"data,omitempty"`
}

// RoomRequest join_room / leave_room 的內容
type RoomRequest struct {
	RoomID string `json:"roomId"`
}

// TypingRequest 客戶端送出的 typing 事件
type TypingRequest struct {
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

// ErrorEvent 伺服器回報的錯誤
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RoomID  string `json:"roomId,omitempty"`
}
