package push

import (
	"time"

	"homeservice-realtime/data-models/common"
	"homeservice-realtime/data-models/realtime"
)

// 推播資料中的種類
const (
	KindBooking = "booking"
	KindChat    = "chat"
	KindNotice  = "notice"
)

// SyncTokenBody 同步裝置推播 token
type SyncTokenBody struct {
	Token    string `json:"token" minLength:"1" doc:"裝置推播 token" example:"ExponentPushToken[xxxxxxxxxxxxxxxxxxxxxx]"`
	Platform string `json:"platform,omitempty" enum:"ios,android,web" doc:"平台"`
	DeviceID string `json:"deviceId,omitempty" doc:"裝置ID"`
}

// SyncTokenInput 同步 token 請求
type SyncTokenInput struct {
	Body SyncTokenBody `json:"body"`
}

// SyncTokenResult 同步結果
type SyncTokenResult struct {
	Provider string `json:"provider" example:"expo"`
}

// SyncTokenResponse 同步 token 回應
type SyncTokenResponse struct {
	Body common.APIResponse[SyncTokenResult] `json:"body"`
}

// Payload 推播附帶的資料，點擊時據此導向對應畫面
type Payload struct {
	Kind      string `json:"kind"`
	BookingID string `json:"bookingId,omitempty"`
	// Booking 完整訂單 JSON，過大時省略改由 ID 取得
	Booking string `json:"booking,omitempty"`
	RoomID  string `json:"roomId,omitempty"`
	Title   string `json:"title,omitempty"`
	Message string `json:"message,omitempty"`
	// SentAt 推播送出時間，點擊時判斷內嵌訂單是否過舊
	SentAt time.Time `json:"sentAt,omitempty"`
}

// ToMap 轉為推播服務需要的字串 map
func (p Payload) ToMap() map[string]string {
	m := map[string]string{"kind": p.Kind}
	for k, v := range map[string]string{
		"bookingId": p.BookingID,
		"booking":   p.Booking,
		"roomId":    p.RoomID,
		"title":     p.Title,
		"message":   p.Message,
	} {
		if v != "" {
			m[k] = v
		}
	}
	if !p.SentAt.IsZero() {
		m["sentAt"] = p.SentAt.UTC().Format(time.RFC3339)
	}
	return m
}

// PayloadFromMap 從推播資料還原
func PayloadFromMap(m map[string]string) Payload {
	sentAt, _ := time.Parse(time.RFC3339, m["sentAt"])
	return Payload{
		SentAt:    sentAt,
		Kind:      m["kind"],
		BookingID: m["bookingId"],
		Booking:   m["booking"],
		RoomID:    m["roomId"],
		Title:     m["title"],
		Message:   m["message"],
	}
}

// Task 推播任務，經 RabbitMQ push_notifications 佇列或本機工作池處理
type Task struct {
	Recipient realtime.Participant `json:"recipient"`
	Title     string               `json:"title"`
	Body      string               `json:"body"`
	Payload   Payload              `json:"payload"`
}

// Kind 任務種類，取自 payload
func (t Task) Kind() string {
	return t.Payload.Kind
}
