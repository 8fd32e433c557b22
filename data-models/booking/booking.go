package booking

import (
	"time"

	"homeservice-realtime/data-models/common"
	"homeservice-realtime/data-models/realtime"
)

// GetBookingInput 依 ID 取得訂單
type GetBookingInput struct {
	ID string `path:"id" doc:"訂單ID" example:"66f0c2b35ac3591b32e2d13a"`
}

// GetBookingResponse 訂單資料
type GetBookingResponse struct {
	Body common.APIResponse[realtime.BookingPayload] `json:"body"`
}

// AcceptBookingInput 師傅接單（師傅ID取自 JWT）
type AcceptBookingInput struct {
	ID string `path:"id" doc:"訂單ID"`
}

// AcceptResult 接單結果
type AcceptResult struct {
	BookingID  string    `json:"bookingId" example:"66f0c2b35ac3591b32e2d13a"`
	Status     string    `json:"status" example:"accepted"`
	WorkerID   string    `json:"workerId"`
	AcceptedAt time.Time `json:"acceptedAt"`
}

// AcceptBookingResponse 接單回應
type AcceptBookingResponse struct {
	Body common.APIResponse[AcceptResult] `json:"body"`
}

// RejectBody 拒單原因
type RejectBody struct {
	Reason string `json:"reason,omitempty" doc:"拒單原因（選填）" example:"時間無法配合"`
}

// RejectBookingInput 師傅拒單
type RejectBookingInput struct {
	ID   string     `path:"id" doc:"訂單ID"`
	Body RejectBody `json:"body"`
}

// RejectResult 拒單結果
type RejectResult struct {
	BookingID       string `json:"bookingId"`
	RemainingOffers int    `json:"remainingOffers" doc:"仍在等待回應的師傅數"`
}

// RejectBookingResponse 拒單回應
type RejectBookingResponse struct {
	Body common.APIResponse[RejectResult] `json:"body"`
}

// DispatchMessage RabbitMQ 上的派單訊息
type DispatchMessage struct {
	BookingID string   `json:"bookingId"`
	WorkerIDs []string `json:"workerIds,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}
