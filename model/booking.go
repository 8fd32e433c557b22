package model

import (
	"time"

	"homeservice-realtime/data-models/realtime"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// BookingStatus 訂單狀態
type BookingStatus string

const (
	BookingStatusPending   BookingStatus = realtime.BookingStatusPending
	BookingStatusOffered   BookingStatus = "offered"
	BookingStatusAccepted  BookingStatus = "accepted"
	BookingStatusCancelled BookingStatus = "cancelled"
	BookingStatusExpired   BookingStatus = "expired"
)

// Dispatchable 尚未被接走的訂單
func (s BookingStatus) Dispatchable() bool {
	return s == BookingStatusPending || s == BookingStatusOffered
}

// Booking 訂單
type Booking struct {
	ID          primitive.ObjectID       `bson:"_id,omitempty" json:"id"`
	Customer    realtime.BookingCustomer `bson:"customer" json:"customer"`
	Service     realtime.BookingService  `bson:"service" json:"service"`
	Address     string                   `bson:"address" json:"address"`
	Location    *realtime.Location       `bson:"location,omitempty" json:"location,omitempty"`
	Amount      float64                  `bson:"amount" json:"amount"`
	Currency    string                   `bson:"currency,omitempty" json:"currency,omitempty"`
	ScheduledAt time.Time                `bson:"scheduledAt" json:"scheduledAt"`
	Status      BookingStatus            `bson:"status" json:"status"`
	// OfferedTo 目前推送中的師傅
	OfferedTo  []string   `bson:"offeredTo,omitempty" json:"offeredTo,omitempty"`
	RejectedBy []string   `bson:"rejectedBy,omitempty" json:"rejectedBy,omitempty"`
	WorkerID   string     `bson:"workerId,omitempty" json:"workerId,omitempty"`
	AcceptedAt *time.Time `bson:"acceptedAt,omitempty" json:"acceptedAt,omitempty"`
	ClosedAt   *time.Time `bson:"closedAt,omitempty" json:"closedAt,omitempty"`
	CreatedAt  time.Time  `bson:"createdAt" json:"createdAt"`
	UpdatedAt  time.Time  `bson:"updatedAt" json:"updatedAt"`
}

// Payload 轉為推送給師傅的訂單資料
func (b *Booking) Payload() realtime.BookingPayload {
	return realtime.BookingPayload{
		ID:          b.ID.Hex(),
		Customer:    b.Customer,
		Service:     b.Service,
		Address:     b.Address,
		Location:    b.Location,
		Amount:      b.Amount,
		Currency:    b.Currency,
		ScheduledAt: b.ScheduledAt,
		Status:      string(b.Status.Public()),
	}
}

// Public 對外顯示的狀態，推送中仍視為待接單
func (s BookingStatus) Public() BookingStatus {
	if s == BookingStatusOffered {
		return BookingStatusPending
	}
	return s
}
