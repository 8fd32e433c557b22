package realtime

import (
	"fmt"
	"strings"
)

// DashboardRoom 後台廣播房間
const DashboardRoom = "dashboard"

// RoomKind 房間種類
type RoomKind string

const (
	RoomKindWorker    RoomKind = "worker"
	RoomKindCustomer  RoomKind = "customer"
	RoomKindBooking   RoomKind = "booking"
	RoomKindTicket    RoomKind = "ticket"
	RoomKindDirect    RoomKind = "direct"
	RoomKindDashboard RoomKind = "dashboard"
)

// WorkerRoom 師傅個人通知房間
func WorkerRoom(workerID string) string { return "worker:" + workerID }

// CustomerRoom 客戶個人通知房間
func CustomerRoom(customerID string) string { return "customer:" + customerID }

// PersonalRoom 參與者的個人房間，客服沒有個人房間
func PersonalRoom(p Participant) string {
	switch p.Role {
	case RoleWorker:
		return WorkerRoom(p.ID)
	case RoleCustomer:
		return CustomerRoom(p.ID)
	}
	return ""
}

// ConversationRef 對話的參照：訂單聊天、客服工單、客戶與師傅私訊
type ConversationRef struct {
	Kind       RoomKind `json:"kind" bson:"kind"`
	ID         string   `json:"id,omitempty" bson:"id,omitempty"`
	CustomerID string   `json:"customerId,omitempty" bson:"customerId,omitempty"`
	WorkerID   string   `json:"workerId,omitempty" bson:"workerId,omitempty"`
}

// BookingConversation 訂單聊天
func BookingConversation(bookingID string) ConversationRef {
	return ConversationRef{Kind: RoomKindBooking, ID: bookingID}
}

// TicketConversation 客服工單聊天
func TicketConversation(ticketID string) ConversationRef {
	return ConversationRef{Kind: RoomKindTicket, ID: ticketID}
}

// DirectConversation 客戶與師傅私訊
func DirectConversation(customerID, workerID string) ConversationRef {
	return ConversationRef{Kind: RoomKindDirect, CustomerID: customerID, WorkerID: workerID}
}

// Validate 檢查參照是否完整
func (r ConversationRef) Validate() error {
	switch r.Kind {
	case RoomKindBooking, RoomKindTicket:
		if r.ID == "" {
			return fmt.Errorf("%s 對話缺少 ID", r.Kind)
		}
	case RoomKindDirect:
		if r.CustomerID == "" || r.WorkerID == "" {
			return fmt.Errorf("私訊對話缺少客戶或師傅 ID")
		}
	default:
		return fmt.Errorf("未知的對話種類: %q", r.Kind)
	}
	return nil
}

// Room 對話對應的房間名稱，同時作為對話的唯一鍵
func (r ConversationRef) Room() string {
	if r.Kind == RoomKindDirect {
		return fmt.Sprintf("direct:%s:%s", r.CustomerID, r.WorkerID)
	}
	return string(r.Kind) + ":" + r.ID
}

// ParsedRoom 解析後的房間名稱
type ParsedRoom struct {
	Kind RoomKind
	// Owner 個人房間的擁有者
	Owner Participant
	// Conversation 對話房間的參照
	Conversation ConversationRef
}

// ParseRoom 解析房間名稱
func ParseRoom(room string) (ParsedRoom, error) {
	if room == DashboardRoom {
		return ParsedRoom{Kind: RoomKindDashboard}, nil
	}
	parts := strings.Split(room, ":")
	for _, p := range parts {
		if p == "" {
			return ParsedRoom{}, fmt.Errorf("無效的房間名稱: %q", room)
		}
	}
	switch {
	case len(parts) == 2 && parts[0] == string(RoomKindWorker):
		return ParsedRoom{Kind: RoomKindWorker, Owner: Participant{Role: RoleWorker, ID: parts[1]}}, nil
	case len(parts) == 2 && parts[0] == string(RoomKindCustomer):
		return ParsedRoom{Kind: RoomKindCustomer, Owner: Participant{Role: RoleCustomer, ID: parts[1]}}, nil
	case len(parts) == 2 && parts[0] == string(RoomKindBooking):
		return ParsedRoom{Kind: RoomKindBooking, Conversation: BookingConversation(parts[1])}, nil
	case len(parts) == 2 && parts[0] == string(RoomKindTicket):
		return ParsedRoom{Kind: RoomKindTicket, Conversation: TicketConversation(parts[1])}, nil
	case len(parts) == 3 && parts[0] == string(RoomKindDirect):
		return ParsedRoom{Kind: RoomKindDirect, Conversation: DirectConversation(parts[1], parts[2])}, nil
	}
	return ParsedRoom{}, fmt.Errorf("無效的房間名稱: %q", room)
}
