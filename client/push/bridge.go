// Package push 將系統推播導回與即時事件相同的處理流程，並同步裝置推播 token。
package push

import (
	"context"
	"encoding/json"
	"time"

	pushModels "homeservice-realtime/data-models/push"
	"homeservice-realtime/data-models/realtime"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// MaxEmbeddedAge 超過此時間的推播不信任內嵌訂單，改以 ID 取回最新狀態
const MaxEmbeddedAge = 2 * time.Minute

// AlertTarget 新訂單提醒狀態機
type AlertTarget interface {
	Offer(b realtime.BookingPayload)
	OfferByID(ctx context.Context, bookingID string)
}

// ChatOpener 開啟對話畫面
type ChatOpener interface {
	OpenChat(room string)
}

// Notifier 一般提示
type Notifier interface {
	Notify(n realtime.Notification)
}

// ConnectionState 即時連線是否可用
type ConnectionState func() bool

// Bridge 推播橋接
type Bridge struct {
	alert     AlertTarget
	chat      ChatOpener
	notifier  Notifier
	connected ConnectionState
	clock     clockwork.Clock
	logger    zerolog.Logger
}

// NewBridge 建立推播橋接，chat、notifier 與 clock 可為 nil
func NewBridge(alert AlertTarget, chat ChatOpener, notifier Notifier, connected ConnectionState, clock clockwork.Clock, logger zerolog.Logger) *Bridge {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Bridge{
		alert:     alert,
		chat:      chat,
		notifier:  notifier,
		connected: connected,
		clock:     clock,
		logger:    logger.With().Str("module", "push_bridge").Logger(),
	}
}

// OnReceive 前景收到推播；連線中以即時事件為準，推播只作參考
func (b *Bridge) OnReceive(ctx context.Context, data map[string]string) bool {
	if b.connected != nil && b.connected() {
		b.logger.Debug().Str("kind", data["kind"]).Msg("即時連線中，忽略推播")
		return false
	}
	b.route(ctx, pushModels.PayloadFromMap(data))
	return true
}

// OnTap 使用者點擊推播，一律導向對應流程
func (b *Bridge) OnTap(ctx context.Context, data map[string]string) {
	b.route(ctx, pushModels.PayloadFromMap(data))
}

func (b *Bridge) route(ctx context.Context, p pushModels.Payload) {
	switch p.Kind {
	case pushModels.KindBooking:
		if booking, ok := b.embeddedBooking(p); ok {
			b.alert.Offer(booking)
			return
		}
		if p.BookingID == "" {
			b.logger.Warn().Msg("訂單推播缺少訂單 ID")
			return
		}
		b.alert.OfferByID(ctx, p.BookingID)
	case pushModels.KindChat:
		if b.chat == nil || p.RoomID == "" {
			b.logger.Warn().Str("room", p.RoomID).Msg("無法開啟對話")
			return
		}
		b.chat.OpenChat(p.RoomID)
	case pushModels.KindNotice:
		if b.notifier != nil {
			b.notifier.Notify(realtime.Notification{Title: p.Title, Message: p.Message})
		}
	default:
		b.logger.Warn().Str("kind", p.Kind).Msg("未知的推播種類")
	}
}

// embeddedBooking 內嵌訂單只在推播夠新且仍可接單時使用；
// 背景期間漏掉的 booking_removed 不會重送，過舊的資料一律重新取回
func (b *Bridge) embeddedBooking(p pushModels.Payload) (realtime.BookingPayload, bool) {
	var booking realtime.BookingPayload
	if p.Booking == "" {
		return booking, false
	}
	if err := json.Unmarshal([]byte(p.Booking), &booking); err != nil || !booking.Valid() {
		b.logger.Warn().Str("booking_id", p.BookingID).Msg("推播內的訂單資料無法使用，改以 ID 取得")
		return booking, false
	}
	if !booking.Open() {
		b.logger.Info().Str("booking_id", booking.ID).Str("status", booking.Status).Msg("推播內的訂單已不可接，改以 ID 確認")
		return booking, false
	}
	if p.SentAt.IsZero() || b.clock.Since(p.SentAt) > MaxEmbeddedAge {
		b.logger.Info().Str("booking_id", booking.ID).Time("sent_at", p.SentAt).Msg("推播已過舊，改以 ID 取得最新狀態")
		return booking, false
	}
	return booking, true
}
