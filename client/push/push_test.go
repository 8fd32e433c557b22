package push

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	pushModels "homeservice-realtime/data-models/push"
	"homeservice-realtime/data-models/realtime"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

type fakeAlert struct {
	offered []string
	byID    []string
}

func (f *fakeAlert) Offer(b realtime.BookingPayload)          { f.offered = append(f.offered, b.ID) }
func (f *fakeAlert) OfferByID(ctx context.Context, id string) { f.byID = append(f.byID, id) }

type fakeChat struct{ rooms []string }

func (f *fakeChat) OpenChat(room string) { f.rooms = append(f.rooms, room) }

var pushNow = time.Date(2026, 10, 20, 8, 0, 0, 0, time.UTC)

func bookingJSON(t *testing.T, status string) string {
	t.Helper()
	data, err := json.Marshal(realtime.BookingPayload{
		ID:          "42",
		Customer:    realtime.BookingCustomer{Name: "陳先生"},
		Service:     realtime.BookingService{Name: "水電維修"},
		Address:     "新北市板橋區文化路一段 1 號",
		ScheduledAt: time.Date(2026, 10, 21, 14, 0, 0, 0, time.UTC),
		Status:      status,
	})
	if err != nil {
		t.Fatalf("編碼失敗: %v", err)
	}
	return string(data)
}

func TestBridgeRouting(t *testing.T) {
	tests := []struct {
		name      string
		payload   pushModels.Payload
		wantOffer int
		wantByID  int
		wantChat  int
	}{
		{name: "內含完整訂單", payload: pushModels.Payload{Kind: pushModels.KindBooking, BookingID: "42", Booking: bookingJSON(t, realtime.BookingStatusPending), SentAt: pushNow.Add(-30 * time.Second)}, wantOffer: 1},
		{name: "推播過舊改以ID取得", payload: pushModels.Payload{Kind: pushModels.KindBooking, BookingID: "42", Booking: bookingJSON(t, ""), SentAt: pushNow.Add(-10 * time.Minute)}, wantByID: 1},
		{name: "沒有送出時間", payload: pushModels.Payload{Kind: pushModels.KindBooking, BookingID: "42", Booking: bookingJSON(t, "")}, wantByID: 1},
		{name: "內嵌訂單已不可接", payload: pushModels.Payload{Kind: pushModels.KindBooking, BookingID: "42", Booking: bookingJSON(t, "accepted"), SentAt: pushNow}, wantByID: 1},
		{name: "只有訂單ID", payload: pushModels.Payload{Kind: pushModels.KindBooking, BookingID: "42"}, wantByID: 1},
		{name: "訂單資料損毀", payload: pushModels.Payload{Kind: pushModels.KindBooking, BookingID: "42", Booking: "{"}, wantByID: 1},
		{name: "聊天", payload: pushModels.Payload{Kind: pushModels.KindChat, RoomID: "booking:42"}, wantChat: 1},
		{name: "缺少ID", payload: pushModels.Payload{Kind: pushModels.KindBooking}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alert, chat := &fakeAlert{}, &fakeChat{}
			b := NewBridge(alert, chat, nil, func() bool { return true }, clockwork.NewFakeClockAt(pushNow), zerolog.Nop())
			b.OnTap(context.Background(), tt.payload.ToMap())

			if len(alert.offered) != tt.wantOffer || len(alert.byID) != tt.wantByID || len(chat.rooms) != tt.wantChat {
				t.Fatalf("offer/byID/chat = %d/%d/%d, 預期 %d/%d/%d",
					len(alert.offered), len(alert.byID), len(chat.rooms), tt.wantOffer, tt.wantByID, tt.wantChat)
			}
		})
	}
}

func TestBridgeIgnoresWhileConnected(t *testing.T) {
	alert := &fakeAlert{}
	connected := true
	b := NewBridge(alert, nil, nil, func() bool { return connected }, nil, zerolog.Nop())
	data := pushModels.Payload{Kind: pushModels.KindBooking, BookingID: "42"}.ToMap()

	if b.OnReceive(context.Background(), data) {
		t.Fatalf("連線中應忽略推播")
	}
	connected = false
	if !b.OnReceive(context.Background(), data) {
		t.Fatalf("未連線時應處理推播")
	}
	if len(alert.byID) != 1 {
		t.Errorf("OfferByID 次數 = %d", len(alert.byID))
	}
}

type fakeTokenAPI struct {
	calls []pushModels.SyncTokenBody
	err   error
}

func (f *fakeTokenAPI) SyncPushToken(ctx context.Context, body pushModels.SyncTokenBody) error {
	f.calls = append(f.calls, body)
	return f.err
}

type fakeTokenStore struct {
	token  string
	authed bool
}

func (f *fakeTokenStore) PushToken() string           { return f.token }
func (f *fakeTokenStore) SetPushToken(t string) error { f.token = t; return nil }
func (f *fakeTokenStore) Authenticated() bool         { return f.authed }

func TestTokenRegistrar(t *testing.T) {
	api := &fakeTokenAPI{}
	store := &fakeTokenStore{}
	r := NewTokenRegistrar(api, store, "android", "dev-1", zerolog.Nop())
	ctx := context.Background()

	r.Update(ctx, "tok-1")
	if len(api.calls) != 0 {
		t.Fatalf("未登入不應同步")
	}

	store.authed = true
	r.OnAuthenticated(ctx)
	if len(api.calls) != 1 || api.calls[0].Token != "tok-1" {
		t.Fatalf("登入後應同步: %+v", api.calls)
	}

	r.Update(ctx, "tok-1")
	if len(api.calls) != 1 {
		t.Fatalf("token 未變更不應重複同步")
	}

	api.err = errors.New("500")
	r.Update(ctx, "tok-2")
	if len(api.calls) != 2 {
		t.Fatalf("token 變更應同步")
	}
	if store.token != "tok-1" {
		t.Errorf("同步失敗不應更新已保存的 token")
	}
	if len(api.calls) != 2 {
		t.Errorf("同步失敗不應重試")
	}

	api.err = nil
	r.OnAuthenticated(ctx)
	if store.token != "tok-2" {
		t.Errorf("下次登入應再次同步: %s", store.token)
	}
}
