package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	pushModels "homeservice-realtime/data-models/push"
	"homeservice-realtime/data-models/realtime"
	"homeservice-realtime/infra"
	"homeservice-realtime/model"
	"homeservice-realtime/service/interfaces"

	"github.com/rs/zerolog"
)

type memoryPushTokenStore struct {
	mu     sync.Mutex
	tokens []model.PushToken
}

func (s *memoryPushTokenStore) Upsert(_ context.Context, token *model.PushToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.tokens[:0]
	for _, t := range s.tokens {
		if t.Token == token.Token {
			continue
		}
		kept = append(kept, t)
	}
	s.tokens = append(kept, *token)
	return nil
}

func (s *memoryPushTokenStore) ListByParticipant(_ context.Context, p realtime.Participant) ([]model.PushToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.PushToken
	for _, t := range s.tokens {
		if t.Participant == p {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memoryPushTokenStore) DeleteToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.tokens[:0]
	for _, t := range s.tokens {
		if t.Token != token {
			kept = append(kept, t)
		}
	}
	s.tokens = kept
	return nil
}

type fakeSender struct {
	err  error
	sent chan interfaces.PushMessage
}

func newFakeSender(err error) *fakeSender {
	return &fakeSender{err: err, sent: make(chan interfaces.PushMessage, 10)}
}

func (f *fakeSender) Send(_ context.Context, msg interfaces.PushMessage) error {
	f.sent <- msg
	return f.err
}

type fakePublisher struct {
	err       error
	published []any
}

func (f *fakePublisher) PublishJSON(queue infra.QueueName, v any) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, v)
	return nil
}

func TestProviderForToken(t *testing.T) {
	tests := []struct {
		token string
		want  model.PushProvider
	}{
		{"ExponentPushToken[xxxxxxxxxxxxxxxxxxxxxx]", model.PushProviderExpo},
		{"ExpoPushToken[abc]", model.PushProviderExpo},
		{"+886912345678", model.PushProviderSMS},
		{"+12", model.PushProviderFCM},
		{"fGx1Y2:APA91bH-abcdefg", model.PushProviderFCM},
	}
	for _, tt := range tests {
		if got := ProviderForToken(tt.token); got != tt.want {
			t.Errorf("ProviderForToken(%q) = %s, 預期 %s", tt.token, got, tt.want)
		}
	}
}

func TestPushTokenSync(t *testing.T) {
	store := &memoryPushTokenStore{}
	svc := NewPushTokenService(zerolog.Nop(), store)
	ctx := context.Background()

	provider, err := svc.Sync(ctx, worker("w1"), pushModels.SyncTokenBody{Token: " ExponentPushToken[a] ", Platform: "ios"})
	if err != nil || provider != model.PushProviderExpo {
		t.Fatalf("同步結果 = (%s, %v)", provider, err)
	}
	if _, err := svc.Sync(ctx, worker("w1"), pushModels.SyncTokenBody{Token: "+886912345678"}); err != nil {
		t.Fatalf("師傅登記簡訊號碼失敗: %v", err)
	}
	if _, err := svc.Sync(ctx, customer("c1"), pushModels.SyncTokenBody{Token: "+886911111111"}); !errors.Is(err, ErrInvalidPushToken) {
		t.Errorf("客戶登記簡訊號碼預期 ErrInvalidPushToken, 得到 %v", err)
	}
	if _, err := svc.Sync(ctx, customer("c1"), pushModels.SyncTokenBody{Token: "  "}); !errors.Is(err, ErrInvalidPushToken) {
		t.Errorf("空 token 預期 ErrInvalidPushToken, 得到 %v", err)
	}

	// 同一裝置換帳號登入
	if _, err := svc.Sync(ctx, worker("w2"), pushModels.SyncTokenBody{Token: "ExponentPushToken[a]"}); err != nil {
		t.Fatalf("同步失敗: %v", err)
	}
	tokens, _ := svc.Tokens(ctx, worker("w1"))
	if len(tokens) != 1 || tokens[0].Provider != model.PushProviderSMS {
		t.Errorf("w1 應只剩簡訊號碼: %+v", tokens)
	}
}

func newNotificationFixture(t *testing.T, publisher QueuePublisher, senders map[model.PushProvider]interfaces.PushSender) (*NotificationService, *PushTokenService) {
	t.Helper()
	tokens := NewPushTokenService(zerolog.Nop(), &memoryPushTokenStore{})
	ns := NewNotificationService(zerolog.Nop(), tokens, senders, publisher, 2, 4)
	return ns, tokens
}

func TestDeliverRouting(t *testing.T) {
	expo := newFakeSender(nil)
	fcm := newFakeSender(nil)
	sms := newFakeSender(nil)
	ns, tokens := newNotificationFixture(t, nil, map[model.PushProvider]interfaces.PushSender{
		model.PushProviderExpo: expo,
		model.PushProviderFCM:  fcm,
		model.PushProviderSMS:  sms,
	})
	ctx := context.Background()
	for _, token := range []string{"ExponentPushToken[a]", "fcm-token-1", "+886912345678"} {
		if _, err := tokens.Sync(ctx, worker("w1"), pushModels.SyncTokenBody{Token: token}); err != nil {
			t.Fatalf("同步失敗: %v", err)
		}
	}

	booking := pushModels.Task{
		Recipient: worker("w1"),
		Title:     "新的訂單",
		Body:      "冷氣清洗",
		Payload:   pushModels.Payload{Kind: pushModels.KindBooking, BookingID: "b1"},
	}
	if err := ns.Deliver(ctx, booking); err != nil {
		t.Fatalf("推播失敗: %v", err)
	}
	msg := <-expo.sent
	if msg.To != "ExponentPushToken[a]" || msg.Sound != bookingSound || msg.ChannelID != bookingChannelID || msg.Data["bookingId"] != "b1" {
		t.Errorf("Expo 訊息錯誤: %+v", msg)
	}
	<-fcm.sent
	if msg := <-sms.sent; msg.To != "+886912345678" {
		t.Errorf("簡訊收件人 = %q", msg.To)
	}

	chat := pushModels.Task{Recipient: worker("w1"), Title: "客戶傳來新訊息", Body: "在嗎", Payload: pushModels.Payload{Kind: pushModels.KindChat, RoomID: "booking:b1"}}
	if err := ns.Deliver(ctx, chat); err != nil {
		t.Fatalf("推播失敗: %v", err)
	}
	<-expo.sent
	<-fcm.sent
	select {
	case msg := <-sms.sent:
		t.Errorf("聊天不應發送簡訊: %+v", msg)
	default:
	}
}

func TestDeliverRemovesUnregisteredToken(t *testing.T) {
	expo := newFakeSender(interfaces.ErrTokenUnregistered)
	fcm := newFakeSender(errors.New("fcm unavailable"))
	ns, tokens := newNotificationFixture(t, nil, map[model.PushProvider]interfaces.PushSender{
		model.PushProviderExpo: expo,
		model.PushProviderFCM:  fcm,
	})
	ctx := context.Background()
	tokens.Sync(ctx, customer("c1"), pushModels.SyncTokenBody{Token: "ExponentPushToken[dead]"})
	tokens.Sync(ctx, customer("c1"), pushModels.SyncTokenBody{Token: "fcm-token-1"})

	err := ns.Deliver(ctx, pushModels.Task{Recipient: customer("c1"), Title: "通知", Payload: pushModels.Payload{Kind: pushModels.KindNotice}})
	if err == nil {
		t.Fatal("FCM 失敗時應回傳錯誤")
	}
	left, _ := tokens.Tokens(ctx, customer("c1"))
	if len(left) != 1 || left[0].Token != "fcm-token-1" {
		t.Errorf("失效的 Expo token 應被移除: %+v", left)
	}
}

func TestEnqueueLocalPool(t *testing.T) {
	expo := newFakeSender(nil)
	ns, tokens := newNotificationFixture(t, nil, map[model.PushProvider]interfaces.PushSender{model.PushProviderExpo: expo})
	tokens.Sync(context.Background(), worker("w1"), pushModels.SyncTokenBody{Token: "ExponentPushToken[a]"})

	ns.Start()
	ns.Start()
	defer ns.Stop()

	if err := ns.Enqueue(context.Background(), pushModels.Task{Recipient: worker("w1"), Title: "新的訂單", Payload: pushModels.Payload{Kind: pushModels.KindBooking}}); err != nil {
		t.Fatalf("排入失敗: %v", err)
	}
	select {
	case msg := <-expo.sent:
		if msg.Title != "新的訂單" {
			t.Errorf("標題 = %q", msg.Title)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker 沒有處理任務")
	}
}

func TestEnqueuePublisher(t *testing.T) {
	publisher := &fakePublisher{}
	ns, _ := newNotificationFixture(t, publisher, nil)
	task := pushModels.Task{Recipient: worker("w1"), Payload: pushModels.Payload{Kind: pushModels.KindBooking}}

	if err := ns.Enqueue(context.Background(), task); err != nil {
		t.Fatalf("排入失敗: %v", err)
	}
	if len(publisher.published) != 1 || ns.GetQueueLength() != 0 {
		t.Errorf("應發布到 RabbitMQ: published=%d local=%d", len(publisher.published), ns.GetQueueLength())
	}

	publisher.err = errors.New("channel closed")
	if err := ns.Enqueue(context.Background(), task); err != nil {
		t.Fatalf("排入失敗: %v", err)
	}
	if ns.GetQueueLength() != 1 {
		t.Errorf("RabbitMQ 失敗時應改用本機隊列, 長度 = %d", ns.GetQueueLength())
	}
}

func TestEnqueueFullQueueHonorsContext(t *testing.T) {
	ns, _ := newNotificationFixture(t, nil, nil)
	task := pushModels.Task{Recipient: worker("w1"), Payload: pushModels.Payload{Kind: pushModels.KindChat}}
	for i := 0; i < 4; i++ {
		if err := ns.Enqueue(context.Background(), task); err != nil {
			t.Fatalf("排入失敗: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := ns.Enqueue(ctx, task); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("隊列已滿預期逾時, 得到 %v", err)
	}
}
