package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"homeservice-realtime/client/router"
	chatModels "homeservice-realtime/data-models/chat"
	"homeservice-realtime/data-models/realtime"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

var (
	worker   = realtime.Participant{Role: realtime.RoleWorker, ID: "w1"}
	customer = realtime.Participant{Role: realtime.RoleCustomer, ID: "c1"}
)

type fakeAPI struct {
	mu        sync.Mutex
	history   []realtime.ChatMessage
	postGate  chan struct{}
	postErr   error
	posted    []chatModels.PostMessageBody
	nextID    int
	markReads chan string
}

func (a *fakeAPI) OpenConversation(ctx context.Context, ref realtime.ConversationRef) (*chatModels.Conversation, error) {
	return &chatModels.Conversation{
		ID:           "conv-1",
		Ref:          ref,
		Room:         ref.Room(),
		Participants: []realtime.Participant{customer, worker},
		Messages:     a.history,
	}, nil
}

func (a *fakeAPI) PostMessage(ctx context.Context, conversationID string, body chatModels.PostMessageBody) (*realtime.ChatMessage, error) {
	if a.postGate != nil {
		<-a.postGate
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.posted = append(a.posted, body)
	if a.postErr != nil {
		return nil, a.postErr
	}
	a.nextID++
	return &realtime.ChatMessage{
		ID:             fmt.Sprintf("m%d", a.nextID),
		TempID:         body.TempID,
		ConversationID: conversationID,
		Sender:         worker,
		Kind:           body.Kind,
		Body:           body.Body,
	}, nil
}

func (a *fakeAPI) MarkRead(ctx context.Context, conversationID string) error {
	if a.markReads != nil {
		a.markReads <- conversationID
	}
	return nil
}

type emitted struct {
	event   string
	payload any
}

type fakeTransport struct {
	mu     sync.Mutex
	joined []string
	left   []string
	emits  chan emitted
}

func newTransport() *fakeTransport {
	return &fakeTransport{emits: make(chan emitted, 16)}
}

func (f *fakeTransport) Join(room string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, room)
}

func (f *fakeTransport) Leave(room string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, room)
}

func (f *fakeTransport) Emit(event string, payload any) error {
	f.emits <- emitted{event, payload}
	return nil
}

type harness struct {
	session *Session
	api     *fakeAPI
	tr      *fakeTransport
	router  *router.Router
	clock   *clockwork.FakeClock
}

func newHarness(t *testing.T, api *fakeAPI) *harness {
	t.Helper()
	h := &harness{
		api:    api,
		tr:     newTransport(),
		router: router.New(zerolog.Nop()),
		clock:  clockwork.NewFakeClock(),
	}
	h.session = NewSession(realtime.BookingConversation("42"), worker, Deps{
		API:       api,
		Transport: h.tr,
		Router:    h.router,
		Clock:     h.clock,
		Logger:    zerolog.Nop(),
	})
	if err := h.session.Initialize(context.Background()); err != nil {
		t.Fatalf("初始化失敗: %v", err)
	}
	t.Cleanup(h.session.Close)
	return h
}

func (h *harness) dispatch(t *testing.T, event string, payload any) {
	t.Helper()
	f, err := realtime.NewFrame(event, payload)
	if err != nil {
		t.Fatalf("建立訊框失敗: %v", err)
	}
	h.router.Dispatch(f)
}

func expectTyping(t *testing.T, tr *fakeTransport, want bool) {
	t.Helper()
	select {
	case e := <-tr.emits:
		req, ok := e.payload.(realtime.TypingRequest)
		if e.event != realtime.EventTyping || !ok {
			t.Fatalf("預期 typing 事件，收到 %+v", e)
		}
		if req.IsTyping != want {
			t.Fatalf("isTyping = %v, 預期 %v", req.IsTyping, want)
		}
	case <-time.After(time.Second):
		t.Fatalf("等待 typing:%v 逾時", want)
	}
}

func expectNoEmit(t *testing.T, tr *fakeTransport) {
	t.Helper()
	select {
	case e := <-tr.emits:
		t.Fatalf("不應送出事件，收到 %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInitializeJoinsRoom(t *testing.T) {
	api := &fakeAPI{history: []realtime.ChatMessage{
		{ID: "h1", Sender: customer, Kind: realtime.MessageKindText, Body: "你好"},
		{ID: "h2", Sender: worker, Kind: realtime.MessageKindText, Body: "您好", ReadBy: []realtime.Participant{customer}},
	}, markReads: make(chan string, 4)}
	h := newHarness(t, api)

	if len(h.tr.joined) != 1 || h.tr.joined[0] != "booking:42" {
		t.Fatalf("加入的房間 = %v", h.tr.joined)
	}
	msgs := h.session.Messages()
	if len(msgs) != 2 {
		t.Fatalf("訊息數 = %d", len(msgs))
	}
	if msgs[0].Mine || !msgs[1].Mine || !msgs[1].Read {
		t.Errorf("歷史訊息的歸屬或已讀狀態錯誤: %+v", msgs)
	}
	select {
	case <-api.markReads:
	case <-time.After(time.Second):
		t.Errorf("有未讀的對方訊息時應標記已讀")
	}
}

func TestSendReplacesOptimisticEntry(t *testing.T) {
	api := &fakeAPI{postGate: make(chan struct{})}
	h := newHarness(t, api)

	done := make(chan error, 1)
	go func() {
		_, err := h.session.Send(context.Background(), "馬上到")
		done <- err
	}()

	var pending Message
	deadline := time.After(time.Second)
	for pending.TempID == "" {
		select {
		case <-deadline:
			t.Fatalf("樂觀訊息沒有立即出現")
		default:
		}
		if msgs := h.session.Messages(); len(msgs) == 1 {
			pending = msgs[0]
		}
	}
	if pending.Status != StatusPending || pending.ID != "" {
		t.Fatalf("樂觀訊息狀態 = %+v", pending)
	}

	close(api.postGate)
	if err := <-done; err != nil {
		t.Fatalf("送出失敗: %v", err)
	}
	msgs := h.session.Messages()
	if len(msgs) != 1 || msgs[0].ID != "m1" || msgs[0].Status != StatusSent {
		t.Fatalf("確認後訊息 = %+v", msgs)
	}
}

func TestEchoBeforeAckIsNotDuplicated(t *testing.T) {
	api := &fakeAPI{postGate: make(chan struct{})}
	h := newHarness(t, api)

	done := make(chan error, 1)
	go func() {
		_, err := h.session.Send(context.Background(), "到了")
		done <- err
	}()
	var tempID string
	for tempID == "" {
		if msgs := h.session.Messages(); len(msgs) == 1 {
			tempID = msgs[0].TempID
		}
	}

	// 房間回送先到
	h.dispatch(t, realtime.EventChatMessage, realtime.ChatMessageEvent{
		RoomID:  "booking:42",
		Message: realtime.ChatMessage{ID: "m1", TempID: tempID, Sender: worker, Kind: realtime.MessageKindText, Body: "到了"},
	})
	close(api.postGate)
	if err := <-done; err != nil {
		t.Fatalf("送出失敗: %v", err)
	}

	msgs := h.session.Messages()
	if len(msgs) != 1 {
		t.Fatalf("訊息數 = %d, 預期 1: %+v", len(msgs), msgs)
	}
	if msgs[0].ID != "m1" || msgs[0].Status != StatusSent {
		t.Errorf("訊息 = %+v", msgs[0])
	}
}

func TestEchoAfterAckIsIgnored(t *testing.T) {
	h := newHarness(t, &fakeAPI{})

	msg, err := h.session.Send(context.Background(), "好")
	if err != nil {
		t.Fatalf("送出失敗: %v", err)
	}
	h.dispatch(t, realtime.EventChatMessage, realtime.ChatMessageEvent{RoomID: "booking:42", Message: *msg})

	if n := len(h.session.Messages()); n != 1 {
		t.Fatalf("訊息數 = %d, 預期 1", n)
	}
}

func TestFailedSendStaysAndCanResend(t *testing.T) {
	api := &fakeAPI{postErr: errors.New("503")}
	h := newHarness(t, api)

	if _, err := h.session.Send(context.Background(), "在嗎"); err == nil {
		t.Fatalf("預期送出失敗")
	}
	msgs := h.session.Messages()
	if len(msgs) != 1 || msgs[0].Status != StatusFailed {
		t.Fatalf("失敗的訊息應保留並標記 failed: %+v", msgs)
	}
	if len(api.posted) != 1 {
		t.Fatalf("失敗不應自動重試，呼叫次數 = %d", len(api.posted))
	}

	api.mu.Lock()
	api.postErr = nil
	api.mu.Unlock()
	if _, err := h.session.Resend(context.Background(), msgs[0].TempID); err != nil {
		t.Fatalf("重送失敗: %v", err)
	}
	msgs = h.session.Messages()
	if len(msgs) != 1 || msgs[0].Status != StatusSent || msgs[0].ID == "" {
		t.Fatalf("重送後訊息 = %+v", msgs)
	}
	if api.posted[1].TempID != api.posted[0].TempID {
		t.Errorf("重送應沿用暫時 ID")
	}
	if _, err := h.session.Resend(context.Background(), msgs[0].TempID); !errors.Is(err, ErrNotFailed) {
		t.Errorf("已送出的訊息不可重送: %v", err)
	}
}

func TestInboundFromPeerMarksRead(t *testing.T) {
	api := &fakeAPI{markReads: make(chan string, 4)}
	h := newHarness(t, api)

	peer := realtime.ChatMessage{ID: "p1", Sender: customer, Kind: realtime.MessageKindText, Body: "幾點到?"}
	h.dispatch(t, realtime.EventChatMessage, realtime.ChatMessageEvent{RoomID: "booking:42", Message: peer})
	h.dispatch(t, realtime.EventChatMessage, realtime.ChatMessageEvent{RoomID: "booking:42", Message: peer})
	h.dispatch(t, realtime.EventChatMessage, realtime.ChatMessageEvent{RoomID: "booking:99", Message: realtime.ChatMessage{ID: "x", Sender: customer}})

	if n := len(h.session.Messages()); n != 1 {
		t.Fatalf("訊息數 = %d, 預期 1", n)
	}
	select {
	case id := <-api.markReads:
		if id != "conv-1" {
			t.Errorf("標記已讀的對話 = %s", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("收到對方訊息應標記已讀")
	}
}

func TestReadMonotonicAndOnlyOwn(t *testing.T) {
	h := newHarness(t, &fakeAPI{})

	mine, err := h.session.Send(context.Background(), "我到了")
	if err != nil {
		t.Fatalf("送出失敗: %v", err)
	}
	h.dispatch(t, realtime.EventChatMessage, realtime.ChatMessageEvent{
		RoomID:  "booking:42",
		Message: realtime.ChatMessage{ID: "p1", Sender: customer, Kind: realtime.MessageKindText, Body: "好"},
	})

	// 自己讀了對方訊息，不應翻轉自己的訊息
	h.dispatch(t, realtime.EventMessagesRead, realtime.MessagesRead{RoomID: "booking:42", ReadBy: worker})
	if h.session.Messages()[0].Read {
		t.Fatalf("自己的已讀事件不應標記自己的訊息")
	}

	h.dispatch(t, realtime.EventMessagesRead, realtime.MessagesRead{RoomID: "booking:42", ReadBy: customer})
	msgs := h.session.Messages()
	if !msgs[0].Read || msgs[0].ID != mine.ID {
		t.Fatalf("對方已讀後自己的訊息應為已讀: %+v", msgs[0])
	}
	if msgs[1].Read {
		t.Errorf("對方的訊息不應被翻轉")
	}

	// 之後任何事件都不會讓它變回未讀
	h.dispatch(t, realtime.EventChatMessage, realtime.ChatMessageEvent{RoomID: "booking:42", Message: *mine})
	h.dispatch(t, realtime.EventMessagesRead, realtime.MessagesRead{RoomID: "booking:42", ReadBy: customer, MessageIDs: []string{"other"}})
	if !h.session.Messages()[0].Read {
		t.Fatalf("已讀狀態不應倒退")
	}
}

func TestTypingDebounce(t *testing.T) {
	h := newHarness(t, &fakeAPI{})

	for i := 0; i < 3; i++ {
		h.session.Typing(true)
		h.clock.Advance(200 * time.Millisecond)
	}
	expectTyping(t, h.tr, true)
	expectNoEmit(t, h.tr)

	// 最後一次按鍵在 400ms，2000ms 後才送出 false
	h.clock.Advance(1799 * time.Millisecond)
	expectNoEmit(t, h.tr)
	h.clock.Advance(time.Millisecond)
	expectTyping(t, h.tr, false)
	expectNoEmit(t, h.tr)

	h.session.Typing(true)
	expectTyping(t, h.tr, true)
}

func TestPeerTyping(t *testing.T) {
	h := newHarness(t, &fakeAPI{})

	h.dispatch(t, realtime.EventTypingStatus, realtime.TypingStatus{RoomID: "booking:42", UserID: "w1", Role: realtime.RoleWorker, IsTyping: true})
	if len(h.session.PeerTyping()) != 0 {
		t.Fatalf("自己的輸入狀態不應顯示")
	}
	h.dispatch(t, realtime.EventTypingStatus, realtime.TypingStatus{RoomID: "booking:42", UserID: "c1", Role: realtime.RoleCustomer, IsTyping: true})
	if got := h.session.PeerTyping(); len(got) != 1 || got[0] != customer {
		t.Fatalf("對方輸入狀態 = %v", got)
	}
	h.dispatch(t, realtime.EventChatMessage, realtime.ChatMessageEvent{
		RoomID:  "booking:42",
		Message: realtime.ChatMessage{ID: "p1", Sender: customer, Kind: realtime.MessageKindText, Body: "好"},
	})
	if len(h.session.PeerTyping()) != 0 {
		t.Errorf("收到對方訊息後輸入狀態應清除")
	}
}

func TestCloseTearsDown(t *testing.T) {
	h := newHarness(t, &fakeAPI{})
	h.session.Typing(true)
	expectTyping(t, h.tr, true)

	h.session.Close()
	expectTyping(t, h.tr, false)

	if h.router.ListenerCount(realtime.EventChatMessage) != 0 {
		t.Errorf("關閉後仍有 chat_message 處理器")
	}
	if len(h.tr.left) != 1 || h.tr.left[0] != "booking:42" {
		t.Errorf("離開的房間 = %v", h.tr.left)
	}
	h.clock.Advance(5 * time.Second)
	expectNoEmit(t, h.tr)
	if _, err := h.session.Send(context.Background(), "x"); !errors.Is(err, ErrClosed) {
		t.Errorf("關閉後送出應失敗: %v", err)
	}
}
