// Package chat 管理單一對話的訊息列表、樂觀送出、輸入中提示與已讀回條。
//
// 訂單聊天、客服工單與私訊三種畫面共用同一個 Session，以 ConversationRef 區分。
// 訊息依到達順序附加，不依時間重新排序。
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"homeservice-realtime/client/router"
	chatModels "homeservice-realtime/data-models/chat"
	"homeservice-realtime/data-models/realtime"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// TypingTimeout 停止輸入多久後送出 typing:false
const TypingTimeout = 2 * time.Second

var (
	// ErrNotInitialized 尚未 Initialize
	ErrNotInitialized = errors.New("對話尚未初始化")
	// ErrClosed 對話已關閉
	ErrClosed = errors.New("對話已關閉")
	// ErrEmptyMessage 空白訊息
	ErrEmptyMessage = errors.New("訊息內容不能為空")
	// ErrNotFailed 只有送出失敗的訊息可以重送
	ErrNotFailed = errors.New("訊息不是送出失敗狀態")
)

// Status 本機訊息狀態
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Message 畫面上的一則訊息
type Message struct {
	realtime.ChatMessage
	Status Status
	// Read 自己送出的訊息是否已被對方讀取，只會由 false 變 true
	Read bool
	// Mine 是否為自己送出
	Mine bool
}

// API 對話需要的後端呼叫
type API interface {
	OpenConversation(ctx context.Context, ref realtime.ConversationRef) (*chatModels.Conversation, error)
	PostMessage(ctx context.Context, conversationID string, body chatModels.PostMessageBody) (*realtime.ChatMessage, error)
	MarkRead(ctx context.Context, conversationID string) error
}

// Transport 即時連線
type Transport interface {
	Join(room string)
	Leave(room string)
	Emit(event string, payload any) error
}

// Deps 對話的外部依賴
type Deps struct {
	API       API
	Transport Transport
	Router    *router.Router
	// Clock 預設為真實時鐘
	Clock  clockwork.Clock
	Logger zerolog.Logger
	// OnChange 訊息列表或輸入狀態變動時呼叫（鎖外）
	OnChange func()
}

// Session 單一對話
type Session struct {
	ref      realtime.ConversationRef
	self     realtime.Participant
	api      API
	tr       Transport
	router   *router.Router
	clock    clockwork.Clock
	logger   zerolog.Logger
	onChange func()

	mu             sync.Mutex
	ctx            context.Context
	cancel         context.CancelFunc
	conversationID string
	room           string
	participants   []realtime.Participant
	messages       []Message
	peerTyping     map[realtime.Participant]bool
	scope          *router.Scope
	closed         bool

	typingActive bool
	typingTimer  clockwork.Timer
	typingGen    uint64

	wg sync.WaitGroup
}

// NewSession 建立對話，self 為目前登入者
func NewSession(ref realtime.ConversationRef, self realtime.Participant, deps Deps) *Session {
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Session{
		ref:        ref,
		self:       self,
		api:        deps.API,
		tr:         deps.Transport,
		router:     deps.Router,
		clock:      clock,
		logger:     deps.Logger.With().Str("module", "chat_session").Str("room", ref.Room()).Logger(),
		onChange:   deps.OnChange,
		peerTyping: make(map[realtime.Participant]bool),
	}
}

// Initialize 開啟對話、載入訊息並加入房間
func (s *Session) Initialize(ctx context.Context) error {
	if err := s.ref.Validate(); err != nil {
		return err
	}
	conv, err := s.api.OpenConversation(ctx, s.ref)
	if err != nil {
		return fmt.Errorf("開啟對話失敗: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.conversationID = conv.ID
	s.room = conv.Room
	if s.room == "" {
		s.room = s.ref.Room()
	}
	s.participants = conv.Participants
	s.messages = s.messages[:0]
	for _, m := range conv.Messages {
		s.messages = append(s.messages, s.fromServer(m))
	}
	if s.scope != nil {
		s.scope.Close()
	}
	s.scope = s.router.NewScope()
	s.bindLocked()
	room := s.room
	unread := s.hasUnreadFromPeerLocked()
	s.mu.Unlock()

	s.tr.Join(room)
	s.logger.Info().Str("conversation_id", conv.ID).Int("messages", len(conv.Messages)).Msg("對話已初始化")
	if unread {
		s.markReadAsync()
	}
	s.changed()
	return nil
}

func (s *Session) bindLocked() {
	r := s.router
	s.scope.Track(router.Handle(r, realtime.EventChatMessage, s.handleMessage))
	s.scope.Track(router.Handle(r, realtime.EventMessagesRead, s.handleRead))
	s.scope.Track(router.Handle(r, realtime.EventTypingStatus, s.handleTyping))
}

func (s *Session) fromServer(m realtime.ChatMessage) Message {
	msg := Message{ChatMessage: m, Status: StatusSent, Mine: m.Sender == s.self}
	if msg.Mine {
		for _, p := range m.ReadBy {
			if p != s.self {
				msg.Read = true
				break
			}
		}
	}
	return msg
}

func (s *Session) hasUnreadFromPeerLocked() bool {
	for _, m := range s.messages {
		if m.Mine {
			continue
		}
		read := false
		for _, p := range m.ReadBy {
			if p == s.self {
				read = true
				break
			}
		}
		if !read {
			return true
		}
	}
	return false
}

// ConversationID 伺服器端的對話 ID
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Room 對話房間
func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// Messages 目前訊息列表的複本
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// PeerTyping 正在輸入的對方
func (s *Session) PeerTyping() []realtime.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []realtime.Participant
	for p, typing := range s.peerTyping {
		if typing {
			out = append(out, p)
		}
	}
	return out
}

// Send 送出文字訊息；樂觀訊息立即出現在列表，回傳伺服器確認後的訊息
func (s *Session) Send(ctx context.Context, text string) (*realtime.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	return s.send(ctx, chatModels.PostMessageBody{Kind: realtime.MessageKindText, Body: text})
}

// SendMedia 送出已上傳的媒體
func (s *Session) SendMedia(ctx context.Context, kind realtime.MessageKind, media realtime.MediaRef, caption string) (*realtime.ChatMessage, error) {
	if media.URL == "" {
		return nil, ErrEmptyMessage
	}
	if kind == "" || kind == realtime.MessageKindText {
		kind = realtime.MessageKindFile
	}
	return s.send(ctx, chatModels.PostMessageBody{Kind: kind, Body: caption, Media: &media})
}

func (s *Session) send(ctx context.Context, body chatModels.PostMessageBody) (*realtime.ChatMessage, error) {
	body.TempID = uuid.NewString()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.conversationID == "" {
		s.mu.Unlock()
		return nil, ErrNotInitialized
	}
	s.messages = append(s.messages, Message{
		ChatMessage: realtime.ChatMessage{
			TempID:         body.TempID,
			ConversationID: s.conversationID,
			Sender:         s.self,
			Kind:           body.Kind,
			Body:           body.Body,
			Media:          body.Media,
			CreatedAt:      s.clock.Now(),
		},
		Status: StatusPending,
		Mine:   true,
	})
	s.mu.Unlock()
	s.changed()
	s.Typing(false)

	return s.post(ctx, body)
}

// Resend 手動重送失敗的訊息，沿用原本的暫時 ID
func (s *Session) Resend(ctx context.Context, tempID string) (*realtime.ChatMessage, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	i := s.indexByTempLocked(tempID)
	if i < 0 || s.messages[i].Status != StatusFailed {
		s.mu.Unlock()
		return nil, ErrNotFailed
	}
	s.messages[i].Status = StatusPending
	m := s.messages[i]
	s.mu.Unlock()
	s.changed()

	return s.post(ctx, chatModels.PostMessageBody{TempID: tempID, Kind: m.Kind, Body: m.Body, Media: m.Media})
}

func (s *Session) post(ctx context.Context, body chatModels.PostMessageBody) (*realtime.ChatMessage, error) {
	msg, err := s.api.PostMessage(ctx, s.ConversationID(), body)

	s.mu.Lock()
	i := s.indexByTempLocked(body.TempID)
	if err != nil {
		if i >= 0 && s.messages[i].Status == StatusPending {
			s.messages[i].Status = StatusFailed
		}
		s.mu.Unlock()
		s.logger.Error().Err(err).Str("temp_id", body.TempID).Msg("送出訊息失敗")
		s.changed()
		return nil, fmt.Errorf("送出訊息失敗: %w", err)
	}
	s.ackLocked(body.TempID, *msg)
	s.mu.Unlock()
	s.changed()
	return msg, nil
}

// ackLocked 以伺服器訊息取代暫時訊息；若房間回送已先到達則移除重複的一筆
func (s *Session) ackLocked(tempID string, msg realtime.ChatMessage) {
	tempIdx := s.indexByTempLocked(tempID)
	echoIdx := s.indexByIDLocked(msg.ID)

	switch {
	case tempIdx < 0 && echoIdx < 0:
		if !s.closed {
			s.messages = append(s.messages, s.fromServer(msg))
		}
	case tempIdx < 0:
		// 回送已取代暫時訊息
	case echoIdx < 0:
		read := s.messages[tempIdx].Read
		s.messages[tempIdx] = s.fromServer(msg)
		s.messages[tempIdx].Read = s.messages[tempIdx].Read || read
	default:
		read := s.messages[tempIdx].Read || s.messages[echoIdx].Read
		s.messages[tempIdx] = s.fromServer(msg)
		s.messages[tempIdx].Read = s.messages[tempIdx].Read || read
		s.messages = append(s.messages[:echoIdx], s.messages[echoIdx+1:]...)
	}
}

func (s *Session) indexByTempLocked(tempID string) int {
	if tempID == "" {
		return -1
	}
	for i := range s.messages {
		if s.messages[i].ID == "" && s.messages[i].TempID == tempID {
			return i
		}
	}
	return -1
}

func (s *Session) indexByIDLocked(id string) int {
	if id == "" {
		return -1
	}
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Session) handleMessage(ev realtime.ChatMessageEvent) {
	s.mu.Lock()
	if s.closed || ev.RoomID != s.room {
		s.mu.Unlock()
		return
	}
	msg := ev.Message
	if s.indexByIDLocked(msg.ID) >= 0 {
		s.mu.Unlock()
		return
	}
	mine := msg.Sender == s.self
	if mine && s.indexByTempLocked(msg.TempID) >= 0 {
		s.ackLocked(msg.TempID, msg)
	} else {
		s.messages = append(s.messages, s.fromServer(msg))
	}
	if !mine {
		delete(s.peerTyping, msg.Sender)
	}
	s.mu.Unlock()

	if !mine {
		s.markReadAsync()
	}
	s.changed()
}

func (s *Session) handleRead(ev realtime.MessagesRead) {
	s.mu.Lock()
	if s.closed || ev.RoomID != s.room || ev.ReadBy == s.self {
		s.mu.Unlock()
		return
	}
	only := make(map[string]bool, len(ev.MessageIDs))
	for _, id := range ev.MessageIDs {
		only[id] = true
	}
	changed := false
	for i := range s.messages {
		m := &s.messages[i]
		if !m.Mine || m.Read || m.ID == "" {
			continue
		}
		if len(only) > 0 && !only[m.ID] {
			continue
		}
		m.Read = true
		changed = true
	}
	s.mu.Unlock()

	if changed {
		s.changed()
	}
}

func (s *Session) handleTyping(ev realtime.TypingStatus) {
	p := ev.Participant()
	s.mu.Lock()
	if s.closed || ev.RoomID != s.room || p == s.self {
		s.mu.Unlock()
		return
	}
	if ev.IsTyping {
		s.peerTyping[p] = true
	} else {
		delete(s.peerTyping, p)
	}
	s.mu.Unlock()
	s.changed()
}

func (s *Session) markReadAsync() {
	s.mu.Lock()
	if s.closed || s.conversationID == "" {
		s.mu.Unlock()
		return
	}
	ctx, id := s.ctx, s.conversationID
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := s.api.MarkRead(ctx, id); err != nil {
			s.logger.Warn().Err(err).Msg("標記已讀失敗")
		}
	}()
}

// Typing 輸入框變動時呼叫：開始輸入立即送出一次 true，停止輸入 2 秒後送出 false
func (s *Session) Typing(isTyping bool) {
	s.mu.Lock()
	if s.closed || s.room == "" {
		s.mu.Unlock()
		return
	}
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.typingGen++

	var emit *bool
	if isTyping {
		if !s.typingActive {
			s.typingActive = true
			emit = &isTyping
		}
		gen := s.typingGen
		s.typingTimer = s.clock.AfterFunc(TypingTimeout, func() { s.typingExpired(gen) })
	} else if s.typingActive {
		s.typingActive = false
		emit = &isTyping
	}
	room := s.room
	s.mu.Unlock()

	if emit != nil {
		s.emitTyping(room, *emit)
	}
}

func (s *Session) typingExpired(gen uint64) {
	s.mu.Lock()
	if gen != s.typingGen || !s.typingActive || s.closed {
		s.mu.Unlock()
		return
	}
	s.typingActive = false
	s.typingTimer = nil
	room := s.room
	s.mu.Unlock()

	s.emitTyping(room, false)
}

func (s *Session) emitTyping(room string, isTyping bool) {
	if err := s.tr.Emit(realtime.EventTyping, realtime.TypingRequest{RoomID: room, IsTyping: isTyping}); err != nil {
		s.logger.Debug().Err(err).Bool("is_typing", isTyping).Msg("送出輸入狀態失敗")
	}
}

// Close 離開畫面時呼叫：解除事件、離開房間、停止計時器
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.typingGen++
	wasTyping := s.typingActive
	s.typingActive = false
	scope, room, cancel := s.scope, s.room, s.cancel
	s.mu.Unlock()

	if scope != nil {
		scope.Close()
	}
	if room != "" {
		if wasTyping {
			s.emitTyping(room, false)
		}
		s.tr.Leave(room)
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Session) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}
