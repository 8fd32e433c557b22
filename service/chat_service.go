package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	chatModels "homeservice-realtime/data-models/chat"
	pushModels "homeservice-realtime/data-models/push"
	"homeservice-realtime/data-models/realtime"
	"homeservice-realtime/infra"
	"homeservice-realtime/metrics"
	"homeservice-realtime/model"
	"homeservice-realtime/service/interfaces"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var (
	// ErrRoomForbidden 參與者無權加入或讀寫此房間
	ErrRoomForbidden  = errors.New("room forbidden")
	ErrInvalidMessage = errors.New("invalid message")
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	maxMessageRunes = 4000
)

// ChatService 訂單聊天、客服工單與私訊
type ChatService struct {
	logger   zerolog.Logger
	store    ChatStore
	bookings BookingStore
	emitter  interfaces.Emitter
	presence interfaces.PresenceChecker
	pusher   interfaces.PushEnqueuer
	now      func() time.Time
}

func NewChatService(
	logger zerolog.Logger,
	store ChatStore,
	bookings BookingStore,
	emitter interfaces.Emitter,
	presence interfaces.PresenceChecker,
	pusher interfaces.PushEnqueuer,
) *ChatService {
	return &ChatService{
		logger:   logger.With().Str("module", "chat_service").Logger(),
		store:    store,
		bookings: bookings,
		emitter:  emitter,
		presence: presence,
		pusher:   pusher,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// members 對話應有的成員；actor 無權參與時回傳 ErrRoomForbidden
func (cs *ChatService) members(ctx context.Context, ref realtime.ConversationRef, actor realtime.Participant) ([]realtime.Participant, error) {
	switch ref.Kind {
	case realtime.RoomKindBooking:
		booking, err := cs.bookings.Get(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		out := []realtime.Participant{{Role: realtime.RoleCustomer, ID: booking.Customer.ID}}
		if booking.WorkerID != "" {
			out = append(out, realtime.Participant{Role: realtime.RoleWorker, ID: booking.WorkerID})
		}
		if actor.Role == realtime.RoleSupport {
			return append(out, actor), nil
		}
		for _, p := range out {
			if p == actor {
				return out, nil
			}
		}
		return nil, ErrRoomForbidden

	case realtime.RoomKindTicket:
		// 工單由開單者與客服參與
		return []realtime.Participant{actor}, nil

	case realtime.RoomKindDirect:
		out := []realtime.Participant{
			{Role: realtime.RoleCustomer, ID: ref.CustomerID},
			{Role: realtime.RoleWorker, ID: ref.WorkerID},
		}
		if actor == out[0] || actor == out[1] {
			return out, nil
		}
		return nil, ErrRoomForbidden
	}
	return nil, fmt.Errorf("%w: 未知的對話種類 %q", ErrRoomForbidden, ref.Kind)
}

// canAccess 對話成員可讀寫；客服可進入訂單與工單對話
func canAccess(conv *model.Conversation, actor realtime.Participant) bool {
	if conv.HasParticipant(actor) {
		return true
	}
	return actor.Role == realtime.RoleSupport && conv.Ref.Kind != realtime.RoomKindDirect
}

// OpenConversation 開啟（必要時建立）對話並回傳最新一頁訊息
func (cs *ChatService) OpenConversation(ctx context.Context, actor realtime.Participant, ref realtime.ConversationRef) (result *chatModels.Conversation, err error) {
	ctx, span := infra.StartChatSpan(ctx, "open_conversation", ref.Room(), infra.AttrParticipant(actor.Key()))
	defer span.End()
	start := time.Now()
	defer func() {
		metrics.RecordChatOperation(metrics.OperationOpen, chatStatus(err), time.Since(start))
	}()

	if err := ref.Validate(); err != nil {
		infra.RecordOperationError(span, err, "對話參照無效")
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	conv, err := cs.store.GetConversationByRoom(ctx, ref.Room())
	switch {
	case err == nil && conv.HasParticipant(actor):
		// 已是成員，不需要更新；客服第一次進入時在下方加入成員
	case err == nil || errors.Is(err, ErrConversationNotFound):
		members, memberErr := cs.members(ctx, ref, actor)
		if memberErr != nil {
			infra.RecordOperationError(span, memberErr, "無權開啟對話")
			return nil, memberErr
		}
		if conv != nil && ref.Kind == realtime.RoomKindTicket && actor.Role != realtime.RoleSupport {
			// 既有工單只開放給開單者與客服
			infra.RecordOperationError(span, ErrRoomForbidden, "無權開啟工單")
			return nil, ErrRoomForbidden
		}
		conv, err = cs.store.UpsertConversation(ctx, ref, members)
		if err != nil {
			infra.RecordOperationError(span, err, "建立對話失敗")
			return nil, err
		}
	default:
		infra.RecordOperationError(span, err, "查詢對話失敗")
		return nil, err
	}

	messages, hasMore, err := cs.store.ListMessages(ctx, conv.ID, nil, defaultPageSize)
	if err != nil {
		infra.RecordOperationError(span, err, "讀取訊息失敗")
		return nil, err
	}

	infra.RecordOperationSuccess(span)
	return &chatModels.Conversation{
		ID:           conv.ID.Hex(),
		Ref:          conv.Ref,
		Room:         conv.Room,
		Participants: conv.Participants,
		Messages:     toEvents(messages),
		HasMore:      hasMore,
	}, nil
}

// AuthorizeRoom 判斷 websocket 連接能否加入房間
func (cs *ChatService) AuthorizeRoom(ctx context.Context, actor realtime.Participant, room string) error {
	parsed, err := realtime.ParseRoom(room)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRoomForbidden, err)
	}
	switch parsed.Kind {
	case realtime.RoomKindDashboard:
		return nil
	case realtime.RoomKindWorker, realtime.RoomKindCustomer:
		if parsed.Owner == actor {
			return nil
		}
		return ErrRoomForbidden
	}

	conv, err := cs.store.GetConversationByRoom(ctx, room)
	if err == nil {
		if canAccess(conv, actor) {
			return nil
		}
		return ErrRoomForbidden
	}
	if !errors.Is(err, ErrConversationNotFound) {
		return err
	}
	// 對話尚未建立：依訂單或私訊雙方判斷
	if parsed.Kind == realtime.RoomKindTicket {
		if actor.Role == realtime.RoleSupport {
			return nil
		}
		return ErrRoomForbidden
	}
	if _, err := cs.members(ctx, parsed.Conversation, actor); err != nil {
		if errors.Is(err, ErrBookingNotFound) {
			return ErrRoomForbidden
		}
		return err
	}
	return nil
}

func (cs *ChatService) accessibleConversation(ctx context.Context, actor realtime.Participant, conversationID string) (*model.Conversation, error) {
	conv, err := cs.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !canAccess(conv, actor) {
		return nil, ErrRoomForbidden
	}
	return conv, nil
}

// ListMessages 伺服器順序（由舊到新），before 為訊息 ID 游標
func (cs *ChatService) ListMessages(ctx context.Context, actor realtime.Participant, conversationID, before string, limit int) (*chatModels.MessagePage, error) {
	conv, err := cs.accessibleConversation(ctx, actor, conversationID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	var cursor *primitive.ObjectID
	if before != "" {
		id, err := primitive.ObjectIDFromHex(before)
		if err != nil {
			return nil, fmt.Errorf("%w: 無效的游標 %q", ErrInvalidMessage, before)
		}
		cursor = &id
	}

	messages, hasMore, err := cs.store.ListMessages(ctx, conv.ID, cursor, limit)
	if err != nil {
		return nil, err
	}
	return &chatModels.MessagePage{Messages: toEvents(messages), HasMore: hasMore}, nil
}

func validateMessage(body chatModels.PostMessageBody) error {
	switch body.Kind {
	case realtime.MessageKindText:
		text := strings.TrimSpace(body.Body)
		if text == "" {
			return fmt.Errorf("%w: 文字消息內容不能為空", ErrInvalidMessage)
		}
		if utf8.RuneCountInString(text) > maxMessageRunes {
			return fmt.Errorf("%w: 文字消息超過 %d 字", ErrInvalidMessage, maxMessageRunes)
		}
	case realtime.MessageKindImage, realtime.MessageKindAudio, realtime.MessageKindFile:
		if body.Media == nil || body.Media.URL == "" {
			return fmt.Errorf("%w: %s 消息缺少媒體網址", ErrInvalidMessage, body.Kind)
		}
	default:
		return fmt.Errorf("%w: 未知的消息類型 %q", ErrInvalidMessage, body.Kind)
	}
	return nil
}

// PostMessage 儲存訊息並送到房間；相同 tempId 重送時回傳原訊息且不再廣播
func (cs *ChatService) PostMessage(ctx context.Context, actor realtime.Participant, conversationID string, body chatModels.PostMessageBody) (result *realtime.ChatMessage, err error) {
	ctx, span := infra.StartChatSpan(ctx, "post_message", conversationID, infra.AttrParticipant(actor.Key()))
	defer span.End()
	start := time.Now()
	defer func() {
		metrics.RecordChatOperation(metrics.OperationPostMessage, chatStatus(err), time.Since(start))
	}()

	if err := validateMessage(body); err != nil {
		infra.RecordOperationError(span, err, "訊息無效")
		return nil, err
	}
	conv, err := cs.accessibleConversation(ctx, actor, conversationID)
	if err != nil {
		infra.RecordOperationError(span, err, "無權發送訊息")
		return nil, err
	}

	msg := &model.ChatMessage{
		ConversationID: conv.ID,
		Sender:         actor,
		Kind:           body.Kind,
		Body:           strings.TrimSpace(body.Body),
		Media:          body.Media,
		ReadBy:         []model.ReadStatus{},
		CreatedAt:      cs.now(),
	}
	if body.TempID != "" {
		tempID := body.TempID
		msg.TempID = &tempID
	}

	saved, created, err := cs.store.InsertMessage(ctx, msg)
	if err != nil {
		infra.RecordOperationError(span, err, "儲存訊息失敗")
		return nil, err
	}
	event := saved.ToEvent()
	if !created {
		cs.logger.Info().Str("conversation_id", conversationID).Str("temp_id", body.TempID).Msg("重送訊息，回傳既有訊息")
		infra.RecordOperationSuccess(span, infra.AttrBool("chat.duplicate", true))
		return &event, nil
	}

	if err := cs.emitter.Emit(ctx, conv.Room, realtime.EventChatMessage, realtime.ChatMessageEvent{RoomID: conv.Room, Message: event}); err != nil {
		cs.logger.Warn().Err(err).Str("room", conv.Room).Msg("推送 chat_message 失敗")
	}
	cs.pushOffline(ctx, conv, actor, event)

	infra.RecordOperationSuccess(span)
	cs.logger.Info().
		Str("conversation_id", conversationID).
		Str("sender", actor.Key()).
		Str("kind", string(body.Kind)).
		Msg("消息已發送")
	return &event, nil
}

// pushOffline 沒有 websocket 連接的成員改收推播
func (cs *ChatService) pushOffline(ctx context.Context, conv *model.Conversation, sender realtime.Participant, msg realtime.ChatMessage) {
	if cs.pusher == nil {
		return
	}
	preview := msg.Body
	switch msg.Kind {
	case realtime.MessageKindImage:
		preview = "[圖片]"
	case realtime.MessageKindAudio:
		preview = "[語音]"
	case realtime.MessageKindFile:
		preview = "[檔案]"
	}
	title := senderTitle(sender)

	for _, member := range conv.Participants {
		if member == sender {
			continue
		}
		if cs.presence != nil && cs.presence.IsOnline(ctx, member) {
			continue
		}
		task := pushModels.Task{
			Recipient: member,
			Title:     title,
			Body:      preview,
			Payload:   pushModels.Payload{Kind: pushModels.KindChat, RoomID: conv.Room, Title: title, Message: preview},
		}
		if conv.Ref.Kind == realtime.RoomKindBooking {
			task.Payload.BookingID = conv.Ref.ID
		}
		if err := cs.pusher.Enqueue(ctx, task); err != nil {
			cs.logger.Warn().Err(err).Str("recipient", member.Key()).Msg("聊天推播排入失敗")
		}
	}
}

func senderTitle(p realtime.Participant) string {
	switch p.Role {
	case realtime.RoleWorker:
		return "師傅傳來新訊息"
	case realtime.RoleSupport:
		return "客服傳來新訊息"
	}
	return "客戶傳來新訊息"
}

// MarkRead 將對方的訊息標記為已讀並通知房間
func (cs *ChatService) MarkRead(ctx context.Context, actor realtime.Participant, conversationID string) (result *chatModels.MarkReadResult, err error) {
	ctx, span := infra.StartChatSpan(ctx, "mark_read", conversationID, infra.AttrParticipant(actor.Key()))
	defer span.End()
	start := time.Now()
	defer func() {
		metrics.RecordChatOperation(metrics.OperationMarkRead, chatStatus(err), time.Since(start))
	}()

	conv, err := cs.accessibleConversation(ctx, actor, conversationID)
	if err != nil {
		infra.RecordOperationError(span, err, "無權標記已讀")
		return nil, err
	}

	readAt := cs.now()
	ids, err := cs.store.MarkRead(ctx, conv.ID, actor, readAt)
	if err != nil {
		infra.RecordOperationError(span, err, "標記已讀失敗")
		return nil, err
	}
	result = &chatModels.MarkReadResult{MessageIDs: make([]string, len(ids)), ReadAt: readAt}
	for i, id := range ids {
		result.MessageIDs[i] = id.Hex()
	}

	if len(ids) > 0 {
		event := realtime.MessagesRead{RoomID: conv.Room, ReadBy: actor, MessageIDs: result.MessageIDs, ReadAt: readAt}
		if err := cs.emitter.Emit(ctx, conv.Room, realtime.EventMessagesRead, event); err != nil {
			cs.logger.Warn().Err(err).Str("room", conv.Room).Msg("推送 messages_read 失敗")
		}
	}
	infra.RecordOperationSuccess(span, infra.AttrInt("chat.read", len(ids)))
	return result, nil
}

func toEvents(messages []model.ChatMessage) []realtime.ChatMessage {
	out := make([]realtime.ChatMessage, len(messages))
	for i := range messages {
		out[i] = messages[i].ToEvent()
	}
	return out
}

func chatStatus(err error) metrics.OperationStatus {
	if errors.Is(err, ErrRoomForbidden) || errors.Is(err, ErrInvalidMessage) ||
		errors.Is(err, ErrConversationNotFound) || errors.Is(err, ErrBookingNotFound) {
		return metrics.StatusRejected
	}
	return metrics.StatusFromError(err)
}
