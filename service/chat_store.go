package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"homeservice-realtime/data-models/realtime"
	"homeservice-realtime/infra"
	"homeservice-realtime/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var ErrConversationNotFound = errors.New("conversation not found")

// ChatStore 對話與訊息的儲存
type ChatStore interface {
	// UpsertConversation 依房間建立或取得對話，並加入成員
	UpsertConversation(ctx context.Context, ref realtime.ConversationRef, members []realtime.Participant) (*model.Conversation, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	GetConversationByRoom(ctx context.Context, room string) (*model.Conversation, error)
	// ListMessages 由舊到新，before 為空時取最新一頁
	ListMessages(ctx context.Context, conversationID primitive.ObjectID, before *primitive.ObjectID, limit int) ([]model.ChatMessage, bool, error)
	// InsertMessage 相同發送者與 tempId 重送時回傳既有訊息，created 為 false
	InsertMessage(ctx context.Context, msg *model.ChatMessage) (saved *model.ChatMessage, created bool, err error)
	// MarkRead 將對方的未讀訊息加上已讀，回傳更新的訊息 ID
	MarkRead(ctx context.Context, conversationID primitive.ObjectID, reader realtime.Participant, at time.Time) ([]primitive.ObjectID, error)
}

// MongoChatStore conversations 與 chat_messages 集合
type MongoChatStore struct {
	conversations *mongo.Collection
	messages      *mongo.Collection
}

func NewMongoChatStore(mongoDB *infra.MongoDB) *MongoChatStore {
	return &MongoChatStore{
		conversations: mongoDB.GetCollection(infra.CollectionConversations),
		messages:      mongoDB.GetCollection(infra.CollectionChatMessages),
	}
}

// participantDoc 欄位順序需與 realtime.Participant 一致，嵌入文件比對才會相等
func participantDoc(p realtime.Participant) bson.D {
	return bson.D{{Key: "role", Value: p.Role}, {Key: "id", Value: p.ID}}
}

func (s *MongoChatStore) UpsertConversation(ctx context.Context, ref realtime.ConversationRef, members []realtime.Participant) (*model.Conversation, error) {
	now := time.Now().UTC()
	docs := make(bson.A, 0, len(members))
	for _, m := range members {
		docs = append(docs, participantDoc(m))
	}
	update := bson.M{
		"$setOnInsert": bson.M{"ref": ref, "room": ref.Room(), "createdAt": now},
		"$set":         bson.M{"updatedAt": now},
		"$addToSet":    bson.M{"participants": bson.M{"$each": docs}},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var conv model.Conversation
	err := s.conversations.FindOneAndUpdate(ctx, bson.M{"room": ref.Room()}, update, opts).Decode(&conv)
	if mongo.IsDuplicateKeyError(err) {
		// 兩個請求同時建立，重試一次即命中既有文件
		err = s.conversations.FindOneAndUpdate(ctx, bson.M{"room": ref.Room()}, update, opts).Decode(&conv)
	}
	if err != nil {
		return nil, fmt.Errorf("建立對話失敗: %w", err)
	}
	return &conv, nil
}

func (s *MongoChatStore) findConversation(ctx context.Context, filter bson.M) (*model.Conversation, error) {
	var conv model.Conversation
	if err := s.conversations.FindOne(ctx, filter).Decode(&conv); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("查詢對話失敗: %w", err)
	}
	return &conv, nil
}

func (s *MongoChatStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrConversationNotFound
	}
	return s.findConversation(ctx, bson.M{"_id": objectID})
}

func (s *MongoChatStore) GetConversationByRoom(ctx context.Context, room string) (*model.Conversation, error) {
	return s.findConversation(ctx, bson.M{"room": room})
}

func (s *MongoChatStore) ListMessages(ctx context.Context, conversationID primitive.ObjectID, before *primitive.ObjectID, limit int) ([]model.ChatMessage, bool, error) {
	filter := bson.M{"conversationId": conversationID}
	if before != nil {
		filter["_id"] = bson.M{"$lt": *before}
	}
	// 多取一筆判斷是否還有更舊的訊息
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: -1}}).
		SetLimit(int64(limit + 1))

	cursor, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, false, fmt.Errorf("獲取聊天歷史失敗: %w", err)
	}
	defer cursor.Close(ctx)

	var messages []model.ChatMessage
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, false, fmt.Errorf("解析聊天歷史失敗: %w", err)
	}
	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, hasMore, nil
}

func (s *MongoChatStore) InsertMessage(ctx context.Context, msg *model.ChatMessage) (*model.ChatMessage, bool, error) {
	if msg.ReadBy == nil {
		msg.ReadBy = []model.ReadStatus{}
	}
	result, err := s.messages.InsertOne(ctx, msg)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) && msg.TempID != nil {
			var existing model.ChatMessage
			findErr := s.messages.FindOne(ctx, bson.M{
				"conversationId": msg.ConversationID,
				"sender":         participantDoc(msg.Sender),
				"tempId":         *msg.TempID,
			}).Decode(&existing)
			if findErr != nil {
				return nil, false, fmt.Errorf("查詢重送訊息失敗: %w", findErr)
			}
			return &existing, false, nil
		}
		return nil, false, fmt.Errorf("發送消息失敗: %w", err)
	}
	msg.ID = result.InsertedID.(primitive.ObjectID)

	_, err = s.conversations.UpdateByID(ctx, msg.ConversationID, bson.M{
		"$set": bson.M{"lastMessageAt": msg.CreatedAt, "updatedAt": msg.CreatedAt},
	})
	if err != nil {
		return nil, false, fmt.Errorf("更新對話活動時間失敗: %w", err)
	}
	return msg, true, nil
}

func (s *MongoChatStore) MarkRead(ctx context.Context, conversationID primitive.ObjectID, reader realtime.Participant, at time.Time) ([]primitive.ObjectID, error) {
	filter := bson.M{
		"conversationId":     conversationID,
		"sender":             bson.M{"$ne": participantDoc(reader)},
		"readBy.participant": bson.M{"$ne": participantDoc(reader)},
	}
	cursor, err := s.messages.Find(ctx, filter, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("查詢未讀訊息失敗: %w", err)
	}
	var rows []struct {
		ID primitive.ObjectID `bson:"_id"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("解析未讀訊息失敗: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]primitive.ObjectID, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	update := bson.M{"$push": bson.M{"readBy": bson.M{"participant": participantDoc(reader), "readAt": at}}}
	filter["_id"] = bson.M{"$in": ids}
	if _, err := s.messages.UpdateMany(ctx, filter, update); err != nil {
		return nil, fmt.Errorf("標記已讀失敗: %w", err)
	}
	return ids, nil
}
