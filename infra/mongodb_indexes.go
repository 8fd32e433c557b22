package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// 集合名稱
const (
	CollectionBookings      = "bookings"
	CollectionConversations = "conversations"
	CollectionChatMessages  = "chat_messages"
	CollectionPushTokens    = "push_tokens"
)

// CollectionIndexes 各集合需要的索引
func CollectionIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		CollectionBookings: {
			{
				Keys:    bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: -1}},
				Options: options.Index().SetName("status_created_index"),
			},
			{
				Keys:    bson.D{{Key: "workerId", Value: 1}, {Key: "status", Value: 1}},
				Options: options.Index().SetName("worker_status_index"),
			},
			{
				Keys:    bson.D{{Key: "customer.id", Value: 1}},
				Options: options.Index().SetName("customer_index"),
			},
			{
				Keys:    bson.D{{Key: "status", Value: 1}, {Key: "updatedAt", Value: 1}},
				Options: options.Index().SetName("status_updated_index"),
			},
		},
		CollectionConversations: {
			{
				Keys:    bson.D{{Key: "room", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("room_unique"),
			},
			{
				Keys:    bson.D{{Key: "participants.role", Value: 1}, {Key: "participants.id", Value: 1}, {Key: "updatedAt", Value: -1}},
				Options: options.Index().SetName("participant_updated_index"),
			},
		},
		CollectionChatMessages: {
			{
				Keys:    bson.D{{Key: "conversationId", Value: 1}, {Key: "_id", Value: -1}},
				Options: options.Index().SetName("conversation_id_desc_index"),
			},
			{
				Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "sender.role", Value: 1}, {Key: "sender.id", Value: 1}, {Key: "tempId", Value: 1}},
				Options: options.Index().
					SetName("sender_temp_unique").
					SetUnique(true).
					SetPartialFilterExpression(bson.M{"tempId": bson.M{"$type": "string"}}),
			},
		},
		CollectionPushTokens: {
			{
				Keys:    bson.D{{Key: "participant.role", Value: 1}, {Key: "participant.id", Value: 1}, {Key: "token", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("participant_token_unique"),
			},
			{
				Keys:    bson.D{{Key: "token", Value: 1}},
				Options: options.Index().SetName("token_index"),
			},
		},
	}
}

// InitializeCollections 建立所有集合的索引
func InitializeCollections(logger zerolog.Logger, db *mongo.Database) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for name, indexes := range CollectionIndexes() {
		if _, err := db.Collection(name).Indexes().CreateMany(ctx, indexes); err != nil {
			logger.Error().Err(err).Str("collection", name).Msg("創建集合索引失敗")
			return fmt.Errorf("創建 %s 索引失敗: %w", name, err)
		}
		logger.Info().Str("collection", name).Int("indexes", len(indexes)).Msg("集合索引創建完成")
	}
	return nil
}
