package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"homeservice-realtime/infra"
	"homeservice-realtime/model"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	ErrBookingNotFound = errors.New("booking not found")
	// ErrBookingTaken 訂單已被其他師傅接走或正在被接
	ErrBookingTaken = errors.New("booking already taken")
	// ErrNotOffered 訂單沒有推送給此師傅
	ErrNotOffered = errors.New("booking not offered to worker")
	// ErrBookingClosed 訂單已取消或過期
	ErrBookingClosed = errors.New("booking closed")
)

// BookingStore 訂單狀態的原子更新
type BookingStore interface {
	Get(ctx context.Context, id string) (*model.Booking, error)
	// MarkOffered 記錄推送對象，訂單必須仍可派送
	MarkOffered(ctx context.Context, id string, workerIDs []string) (*model.Booking, error)
	// Claim 僅在訂單仍可派送且推送給了此師傅時成功
	Claim(ctx context.Context, id, workerID string, at time.Time) (*model.Booking, error)
	// RecordReject 將師傅移出推送對象，沒有剩餘對象時訂單回到 pending
	RecordReject(ctx context.Context, id, workerID string) (*model.Booking, error)
	// Close 取消或過期
	Close(ctx context.Context, id string, status model.BookingStatus) (*model.Booking, error)
}

var dispatchableStatuses = bson.A{model.BookingStatusPending, model.BookingStatusOffered}

// MongoBookingStore bookings 集合
type MongoBookingStore struct {
	logger     zerolog.Logger
	collection *mongo.Collection
	now        func() time.Time
}

func NewMongoBookingStore(logger zerolog.Logger, mongoDB *infra.MongoDB) *MongoBookingStore {
	return &MongoBookingStore{
		logger:     logger.With().Str("module", "booking_store").Logger(),
		collection: mongoDB.GetCollection(infra.CollectionBookings),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func parseBookingID(id string) (primitive.ObjectID, error) {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("%w: %s", ErrBookingNotFound, id)
	}
	return objectID, nil
}

func (s *MongoBookingStore) Get(ctx context.Context, id string) (*model.Booking, error) {
	objectID, err := parseBookingID(id)
	if err != nil {
		return nil, err
	}
	var booking model.Booking
	if err := s.collection.FindOne(ctx, bson.M{"_id": objectID}).Decode(&booking); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrBookingNotFound
		}
		return nil, fmt.Errorf("查詢訂單失敗: %w", err)
	}
	return &booking, nil
}

func (s *MongoBookingStore) findOneAndUpdate(ctx context.Context, filter, update bson.M) (*model.Booking, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var booking model.Booking
	err := s.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&booking)
	if err != nil {
		return nil, err
	}
	return &booking, nil
}

func (s *MongoBookingStore) MarkOffered(ctx context.Context, id string, workerIDs []string) (*model.Booking, error) {
	objectID, err := parseBookingID(id)
	if err != nil {
		return nil, err
	}
	filter := bson.M{"_id": objectID, "status": bson.M{"$in": dispatchableStatuses}}
	update := bson.M{
		"$set":      bson.M{"status": model.BookingStatusOffered, "updatedAt": s.now()},
		"$addToSet": bson.M{"offeredTo": bson.M{"$each": workerIDs}},
	}
	booking, err := s.findOneAndUpdate(ctx, filter, update)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, s.explainMiss(ctx, id, "")
	}
	if err != nil {
		return nil, fmt.Errorf("更新推送對象失敗: %w", err)
	}
	return booking, nil
}

func (s *MongoBookingStore) Claim(ctx context.Context, id, workerID string, at time.Time) (*model.Booking, error) {
	objectID, err := parseBookingID(id)
	if err != nil {
		return nil, err
	}
	// CAS：狀態仍可派送且師傅在推送名單內
	filter := bson.M{
		"_id":       objectID,
		"status":    bson.M{"$in": dispatchableStatuses},
		"offeredTo": workerID,
	}
	update := bson.M{
		"$set": bson.M{
			"status":     model.BookingStatusAccepted,
			"workerId":   workerID,
			"acceptedAt": at,
			"updatedAt":  s.now(),
		},
	}
	booking, err := s.findOneAndUpdate(ctx, filter, update)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, s.explainMiss(ctx, id, workerID)
	}
	if err != nil {
		return nil, fmt.Errorf("接單更新失敗: %w", err)
	}
	return booking, nil
}

func (s *MongoBookingStore) RecordReject(ctx context.Context, id, workerID string) (*model.Booking, error) {
	objectID, err := parseBookingID(id)
	if err != nil {
		return nil, err
	}
	filter := bson.M{
		"_id":       objectID,
		"status":    bson.M{"$in": dispatchableStatuses},
		"offeredTo": workerID,
	}
	update := bson.M{
		"$pull":     bson.M{"offeredTo": workerID},
		"$addToSet": bson.M{"rejectedBy": workerID},
		"$set":      bson.M{"updatedAt": s.now()},
	}
	booking, err := s.findOneAndUpdate(ctx, filter, update)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, s.explainMiss(ctx, id, workerID)
	}
	if err != nil {
		return nil, fmt.Errorf("拒單更新失敗: %w", err)
	}
	if len(booking.OfferedTo) > 0 {
		return booking, nil
	}

	// 全部拒絕，回到待派送
	resetFilter := bson.M{"_id": objectID, "status": model.BookingStatusOffered, "offeredTo": bson.M{"$size": 0}}
	reset, err := s.findOneAndUpdate(ctx, resetFilter, bson.M{"$set": bson.M{"status": model.BookingStatusPending, "updatedAt": s.now()}})
	if errors.Is(err, mongo.ErrNoDocuments) {
		// 期間已有新的推送或已被處理
		return booking, nil
	}
	if err != nil {
		return nil, fmt.Errorf("重設訂單狀態失敗: %w", err)
	}
	return reset, nil
}

func (s *MongoBookingStore) Close(ctx context.Context, id string, status model.BookingStatus) (*model.Booking, error) {
	if status != model.BookingStatusCancelled && status != model.BookingStatusExpired {
		return nil, fmt.Errorf("無效的結束狀態: %s", status)
	}
	objectID, err := parseBookingID(id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	filter := bson.M{"_id": objectID, "status": bson.M{"$in": dispatchableStatuses}}
	update := bson.M{"$set": bson.M{"status": status, "closedAt": now, "updatedAt": now}}
	booking, err := s.findOneAndUpdate(ctx, filter, update)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, s.explainMiss(ctx, id, "")
	}
	if err != nil {
		return nil, fmt.Errorf("結束訂單失敗: %w", err)
	}
	return booking, nil
}

// explainMiss 條件更新沒有命中時，查出原因
func (s *MongoBookingStore) explainMiss(ctx context.Context, id, workerID string) error {
	booking, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return classifyMiss(booking, workerID)
}

func classifyMiss(booking *model.Booking, workerID string) error {
	switch booking.Status {
	case model.BookingStatusAccepted:
		return ErrBookingTaken
	case model.BookingStatusCancelled, model.BookingStatusExpired:
		return ErrBookingClosed
	}
	if workerID != "" {
		return ErrNotOffered
	}
	return fmt.Errorf("訂單 %s 狀態 %s 無法更新", booking.ID.Hex(), booking.Status)
}

// ListStaleOffers 推送後超過 olderThan 仍無人接單的訂單ID
func (s *MongoBookingStore) ListStaleOffers(ctx context.Context, olderThan time.Time, limit int64) ([]string, error) {
	filter := bson.M{"status": model.BookingStatusOffered, "updatedAt": bson.M{"$lt": olderThan}}
	opts := options.Find().
		SetSort(bson.D{{Key: "updatedAt", Value: 1}}).
		SetLimit(limit).
		SetProjection(bson.M{"_id": 1})
	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("查詢逾時訂單失敗: %w", err)
	}
	var docs []struct {
		ID primitive.ObjectID `bson:"_id"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("解析逾時訂單失敗: %w", err)
	}
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID.Hex())
	}
	return ids, nil
}
