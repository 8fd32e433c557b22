package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	pushModels "homeservice-realtime/data-models/push"
	"homeservice-realtime/data-models/realtime"
	"homeservice-realtime/infra"
	"homeservice-realtime/model"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var ErrInvalidPushToken = errors.New("invalid push token")

var e164Pattern = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// ProviderForToken 依 token 格式判斷推播服務
func ProviderForToken(token string) model.PushProvider {
	switch {
	case strings.HasPrefix(token, "ExponentPushToken[") || strings.HasPrefix(token, "ExpoPushToken["):
		return model.PushProviderExpo
	case e164Pattern.MatchString(token):
		return model.PushProviderSMS
	}
	return model.PushProviderFCM
}

// PushTokenStore 裝置 token 儲存
type PushTokenStore interface {
	Upsert(ctx context.Context, token *model.PushToken) error
	ListByParticipant(ctx context.Context, p realtime.Participant) ([]model.PushToken, error)
	DeleteToken(ctx context.Context, token string) error
}

// MongoPushTokenStore push_tokens 集合
type MongoPushTokenStore struct {
	collection *mongo.Collection
}

func NewMongoPushTokenStore(mongoDB *infra.MongoDB) *MongoPushTokenStore {
	return &MongoPushTokenStore{collection: mongoDB.GetCollection(infra.CollectionPushTokens)}
}

func (s *MongoPushTokenStore) Upsert(ctx context.Context, token *model.PushToken) error {
	owner := participantDoc(token.Participant)
	// 同一裝置換帳號登入時，token 只屬於最新的參與者
	if _, err := s.collection.DeleteMany(ctx, bson.M{"token": token.Token, "participant": bson.M{"$ne": owner}}); err != nil {
		return fmt.Errorf("移除舊的 token 擁有者失敗: %w", err)
	}

	filter := bson.M{"participant": owner, "token": token.Token}
	update := bson.M{
		"$set": bson.M{
			"provider":  token.Provider,
			"platform":  token.Platform,
			"deviceId":  token.DeviceID,
			"updatedAt": token.UpdatedAt,
		},
		"$setOnInsert": bson.M{"createdAt": token.CreatedAt},
	}
	if _, err := s.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("儲存推播 token 失敗: %w", err)
	}
	return nil
}

func (s *MongoPushTokenStore) ListByParticipant(ctx context.Context, p realtime.Participant) ([]model.PushToken, error) {
	cursor, err := s.collection.Find(ctx, bson.M{"participant": participantDoc(p)})
	if err != nil {
		return nil, fmt.Errorf("查詢推播 token 失敗: %w", err)
	}
	var tokens []model.PushToken
	if err := cursor.All(ctx, &tokens); err != nil {
		return nil, fmt.Errorf("解析推播 token 失敗: %w", err)
	}
	return tokens, nil
}

func (s *MongoPushTokenStore) DeleteToken(ctx context.Context, token string) error {
	if _, err := s.collection.DeleteMany(ctx, bson.M{"token": token}); err != nil {
		return fmt.Errorf("刪除推播 token 失敗: %w", err)
	}
	return nil
}

// PushTokenService 同步與查詢裝置 token
type PushTokenService struct {
	logger zerolog.Logger
	store  PushTokenStore
	now    func() time.Time
}

func NewPushTokenService(logger zerolog.Logger, store PushTokenStore) *PushTokenService {
	return &PushTokenService{
		logger: logger.With().Str("module", "push_token_service").Logger(),
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Sync 記錄參與者目前裝置的 token，回傳判斷出的推播服務
func (s *PushTokenService) Sync(ctx context.Context, p realtime.Participant, body pushModels.SyncTokenBody) (model.PushProvider, error) {
	token := strings.TrimSpace(body.Token)
	if token == "" {
		return "", ErrInvalidPushToken
	}
	provider := ProviderForToken(token)
	if provider == model.PushProviderSMS && p.Role != realtime.RoleWorker {
		// 簡訊備援只提供給師傅接單使用
		return "", fmt.Errorf("%w: 只有師傅可以登記簡訊號碼", ErrInvalidPushToken)
	}

	now := s.now()
	err := s.store.Upsert(ctx, &model.PushToken{
		Participant: p,
		Token:       token,
		Provider:    provider,
		Platform:    body.Platform,
		DeviceID:    body.DeviceID,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return "", err
	}
	s.logger.Info().Str("participant", p.Key()).Str("provider", string(provider)).Str("platform", body.Platform).Msg("推播 token 已同步")
	return provider, nil
}

// Tokens 參與者所有裝置的 token
func (s *PushTokenService) Tokens(ctx context.Context, p realtime.Participant) ([]model.PushToken, error) {
	return s.store.ListByParticipant(ctx, p)
}

// Remove 推播服務回報失效的 token
func (s *PushTokenService) Remove(ctx context.Context, token string) error {
	if err := s.store.DeleteToken(ctx, token); err != nil {
		return err
	}
	s.logger.Info().Str("token", maskToken(token)).Msg("已移除失效的推播 token")
	return nil
}

func maskToken(token string) string {
	if len(token) <= 10 {
		return "***"
	}
	return token[:6] + "..." + token[len(token)-4:]
}
