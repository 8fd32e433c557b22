package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// RoomEventsChannel 跨實例的房間事件頻道
	RoomEventsChannel = "realtime:rooms"
	// PresenceKey 在線參與者，score 為最後活動時間
	PresenceKey = "presence:online"
)

// RoomEnvelope 在 Redis 上傳遞的房間事件
type RoomEnvelope struct {
	Room  string          `json:"room"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	// Except 不送給此連線（例如輸入狀態不回送給自己）
	Except string `json:"except,omitempty"`
	// Origin 發布的實例
	Origin string    `json:"origin,omitempty"`
	SentAt time.Time `json:"sentAt"`
}

// ToJSON 轉換為 JSON 字串
func (e *RoomEnvelope) ToJSON() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// ParseRoomEnvelope 解析房間事件
func ParseRoomEnvelope(payload string) (*RoomEnvelope, error) {
	var env RoomEnvelope
	err := json.Unmarshal([]byte(payload), &env)
	return &env, err
}

// 只有鎖持有者才能釋放
const releaseLockScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`

// RedisEventManager Redis 事件管理器
type RedisEventManager struct {
	client *redis.Client
	logger zerolog.Logger
	now    func() time.Time
}

// NewRedisEventManager 建立 Redis 事件管理器
func NewRedisEventManager(client *redis.Client, logger zerolog.Logger) *RedisEventManager {
	return &RedisEventManager{
		client: client,
		logger: logger.With().Str("module", "redis_events").Logger(),
		now:    time.Now,
	}
}

// Client 底層 Redis 連線
func (rem *RedisEventManager) Client() *redis.Client {
	return rem.client
}

// PublishRoomEvent 發布房間事件
func (rem *RedisEventManager) PublishRoomEvent(ctx context.Context, env *RoomEnvelope) error {
	if env.SentAt.IsZero() {
		env.SentAt = rem.now()
	}
	if err := rem.client.Publish(ctx, RoomEventsChannel, env.ToJSON()).Err(); err != nil {
		rem.logger.Error().Err(err).
			Str("room", env.Room).
			Str("event", env.Event).
			Msg("發布房間事件失敗")
		return err
	}
	return nil
}

// SubscribeRoomEvents 訂閱房間事件
func (rem *RedisEventManager) SubscribeRoomEvents(ctx context.Context) *redis.PubSub {
	return rem.client.Subscribe(ctx, RoomEventsChannel)
}

func acceptLockKey(bookingID string) string { return "accept_lock:" + bookingID }

func offerKey(bookingID string) string { return "booking_offers:" + bookingID }

// AcquireAcceptLock 獲取接單鎖，回傳釋放函數；未取得時 ok 為 false
func (rem *RedisEventManager) AcquireAcceptLock(ctx context.Context, bookingID, holder string, ttl time.Duration) (bool, func(), error) {
	lockKey := acceptLockKey(bookingID)
	lockValue := fmt.Sprintf("%s:%d", holder, rem.now().UnixNano())

	success, err := rem.client.SetNX(ctx, lockKey, lockValue, ttl).Result()
	if err != nil {
		rem.logger.Error().Err(err).
			Str("lock_key", lockKey).
			Str("booking_id", bookingID).
			Msg("獲取接單鎖失敗")
		return false, nil, err
	}
	if !success {
		rem.logger.Debug().
			Str("lock_key", lockKey).
			Str("booking_id", bookingID).
			Msg("接單鎖已被其他流程持有")
		return false, nil, nil
	}

	release := func() {
		// 釋放不跟隨呼叫端的 ctx，避免請求結束後鎖留到過期
		relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		result, err := rem.client.Eval(relCtx, releaseLockScript, []string{lockKey}, lockValue).Int64()
		if err != nil {
			rem.logger.Error().Err(err).Str("lock_key", lockKey).Msg("釋放接單鎖失敗")
		} else if result != 1 {
			rem.logger.Warn().
				Str("lock_key", lockKey).
				Str("booking_id", bookingID).
				Msg("接單鎖釋放失敗 - 鎖可能已過期")
		}
	}
	return true, release, nil
}

// AddOffers 記錄訂單推送給了哪些師傅
func (rem *RedisEventManager) AddOffers(ctx context.Context, bookingID string, workerIDs []string, ttl time.Duration) error {
	if len(workerIDs) == 0 {
		return nil
	}
	members := make([]any, len(workerIDs))
	for i, id := range workerIDs {
		members[i] = id
	}
	key := offerKey(bookingID)
	pipe := rem.client.TxPipeline()
	pipe.SAdd(ctx, key, members...)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("記錄派單對象失敗: %w", err)
	}
	return nil
}

// RemoveOffer 移除單一師傅，回傳剩餘數量
func (rem *RedisEventManager) RemoveOffer(ctx context.Context, bookingID, workerID string) (int64, error) {
	key := offerKey(bookingID)
	pipe := rem.client.TxPipeline()
	pipe.SRem(ctx, key, workerID)
	card := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("移除派單對象失敗: %w", err)
	}
	return card.Val(), nil
}

// IsOffered 師傅是否在派單對象中
func (rem *RedisEventManager) IsOffered(ctx context.Context, bookingID, workerID string) (bool, error) {
	return rem.client.SIsMember(ctx, offerKey(bookingID), workerID).Result()
}

// Offers 取得派單對象
func (rem *RedisEventManager) Offers(ctx context.Context, bookingID string) ([]string, error) {
	return rem.client.SMembers(ctx, offerKey(bookingID)).Result()
}

// ClearOffers 清除並回傳原有的派單對象
func (rem *RedisEventManager) ClearOffers(ctx context.Context, bookingID string) ([]string, error) {
	key := offerKey(bookingID)
	pipe := rem.client.TxPipeline()
	members := pipe.SMembers(ctx, key)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("清除派單對象失敗: %w", err)
	}
	return members.Val(), nil
}

// TouchPresence 更新參與者的最後活動時間
func (rem *RedisEventManager) TouchPresence(ctx context.Context, participantKey string) error {
	return rem.client.ZAdd(ctx, PresenceKey, redis.Z{
		Score:  float64(rem.now().Unix()),
		Member: participantKey,
	}).Err()
}

// RemovePresence 參與者離線
func (rem *RedisEventManager) RemovePresence(ctx context.Context, participantKey string) error {
	return rem.client.ZRem(ctx, PresenceKey, participantKey).Err()
}

// IsOnline 最後活動時間在 ttl 內視為在線
func (rem *RedisEventManager) IsOnline(ctx context.Context, participantKey string, ttl time.Duration) (bool, error) {
	score, err := rem.client.ZScore(ctx, PresenceKey, participantKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return int64(score) >= rem.now().Add(-ttl).Unix(), nil
}

// OnlineCount 在線人數
func (rem *RedisEventManager) OnlineCount(ctx context.Context, ttl time.Duration) (int64, error) {
	min := strconv.FormatInt(rem.now().Add(-ttl).Unix(), 10)
	return rem.client.ZCount(ctx, PresenceKey, min, "+inf").Result()
}

// PrunePresence 移除逾時的在線紀錄
func (rem *RedisEventManager) PrunePresence(ctx context.Context, ttl time.Duration) (int64, error) {
	max := "(" + strconv.FormatInt(rem.now().Add(-ttl).Unix(), 10)
	return rem.client.ZRemRangeByScore(ctx, PresenceKey, "-inf", max).Result()
}

// StartPresenceJanitor 定期清除逾時的在線紀錄
func (rem *RedisEventManager) StartPresenceJanitor(ctx context.Context, ttl time.Duration) {
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := rem.PrunePresence(ctx, ttl)
			if err != nil {
				rem.logger.Error().Err(err).Msg("清除逾時在線紀錄失敗")
				continue
			}
			if removed > 0 {
				rem.logger.Debug().Int64("removed", removed).Msg("已清除逾時在線紀錄")
			}
		}
	}
}
