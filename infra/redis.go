package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type Redis struct {
	Client *redis.Client
}

func NewRedis(logger zerolog.Logger, config RedisConfig) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("連接 Redis 失敗: %w", err)
	}

	logger.Info().Str("addr", config.Addr).Msg("已連接 Redis")

	return &Redis{
		Client: rdb,
	}, nil
}

// Healthy 檢查連線並回傳延遲（毫秒）
func (r *Redis) Healthy(ctx context.Context) (float64, error) {
	start := time.Now()
	err := r.Client.Ping(ctx).Err()
	return float64(time.Since(start).Microseconds()) / 1000, err
}

func (r *Redis) Close() error {
	return r.Client.Close()
}
