package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoConfig struct {
	URI      string
	Database string
}

type MongoDB struct {
	Client   *mongo.Client
	Database *mongo.Database
}

func NewMongoDB(logger zerolog.Logger, config MongoConfig) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientOptions := options.Client().ApplyURI(config.URI)
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("連接 MongoDB 失敗: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("MongoDB ping 失敗: %w", err)
	}

	logger.Info().Str("database", config.Database).Msg("已連接 MongoDB")

	return &MongoDB{
		Client:   client,
		Database: client.Database(config.Database),
	}, nil
}

// Healthy 檢查連線並回傳延遲（毫秒）
func (m *MongoDB) Healthy(ctx context.Context) (float64, error) {
	start := time.Now()
	err := m.Client.Ping(ctx, nil)
	return float64(time.Since(start).Microseconds()) / 1000, err
}

func (m *MongoDB) Close(ctx context.Context) error {
	return m.Client.Disconnect(ctx)
}

func (m *MongoDB) GetCollection(name string) *mongo.Collection {
	return m.Database.Collection(name)
}
