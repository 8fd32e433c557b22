package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"homeservice-realtime/auth"
	"homeservice-realtime/data-models/realtime"
	"homeservice-realtime/infra"
	"homeservice-realtime/model"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type Options struct {
	Config     string `help:"設定檔路徑，空白時自動尋找" short:"c" default:""`
	Seed       bool   `help:"建立一筆測試訂單並簽發測試帳號 token"`
	CustomerID string `help:"測試客戶 ID" default:"customer-demo"`
	WorkerID   string `help:"測試師傅 ID" default:"worker-demo"`
}

// configPaths 自動尋找配置檔位置
var configPaths = []string{
	"config.yml",
	"../config.yml",
	"../../config.yml",
}

func main() {
	cli := humacli.New(func(hooks humacli.Hooks, options *Options) {
		hooks.OnStart(func() {
			if err := run(options); err != nil {
				log.Fatal().Err(err).Msg("初始化失敗")
			}
		})
	})
	cli.Run()
}

func run(options *Options) error {
	path, err := findConfig(options.Config)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := infra.LoadConfigFrom(path, filepath.Join(dir, ".env")); err != nil {
		return fmt.Errorf("讀取 %s 失敗: %w", path, err)
	}
	infra.InitLogger()
	cfg := infra.AppConfig
	log.Info().Str("path", path).Msg("找到配置檔")

	mongoDB, err := infra.NewMongoDB(log.Logger, infra.MongoConfig{
		URI:      cfg.MongoDB.URI,
		Database: cfg.MongoDB.Database,
	})
	if err != nil {
		return err
	}
	defer mongoDB.Close(context.Background())

	log.Info().Msg("開始建立 MongoDB 索引...")
	if err := infra.InitializeCollections(log.Logger, mongoDB.Database); err != nil {
		return err
	}
	printIndexInfo(mongoDB)

	if options.Seed {
		return seed(mongoDB, cfg, options)
	}
	log.Info().Msg("索引建立完成")
	return nil
}

func findConfig(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	for _, path := range configPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("無法找到 config.yml 配置檔，已嘗試路徑: %v", configPaths)
}

func printIndexInfo(mongoDB *infra.MongoDB) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for name := range infra.CollectionIndexes() {
		cursor, err := mongoDB.GetCollection(name).Indexes().List(ctx)
		if err != nil {
			log.Warn().Err(err).Str("collection", name).Msg("讀取索引資訊失敗")
			continue
		}
		var indexes []bson.M
		if err := cursor.All(ctx, &indexes); err != nil {
			log.Warn().Err(err).Str("collection", name).Msg("讀取索引資訊失敗")
			continue
		}
		names := make([]string, 0, len(indexes))
		for _, idx := range indexes {
			if n, ok := idx["name"].(string); ok {
				names = append(names, n)
			}
		}
		log.Info().Str("collection", name).Strs("indexes", names).Msg("集合索引")
	}
}

// seed 建立一筆待派單的訂單，並印出測試帳號的 token 供 agent 使用
func seed(mongoDB *infra.MongoDB, cfg infra.Config, options *Options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	booking := model.Booking{
		ID:          primitive.NewObjectID(),
		Customer:    realtime.BookingCustomer{ID: options.CustomerID, Name: "測試客戶"},
		Service:     realtime.BookingService{ID: "cleaning", Name: "居家清潔"},
		Address:     "台北市信義區測試路 1 號",
		Amount:      1200,
		Currency:    "TWD",
		ScheduledAt: now.Add(24 * time.Hour),
		Status:      model.BookingStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := mongoDB.GetCollection(infra.CollectionBookings).InsertOne(ctx, booking); err != nil {
		return fmt.Errorf("建立測試訂單失敗: %w", err)
	}

	issuer := auth.NewTokenIssuer(cfg.JWT.SecretKey, cfg.AccessTokenTTL(), cfg.RefreshTokenTTL())
	accounts := []struct {
		participant realtime.Participant
		name        string
	}{
		{realtime.Participant{Role: realtime.RoleCustomer, ID: options.CustomerID}, "測試客戶"},
		{realtime.Participant{Role: realtime.RoleWorker, ID: options.WorkerID}, "測試師傅"},
	}
	for _, a := range accounts {
		access, refresh, _, err := issuer.Issue(a.participant, a.name)
		if err != nil {
			return fmt.Errorf("簽發 %s token 失敗: %w", a.participant.Key(), err)
		}
		fmt.Printf("%s\n  access:  %s\n  refresh: %s\n", a.participant.Key(), access, refresh)
	}

	fmt.Printf("測試訂單: %s\n", booking.ID.Hex())
	fmt.Printf("派單: 發布 {\"bookingId\":%q,\"workerIds\":[%q]} 到 %s 隊列\n", booking.ID.Hex(), options.WorkerID, infra.QueueNameBookingCreated)
	return nil
}
