package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"homeservice-realtime/auth"
	"homeservice-realtime/background"
	"homeservice-realtime/controller"
	"homeservice-realtime/infra"
	"homeservice-realtime/metrics"
	appMiddleware "homeservice-realtime/middleware"
	"homeservice-realtime/model"
	"homeservice-realtime/service"
	"homeservice-realtime/service/interfaces"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	Port       int    `help:"服務監聽端口，0 表示使用 config.yml" short:"p" default:"0"`
	Config     string `help:"設定檔路徑" short:"c" default:"config.yml"`
	EnvFile    string `help:".env 檔案路徑" default:".env"`
	ConsumerID string `help:"RabbitMQ 消費者名稱前綴" default:"realtime"`
}

type AppServices struct {
	MongoDB  *infra.MongoDB
	Redis    *infra.Redis
	RabbitMQ *infra.RabbitMQ
}

// 全局變量用於存儲 OpenTelemetry cleanup 函數
var otelCleanup func()

func main() {
	cli := humacli.New(func(hooks humacli.Hooks, options *Options) {
		// 載入設定檔
		if err := infra.LoadConfigFrom(options.Config, options.EnvFile); err != nil {
			log.Fatal().
				Err(err).
				Str("path", options.Config).
				Msg("讀取設定檔失敗")
		}
		cfg := infra.AppConfig
		if options.Port != 0 {
			cfg.Server.Port = options.Port
		}

		// 初始化 logger（在載入配置後）
		infra.InitLogger()

		otelEndpoint := cfg.Otel.Endpoint
		if otelEndpoint == "" {
			otelEndpoint = "localhost:4318"
		}
		environment := os.Getenv("ENVIRONMENT")
		if environment == "" {
			environment = "development"
		}
		otelConfig := appMiddleware.OtelConfig{
			ServiceName:     infra.ServiceName,
			ServiceVersion:  appVersion(),
			Environment:     environment,
			OTLPEndpoint:    otelEndpoint,
			TracesEnabled:   true,
			MetricsEnabled:  true,
			Enabled:         cfg.Otel.Enabled,
			DevelopmentMode: cfg.Otel.DevelopmentMode,
		}

		var err error
		otelCleanup, err = appMiddleware.InitOpenTelemetry(otelConfig, log.Logger)
		if err != nil {
			log.Fatal().
				Err(err).
				Msg("OpenTelemetry 初始化失敗")
		}

		// 初始化全局 tracer
		infra.InitTracer()

		if err := appMiddleware.InitPrometheusMetrics(log.Logger); err != nil {
			log.Error().
				Err(err).
				Msg("Prometheus metrics 初始化失敗，將繼續運行")
		}
		if err := metrics.InitServiceMetrics(appMiddleware.GetPrometheusRegistry()); err != nil {
			log.Error().
				Err(err).
				Msg("Service metrics 初始化失敗，將繼續運行")
		}

		log.Info().
			Int("port", cfg.Server.Port).
			Msg("啟動即時派單與聊天服務")

		services, err := initializeServices(cfg)
		if err != nil {
			log.Fatal().
				Err(err).
				Msg("初始化服務失敗")
		}

		if err := infra.InitializeCollections(log.Logger, services.MongoDB.Database); err != nil {
			log.Error().
				Err(err).
				Msg("建立 MongoDB 索引失敗，將繼續運行")
		}

		router := chi.NewRouter()
		router.Use(middleware.Logger)
		router.Use(middleware.Recoverer)
		router.Use(middleware.RequestID)
		router.Use(middleware.Heartbeat("/ping"))

		allowedOrigins := cfg.Server.AllowedOrigins
		if len(allowedOrigins) == 0 {
			allowedOrigins = []string{"*"}
		}
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
			ExposedHeaders:   []string{"Link"},
			AllowCredentials: false,
			MaxAge:           300,
		}))

		controller.UseAPIErrors()
		apiConfig := huma.DefaultConfig("Home Service Realtime API", appVersion())
		apiConfig.Info.Description = "派單、接單與聊天的即時通知服務"

		serverURL := fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
		if cfg.App.BaseURL != "" {
			serverURL = cfg.App.BaseURL
		}
		apiConfig.Servers = []*huma.Server{
			{URL: serverURL},
		}

		// 配置 JWT Bearer 認證
		apiConfig.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
			"BearerAuth": {
				Type:         "http",
				Scheme:       "bearer",
				BearerFormat: "JWT",
				Description:  "JWT Bearer Token 認證",
			},
		}

		api := humachi.New(router, apiConfig)
		api.UseMiddleware(appMiddleware.OpenTelemetryMiddleware(otelConfig, log.Logger))
		api.UseMiddleware(appMiddleware.PrometheusMiddleware(log.Logger))

		// 核心服務
		issuer := auth.NewTokenIssuer(cfg.JWT.SecretKey, cfg.AccessTokenTTL(), cfg.RefreshTokenTTL())
		actorAuth := appMiddleware.NewActorAuthMiddleware(log.Logger, issuer)

		var eventManager *infra.RedisEventManager
		if services.Redis != nil {
			eventManager = infra.NewRedisEventManager(services.Redis.Client, log.Logger)
		} else {
			log.Warn().Msg("Redis 不可用，房間事件只會送給本機連接")
		}

		presenceTTL := time.Duration(cfg.Realtime.PresenceTTLSeconds) * time.Second
		offerTTL := time.Duration(cfg.Realtime.OfferTTLMinutes) * time.Minute
		acceptLockTTL := time.Duration(cfg.Realtime.AcceptLockSeconds) * time.Second

		hub := service.NewRoomHub(log.Logger)
		realtimeService := service.NewRealtimeService(log.Logger, hub, eventManager, presenceTTL)

		bookingStore := service.NewMongoBookingStore(log.Logger, services.MongoDB)
		chatStore := service.NewMongoChatStore(services.MongoDB)
		pushTokenService := service.NewPushTokenService(log.Logger, service.NewMongoPushTokenStore(services.MongoDB))

		notificationService := service.NewNotificationService(
			log.Logger,
			pushTokenService,
			initializePushSenders(cfg),
			queuePublisher(services.RabbitMQ),
			cfg.Push.Workers,
			cfg.Push.QueueSize,
		)
		dispatchService := service.NewDispatchService(
			log.Logger,
			bookingStore,
			realtimeService,
			eventManager,
			realtimeService,
			notificationService,
			acceptLockTTL,
			offerTTL,
		)
		chatService := service.NewChatService(
			log.Logger,
			chatStore,
			bookingStore,
			realtimeService,
			realtimeService,
			notificationService,
		)

		// HTTP API
		controller.NewAuthController(log.Logger, issuer).RegisterRoutes(api)
		controller.NewBookingController(log.Logger, dispatchService, actorAuth).RegisterRoutes(api)
		controller.NewChatController(log.Logger, chatService, actorAuth).RegisterRoutes(api)
		controller.NewPushController(log.Logger, pushTokenService, actorAuth).RegisterRoutes(api)

		healthController := controller.NewHealthController(log.Logger, cfg.App.Name, appVersion(), healthProbes(services)...)
		healthController.RegisterRoutes(api)

		wsController := controller.NewWebSocketController(
			log.Logger,
			hub,
			realtimeService,
			chatService,
			issuer,
			controller.WebSocketConfig{
				PingInterval: cfg.PingInterval(),
				ReadTimeout:  cfg.ReadTimeout(),
				SendBuffer:   cfg.Realtime.SendBuffer,
				ReadLimit:    cfg.Realtime.ReadLimit,
			},
		)
		router.Get("/ws", wsController.GetWebSocketHandler())

		sseController := controller.NewSSEController(log.Logger, hub, issuer, cfg.PingInterval())
		router.Get("/api/v1/dashboard/events", sseController.GetSSEHandler())

		router.Handle("/metrics", appMiddleware.GetStandardPrometheusHandler())
		router.Handle("/metrics/otel", appMiddleware.GetPrometheusHandler())

		hooks.OnStart(func() {
			notificationService.Start()

			// 背景工作
			bgCtx, bgCancel := context.WithCancel(context.Background())
			bg, bgCtx := errgroup.WithContext(bgCtx)

			if eventManager != nil {
				relay := background.NewRoomRelay(log.Logger, eventManager, realtimeService)
				bg.Go(func() error { return relay.Start(bgCtx, nil) })
				bg.Go(func() error {
					eventManager.StartPresenceJanitor(bgCtx, presenceTTL)
					return nil
				})
			}
			if services.RabbitMQ != nil {
				dispatcher := background.NewDispatcher(log.Logger, services.RabbitMQ, dispatchService, notificationService, 10, options.ConsumerID)
				bg.Go(func() error { return dispatcher.Start(bgCtx) })
			} else {
				log.Warn().Msg("RabbitMQ 不可用，訂單事件只能透過 HTTP 觸發")
			}
			expiryChecker := background.NewOfferExpiryChecker(log.Logger, bookingStore, dispatchService, offerTTL)
			bg.Go(func() error { return expiryChecker.Start(bgCtx) })
			bg.Go(func() error {
				wsController.Run(bgCtx)
				return nil
			})
			bg.Go(func() error {
				runMetricsUpdater(bgCtx, wsController, eventManager, healthController, presenceTTL)
				return nil
			})

			log.Info().
				Int("port", cfg.Server.Port).
				Str("docs_url", fmt.Sprintf("%s/docs", serverURL)).
				Msg("API文檔已啟用")
			server := &http.Server{
				Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
				Handler: router,
			}
			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal().
						Err(err).
						Msg("服務器啟動失敗")
				}
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-quit:
			case <-bgCtx.Done():
				log.Error().Msg("背景工作異常結束，關閉服務器")
			}
			log.Info().Msg("正在關閉服務器...")

			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				log.Error().
					Err(err).
					Msg("服務器關閉錯誤")
			}

			bgCancel()
			if err := bg.Wait(); err != nil {
				log.Error().
					Err(err).
					Msg("背景工作結束時發生錯誤")
			}

			log.Info().Msg("正在停止推播服務...")
			notificationService.Stop()

			if otelCleanup != nil {
				log.Info().Msg("正在關閉 OpenTelemetry...")
				otelCleanup()
			}
			cleanupServices(services)
			log.Info().Msg("服務器已關閉")
		})
	})

	cli.Run()
}

func appVersion() string {
	if v := infra.AppConfig.App.AppVersion; v != "" {
		return v
	}
	return "dev"
}

func initializeServices(cfg infra.Config) (*AppServices, error) {
	mongoDB, err := infra.NewMongoDB(log.Logger, infra.MongoConfig{
		URI:      cfg.MongoDB.URI,
		Database: cfg.MongoDB.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("MongoDB初始化失敗: %w", err)
	}

	redisClient, err := infra.NewRedis(log.Logger, infra.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Error().
			Err(err).
			Msg("Redis連接失敗 (繼續運行)")
		redisClient = nil
	}

	rabbitMQ, err := infra.NewRabbitMQ(log.Logger, infra.RabbitMQConfig{
		URL: cfg.RabbitMQ.URL,
	})
	if err != nil {
		log.Error().
			Err(err).
			Msg("RabbitMQ連接失敗 (繼續運行)")
		rabbitMQ = nil
	}

	return &AppServices{
		MongoDB:  mongoDB,
		Redis:    redisClient,
		RabbitMQ: rabbitMQ,
	}, nil
}

// initializePushSenders 依設定啟用推播管道，FCM 或簡訊初始化失敗不影響其他管道
func initializePushSenders(cfg infra.Config) map[model.PushProvider]interfaces.PushSender {
	senders := map[model.PushProvider]interfaces.PushSender{
		model.PushProviderExpo: service.NewExpoService(log.Logger, cfg.Push.Expo.AccessToken),
	}

	if cfg.Push.FCM.CredentialsFile != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		fcm, err := service.NewFCMServiceFromCredentials(ctx, log.Logger, cfg.Push.FCM.CredentialsFile)
		cancel()
		if err != nil {
			log.Error().
				Err(err).
				Msg("FCM 初始化失敗 (繼續運行)")
		} else {
			senders[model.PushProviderFCM] = fcm
		}
	}

	if cfg.Push.SMS.Enabled {
		senders[model.PushProviderSMS] = service.NewTwilioSMSService(log.Logger, cfg.Push.SMS.AccountSID, cfg.Push.SMS.AuthToken, cfg.Push.SMS.From)
	}

	providers := make([]string, 0, len(senders))
	for p := range senders {
		providers = append(providers, string(p))
	}
	log.Info().Strs("providers", providers).Msg("推播管道已啟用")
	return senders
}

// queuePublisher 沒有 RabbitMQ 時回傳 nil，推播改由本機 worker pool 處理
func queuePublisher(rabbitMQ *infra.RabbitMQ) service.QueuePublisher {
	if rabbitMQ == nil {
		return nil
	}
	return rabbitMQ
}

func healthProbes(services *AppServices) []controller.Probe {
	probes := []controller.Probe{
		{Service: "database", Component: "mongodb", Required: true, Check: services.MongoDB.Healthy},
	}
	if services.Redis != nil {
		probes = append(probes, controller.Probe{Service: "cache", Component: "redis", Check: services.Redis.Healthy})
	}
	if services.RabbitMQ != nil {
		rabbitMQ := services.RabbitMQ
		probes = append(probes, controller.Probe{
			Service:   "queue",
			Component: "rabbitmq",
			Check: func(ctx context.Context) (float64, error) {
				if !rabbitMQ.Healthy() {
					return 0, errors.New("RabbitMQ 連線已關閉")
				}
				return 0, nil
			},
		})
	}
	return probes
}

// runMetricsUpdater 每 15 秒更新連接數、在線人數與基礎設施健康狀態
func runMetricsUpdater(ctx context.Context, wsController *controller.WebSocketController, eventManager *infra.RedisEventManager, health *controller.HealthController, presenceTTL time.Duration) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := wsController.GetStats()
			appMiddleware.UpdateWebSocketConnections(stats.ConnectionsByRole, stats.Rooms)

			online := int64(stats.Participants)
			if eventManager != nil {
				if n, err := eventManager.OnlineCount(ctx, presenceTTL); err == nil {
					online = n
				} else {
					log.Warn().Err(err).Msg("查詢在線人數失敗")
				}
			}
			appMiddleware.UpdateOnlineParticipants(online)

			health.ReportProbes(ctx, appMiddleware.UpdateInfrastructureHealth)
		}
	}
}

func cleanupServices(services *AppServices) {
	if services.MongoDB != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := services.MongoDB.Close(ctx); err != nil {
			log.Error().
				Err(err).
				Msg("MongoDB關閉錯誤")
		}
	}

	if services.Redis != nil {
		if err := services.Redis.Close(); err != nil {
			log.Error().
				Err(err).
				Msg("Redis關閉錯誤")
		}
	}

	if services.RabbitMQ != nil {
		if err := services.RabbitMQ.Close(); err != nil {
			log.Error().
				Err(err).
				Msg("RabbitMQ關閉錯誤")
		}
	}
}
