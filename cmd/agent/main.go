// agent 以命令列登入為客戶或師傅，連線後記錄收到的事件，用來手動驗證部署。
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"homeservice-realtime/client"
	"homeservice-realtime/client/alert"
	"homeservice-realtime/client/session"
	"homeservice-realtime/data-models/realtime"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Options struct {
	BaseURL      string `help:"API 位址" default:"http://localhost:8090"`
	WSURL        string `help:"websocket 位址" default:"ws://localhost:8090/ws"`
	Session      string `help:"工作階段檔案" default:"agent-session.yml"`
	Role         string `help:"登入角色 customer/worker/support" default:"worker"`
	ID           string `help:"登入者 ID"`
	Name         string `help:"顯示名稱"`
	AccessToken  string `help:"access token，空白時沿用工作階段檔案"`
	RefreshToken string `help:"refresh token"`
	Auto         string `help:"收到新訂單時自動 accept 或 reject" enum:"accept,reject,none" default:"none"`
	Chat         string `help:"開啟訂單對話的訂單 ID"`
	Say          string `help:"開啟對話後送出的訊息"`
}

func main() {
	cli := humacli.New(func(hooks humacli.Hooks, options *Options) {
		zerolog.TimeFieldFormat = time.RFC3339
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).With().Timestamp().Logger()

		hooks.OnStart(func() {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := run(ctx, options); err != nil {
				log.Fatal().Err(err).Msg("agent 結束")
			}
		})
	})
	cli.Run()
}

func run(ctx context.Context, options *Options) error {
	presenter := &autoPresenter{mode: options.Auto}
	c, err := client.New(client.Config{
		BaseURL:     strings.TrimRight(options.BaseURL, "/"),
		WSURL:       options.WSURL,
		SessionPath: options.Session,
		Platform:    "cli",
		DeviceID:    "agent",
	}, client.Options{
		Presenter: presenter,
		Notifier:  logNotifier{},
		Logger:    log.Logger,
	})
	if err != nil {
		return err
	}
	presenter.client = c

	if options.AccessToken != "" {
		err = c.Login(ctx, session.State{
			AccessToken:  options.AccessToken,
			RefreshToken: options.RefreshToken,
			Profile: session.Profile{
				Role:        realtime.Role(options.Role),
				ID:          options.ID,
				DisplayName: options.Name,
			},
		})
		if err != nil {
			return err
		}
	} else if !c.Resume(ctx) {
		log.Warn().Str("session", options.Session).Msg("沒有保存的工作階段，請提供 --access-token")
		return nil
	}
	defer c.Logout()

	if options.Chat != "" {
		s, err := c.OpenChat(ctx, realtime.ConversationRef{Kind: realtime.RoomKindBooking, ID: options.Chat}, nil)
		if err != nil {
			return err
		}
		log.Info().Str("room", s.Room()).Int("messages", len(s.Messages())).Msg("已開啟對話")
		if options.Say != "" {
			if _, err := s.Send(ctx, options.Say); err != nil {
				log.Error().Err(err).Msg("送出訊息失敗")
			}
		}
		defer c.CloseChat(s.Room())
	}

	<-ctx.Done()
	return nil
}

// autoPresenter 記錄提醒狀態，依設定自動回應新訂單
type autoPresenter struct {
	mode   string
	client *client.Client
}

func (p *autoPresenter) Show(b realtime.BookingPayload) {
	log.Info().
		Str("booking_id", b.ID).
		Str("service", b.Service.Name).
		Str("address", b.Address).
		Float64("amount", b.Amount).
		Msg("新訂單")

	if p.client == nil || p.mode == "none" {
		return
	}
	// 狀態機持鎖呼叫 Show，回應需另開 goroutine
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		var err error
		if p.mode == "accept" {
			err = p.client.Alert.Accept(ctx)
		} else {
			err = p.client.Alert.Reject(ctx, "agent 自動拒單")
		}
		if err != nil {
			log.Warn().Err(err).Str("booking_id", b.ID).Str("mode", p.mode).Msg("自動回應失敗")
		}
	}()
}

func (p *autoPresenter) Dismiss(id string, outcome alert.Outcome) {
	log.Info().Str("booking_id", id).Str("outcome", string(outcome)).Msg("關閉訂單提醒")
}

func (p *autoPresenter) NavigateToActiveBookings(id string) {
	log.Info().Str("booking_id", id).Msg("接單成功")
}

func (p *autoPresenter) Error(err error) {
	log.Error().Err(err).Msg("操作失敗")
}

type logNotifier struct{}

func (logNotifier) Notify(n realtime.Notification) {
	log.Info().Interface("notification", n).Msg("收到通知")
}
