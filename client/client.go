// Package client 組合單一登入者的即時連線、事件分派、新訂單提醒、對話與推播。
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"homeservice-realtime/client/alert"
	"homeservice-realtime/client/api"
	"homeservice-realtime/client/chat"
	"homeservice-realtime/client/push"
	"homeservice-realtime/client/router"
	"homeservice-realtime/client/session"
	"homeservice-realtime/client/socket"
	"homeservice-realtime/data-models/realtime"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Config 客戶端設定
type Config struct {
	BaseURL     string
	WSURL       string
	SessionPath string
	Platform    string
	DeviceID    string
	// Socket 未設定的欄位使用預設值
	Socket socket.Config
}

// Options 畫面與平台相關的實作
type Options struct {
	Ringer     alert.Ringer
	Presenter  alert.Presenter
	Notifier   push.Notifier
	ChatOpener push.ChatOpener
	HTTPClient *http.Client
	Clock      clockwork.Clock
	Logger     zerolog.Logger
}

// Client 單一登入者的即時客戶端
type Client struct {
	cfg    Config
	opts   Options
	logger zerolog.Logger

	Store  *session.Store
	API    *api.Client
	Router *router.Router
	Socket *socket.Manager
	Alert  *alert.Machine
	Push   *push.Bridge
	Tokens *push.TokenRegistrar

	mu       sync.Mutex
	scope    *router.Scope
	chats    map[string]*chat.Session
	loggedIn bool
}

// New 建立客戶端並讀取本機工作階段
func New(cfg Config, opts Options) (*Client, error) {
	if cfg.BaseURL == "" || cfg.WSURL == "" {
		return nil, errors.New("缺少 BaseURL 或 WSURL")
	}
	store, err := session.Open(cfg.SessionPath)
	if err != nil {
		return nil, err
	}
	if opts.Ringer == nil {
		opts.Ringer = nopRinger{}
	}
	if opts.Presenter == nil {
		opts.Presenter = logPresenter{logger: opts.Logger}
	}

	c := &Client{
		cfg:    cfg,
		opts:   opts,
		logger: opts.Logger.With().Str("module", "realtime_client").Logger(),
		Store:  store,
		chats:  make(map[string]*chat.Session),
	}
	c.API = api.New(cfg.BaseURL, store, opts.HTTPClient, opts.Logger)
	c.Router = router.New(opts.Logger)

	sockCfg := cfg.Socket
	sockCfg.URL = cfg.WSURL
	c.Socket = socket.NewManager(sockCfg, store.AccessToken, c.Router.Dispatch, opts.Logger)
	c.Alert = alert.NewMachine(c.API, opts.Ringer, opts.Presenter, opts.Logger)
	c.Push = push.NewBridge(c.Alert, opts.ChatOpener, opts.Notifier, func() bool {
		return c.Socket.State() == socket.StateConnected
	}, opts.Clock, opts.Logger)
	c.Tokens = push.NewTokenRegistrar(c.API, store, cfg.Platform, cfg.DeviceID, opts.Logger)

	c.API.OnForcedLogout(func() { go c.Logout() })
	c.Socket.OnDisconnected(c.handleDisconnect)
	c.Socket.OnConnected(func() { c.Alert.Revalidate(context.Background()) })
	return c, nil
}

// Self 目前登入者
func (c *Client) Self() realtime.Participant {
	return c.Store.Profile().Participant()
}

// Resume 啟動時若有保存的憑證則直接連線
func (c *Client) Resume(ctx context.Context) bool {
	if !c.Store.Authenticated() {
		return false
	}
	c.start(ctx)
	return true
}

// Login 保存憑證與使用者資料後建立連線
func (c *Client) Login(ctx context.Context, state session.State) error {
	if state.AccessToken == "" || !state.Profile.Role.Valid() || state.Profile.ID == "" {
		return errors.New("登入資料不完整")
	}
	state.PushToken = c.Store.PushToken()
	if err := c.Store.Save(state); err != nil {
		return fmt.Errorf("保存工作階段失敗: %w", err)
	}
	c.start(ctx)
	return nil
}

func (c *Client) start(ctx context.Context) {
	self := c.Self()

	c.mu.Lock()
	if c.scope != nil {
		c.scope.Close()
	}
	c.scope = c.Router.NewScope()
	scope := c.scope
	c.loggedIn = true
	c.mu.Unlock()

	if self.Role == realtime.RoleWorker {
		c.Alert.Bind(scope)
	}
	scope.Track(router.Handle(c.Router, realtime.EventNewNotification, func(n realtime.Notification) {
		if c.opts.Notifier != nil {
			c.opts.Notifier.Notify(n)
		}
	}))
	scope.Track(router.Handle(c.Router, realtime.EventError, func(e realtime.ErrorEvent) {
		c.logger.Warn().Str("code", e.Code).Str("room", e.RoomID).Msg(e.Message)
	}))

	if room := realtime.PersonalRoom(self); room != "" {
		c.Socket.Join(room)
	}
	c.Socket.Connect()
	c.Tokens.OnAuthenticated(ctx)
	c.logger.Info().Str("participant", self.Key()).Msg("已登入並建立連線")
}

// handleDisconnect 握手憑證失效時換發一次後重連；放棄重連時清除提醒。
// 短暫斷線保留提醒，重新連線後由 Revalidate 補上漏掉的撤回。
func (c *Client) handleDisconnect(err error) {
	if c.Socket.State() != socket.StateDisconnected {
		return
	}
	c.mu.Lock()
	loggedIn := c.loggedIn
	c.mu.Unlock()
	if !loggedIn {
		return
	}

	if errors.Is(err, socket.ErrUnauthorized) {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if _, rerr := c.API.Refresh(ctx); rerr != nil {
			c.logger.Warn().Err(rerr).Msg("連線憑證無法換發，強制登出")
			go c.Logout()
			return
		}
		c.Socket.Connect()
		return
	}
	c.logger.Warn().Err(err).Msg("即時連線已中斷")
	c.Alert.Reset()
}

// OpenChat 開啟對話畫面，同一房間重複開啟會回傳既有的對話
func (c *Client) OpenChat(ctx context.Context, ref realtime.ConversationRef, onChange func()) (*chat.Session, error) {
	room := ref.Room()
	c.mu.Lock()
	if s, ok := c.chats[room]; ok {
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	s := chat.NewSession(ref, c.Self(), chat.Deps{
		API:       c.API,
		Transport: c.Socket,
		Router:    c.Router,
		Clock:     c.opts.Clock,
		Logger:    c.opts.Logger,
		OnChange:  onChange,
	})
	if err := s.Initialize(ctx); err != nil {
		s.Close()
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.chats[room]; ok {
		go s.Close()
		return existing, nil
	}
	c.chats[room] = s
	return s, nil
}

// CloseChat 離開對話畫面
func (c *Client) CloseChat(room string) {
	c.mu.Lock()
	s, ok := c.chats[room]
	delete(c.chats, room)
	c.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Logout 中斷連線、清除提醒與所有事件處理器，最後刪除本機憑證
func (c *Client) Logout() {
	c.mu.Lock()
	if !c.loggedIn {
		c.mu.Unlock()
		return
	}
	c.loggedIn = false
	chats := c.chats
	c.chats = make(map[string]*chat.Session)
	scope := c.scope
	c.scope = nil
	c.mu.Unlock()

	c.Socket.Disconnect()
	c.Alert.Reset()
	for _, s := range chats {
		s.Close()
	}
	if scope != nil {
		scope.Close()
	}
	c.Router.RemoveAllListeners()
	if err := c.Store.Clear(); err != nil {
		c.logger.Error().Err(err).Msg("清除工作階段失敗")
	}
	c.logger.Info().Msg("已登出")
}

type nopRinger struct{}

func (nopRinger) Start() {}
func (nopRinger) Stop()  {}

type logPresenter struct {
	logger zerolog.Logger
}

func (p logPresenter) Show(b realtime.BookingPayload) {
	p.logger.Info().Str("booking_id", b.ID).Str("customer", b.Customer.Name).Float64("amount", b.Amount).Msg("新訂單")
}

func (p logPresenter) Dismiss(id string, outcome alert.Outcome) {
	p.logger.Info().Str("booking_id", id).Str("outcome", string(outcome)).Msg("關閉訂單提醒")
}

func (p logPresenter) NavigateToActiveBookings(id string) {
	p.logger.Info().Str("booking_id", id).Msg("前往進行中訂單")
}

func (p logPresenter) Error(err error) {
	p.logger.Error().Err(err).Msg("操作失敗")
}
