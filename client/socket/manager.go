// Package socket 管理單一已驗證的即時連線與其房間成員資格。
package socket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"homeservice-realtime/data-models/realtime"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// State 連線狀態
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

var (
	// ErrNotConnected 尚未連線時送出事件
	ErrNotConnected = errors.New("尚未連線")
	// ErrUnauthorized 握手時憑證被拒絕
	ErrUnauthorized = errors.New("連線憑證無效")
)

// TokenSource 提供連線握手使用的憑證，沒有憑證時回傳空字串
type TokenSource func() string

// Dispatcher 收到訊框時依序呼叫
type Dispatcher func(frame realtime.Frame)

// Manager 連線管理器，一個登入者一個實例
type Manager struct {
	cfg      Config
	logger   zerolog.Logger
	token    TokenSource
	dispatch Dispatcher
	dialer   *websocket.Dialer

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	rooms          map[string]struct{}
	attempts       int
	cancel         context.CancelFunc
	done           chan struct{}
	onConnected    []func()
	onDisconnected []func(error)

	writeMu sync.Mutex
}

// NewManager 建立連線管理器
func NewManager(cfg Config, token TokenSource, dispatch Dispatcher, logger zerolog.Logger) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:      cfg,
		logger:   logger.With().Str("module", "connection_manager").Logger(),
		token:    token,
		dispatch: dispatch,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		state: StateDisconnected,
		rooms: make(map[string]struct{}),
	}
}

// OnConnected 每次 (重新) 連線且房間重新加入後呼叫
func (m *Manager) OnConnected(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnected = append(m.onConnected, fn)
}

// OnDisconnected 連線中斷時呼叫，err 為中斷原因
func (m *Manager) OnDisconnected(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnected = append(m.onDisconnected, fn)
}

// State 目前連線狀態
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts 本次斷線後已嘗試的連線次數
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Rooms 目前的房間集合 (排序後)
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedRoomsLocked()
}

func (m *Manager) sortedRoomsLocked() []string {
	rooms := make([]string, 0, len(m.rooms))
	for r := range m.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return rooms
}

// Connect 建立連線，已連線或連線中時不做任何事；沒有憑證時只記錄
func (m *Manager) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.logger.Debug().Str("state", string(m.state)).Msg("連線已存在，略過")
		return
	}
	if m.token == nil || m.token() == "" {
		m.logger.Warn().Msg("沒有登入憑證，不建立連線")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.state = StateConnecting
	m.attempts = 0
	go m.run(ctx, cancel, m.done)
}

// Disconnect 中斷連線並清除房間集合，登出時必須呼叫
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel, done, conn := m.cancel, m.done, m.conn
	m.cancel = nil
	m.done = nil
	m.rooms = make(map[string]struct{})
	if cancel != nil {
		cancel()
	}
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	if conn != nil {
		m.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "logout"),
			time.Now().Add(time.Second))
		m.writeMu.Unlock()
	}
	<-done

	m.mu.Lock()
	m.state = StateDisconnected
	m.conn = nil
	m.mu.Unlock()
	m.logger.Info().Msg("已中斷連線")
}

// Join 加入房間；未連線時只記錄，連線後自動加入
func (m *Manager) Join(room string) {
	m.mu.Lock()
	_, exists := m.rooms[room]
	m.rooms[room] = struct{}{}
	connected := m.state == StateConnected
	m.mu.Unlock()

	if exists || !connected {
		return
	}
	if err := m.Emit(realtime.EventJoinRoom, realtime.RoomRequest{RoomID: room}); err != nil {
		m.logger.Warn().Err(err).Str("room", room).Msg("加入房間失敗，將於重新連線後補上")
	}
}

// Leave 離開房間
func (m *Manager) Leave(room string) {
	m.mu.Lock()
	_, exists := m.rooms[room]
	delete(m.rooms, room)
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !exists || !connected {
		return
	}
	if err := m.Emit(realtime.EventLeaveRoom, realtime.RoomRequest{RoomID: room}); err != nil {
		m.logger.Warn().Err(err).Str("room", room).Msg("離開房間失敗")
	}
}

// Emit 送出事件
func (m *Manager) Emit(event string, payload any) error {
	frame, err := realtime.NewFrame(event, payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()
	if conn == nil || !connected {
		return ErrNotConnected
	}
	return m.write(conn, frame)
}

func (m *Manager) write(conn *websocket.Conn, frame realtime.Frame) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("設定寫入逾時失敗: %w", err)
	}
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("送出事件 %s 失敗: %w", frame.Type, err)
	}
	return nil
}

func (m *Manager) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)
	defer cancel()

	for {
		conn, err := m.dialWithRetry(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Error().Err(err).Int("attempts", m.Attempts()).Msg("重新連線次數用盡，停止連線")
				m.stopped(done, err)
			}
			return
		}

		stop := context.AfterFunc(ctx, func() { conn.Close() })
		if !m.connected(ctx, conn) {
			stop()
			conn.Close()
			return
		}
		err = m.readLoop(conn)
		stop()
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		m.logger.Warn().Err(err).Msg("連線中斷，準備重新連線")
		m.dropped(err)
	}
}

func (m *Manager) dialWithRetry(ctx context.Context) (*websocket.Conn, error) {
	policy := &backoff.ExponentialBackOff{
		InitialInterval:     m.cfg.ReconnectInterval,
		RandomizationFactor: m.cfg.ReconnectJitter,
		Multiplier:          1,
		MaxInterval:         m.cfg.ReconnectInterval,
	}

	return backoff.Retry(ctx, func() (*websocket.Conn, error) {
		m.mu.Lock()
		m.attempts++
		attempt := m.attempts
		m.mu.Unlock()

		token := m.token()
		if token == "" {
			return nil, backoff.Permanent(ErrUnauthorized)
		}
		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)

		conn, resp, err := m.dialer.DialContext(ctx, m.cfg.URL, header)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return nil, backoff.Permanent(ErrUnauthorized)
			}
			m.logger.Debug().Err(err).Int("attempt", attempt).Msg("連線失敗")
			return nil, err
		}
		return conn, nil
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(m.cfg.MaxAttempts),
		backoff.WithMaxElapsedTime(0),
	)
}

// connected 設定連線並重新加入全部房間，之後才通知 OnConnected
func (m *Manager) connected(ctx context.Context, conn *websocket.Conn) bool {
	conn.SetReadLimit(m.cfg.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
		m.writeMu.Lock()
		defer m.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(m.cfg.WriteTimeout))
	})

	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return false
	}
	m.conn = conn
	m.state = StateConnected
	m.attempts = 0
	rooms := m.sortedRoomsLocked()
	hooks := append([]func(){}, m.onConnected...)
	m.mu.Unlock()

	for _, room := range rooms {
		if err := m.write(conn, mustFrame(realtime.EventJoinRoom, realtime.RoomRequest{RoomID: room})); err != nil {
			m.logger.Warn().Err(err).Str("room", room).Msg("重新加入房間失敗")
		}
	}
	m.logger.Info().Int("rooms", len(rooms)).Msg("已連線並重新加入房間")

	for _, fn := range hooks {
		fn()
	}
	return true
}

func (m *Manager) dropped(err error) {
	m.mu.Lock()
	m.conn = nil
	m.state = StateConnecting
	hooks := append([]func(error){}, m.onDisconnected...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(err)
	}
}

// stopped 重連放棄，回到未連線狀態，房間集合保留給下次 Connect
func (m *Manager) stopped(done chan struct{}, err error) {
	m.mu.Lock()
	m.conn = nil
	m.state = StateDisconnected
	if m.done == done {
		m.cancel = nil
		m.done = nil
	}
	hooks := append([]func(error){}, m.onDisconnected...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(err)
	}
}

func (m *Manager) readLoop(conn *websocket.Conn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("讀取迴圈發生 panic")
			err = fmt.Errorf("讀取迴圈 panic: %v", r)
		}
	}()

	for {
		var frame realtime.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
		if frame.Type == "" {
			continue
		}
		if m.dispatch != nil {
			m.dispatch(frame)
		}
	}
}

func mustFrame(event string, payload any) realtime.Frame {
	f, err := realtime.NewFrame(event, payload)
	if err != nil {
		panic(err)
	}
	return f
}
