package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"homeservice-realtime/auth"
	"homeservice-realtime/data-models/realtime"
	websocketModels "homeservice-realtime/data-models/websocket"
	"homeservice-realtime/middleware"
	"homeservice-realtime/service"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// error 事件的代碼
const (
	wsErrBadRequest   = "bad_request"
	wsErrForbidden    = "forbidden"
	wsErrNotInRoom    = "not_in_room"
	wsErrUnknownEvent = "unknown_event"
	wsErrInternal     = "internal_error"
)

// RoomAuthorizer 判斷參與者能否加入房間
type RoomAuthorizer interface {
	AuthorizeRoom(ctx context.Context, actor realtime.Participant, room string) error
}

// WebSocketConfig 連接參數
type WebSocketConfig struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
	ReadLimit    int64
}

func (c *WebSocketConfig) applyDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 * 1024
	}
}

// WebSocketController 客戶、師傅與客服的即時連線
type WebSocketController struct {
	logger     zerolog.Logger
	hub        *service.RoomHub
	realtime   *service.RealtimeService
	authorizer RoomAuthorizer
	issuer     *auth.TokenIssuer
	config     WebSocketConfig
	upgrader   websocket.Upgrader
}

func NewWebSocketController(
	logger zerolog.Logger,
	hub *service.RoomHub,
	realtimeService *service.RealtimeService,
	authorizer RoomAuthorizer,
	issuer *auth.TokenIssuer,
	config WebSocketConfig,
) *WebSocketController {
	config.applyDefaults()
	return &WebSocketController{
		logger:     logger.With().Str("module", "websocket_controller").Logger(),
		hub:        hub,
		realtime:   realtimeService,
		authorizer: authorizer,
		issuer:     issuer,
		config:     config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // 允許跨域
			},
		},
	}
}

// tokenFromRequest Authorization 標頭優先，瀏覽器無法設定標頭時使用 ?token=
func tokenFromRequest(r *http.Request) string {
	if token, ok := middleware.BearerToken(r.Header.Get("Authorization")); ok {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func (wsc *WebSocketController) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := tokenFromRequest(r)
	if token == "" {
		wsc.logger.Debug().Str("remote", r.RemoteAddr).Msg("缺少token")
		http.Error(w, "缺少token", http.StatusUnauthorized)
		return
	}
	claims, err := wsc.issuer.Validate(token, auth.TokenTypeAccess)
	if err != nil {
		wsc.logger.Info().Err(err).Str("remote", r.RemoteAddr).Msg("token驗證失敗")
		http.Error(w, "token驗證失敗", http.StatusUnauthorized)
		return
	}
	participant := claims.Participant()

	wsConn, err := wsc.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wsc.logger.Error().Err(err).Msg("WebSocket升級失敗")
		return
	}

	conn := websocketModels.NewConnection(uuid.NewString(), participant, wsConn, wsc.config.SendBuffer)
	wsc.register(conn)

	go wsc.handleSender(conn)
	go wsc.handleReader(conn)

	<-conn.CloseChannel
	wsc.unregister(conn)
}

func (wsc *WebSocketController) register(conn *websocketModels.Connection) {
	ctx := context.Background()
	wsc.hub.Register(conn)
	wsc.realtime.MarkOnline(ctx, conn.Participant)

	if room := realtime.PersonalRoom(conn.Participant); room != "" {
		wsc.hub.Join(conn, room)
		wsc.send(conn, realtime.EventRoomJoined, realtime.RoomRequest{RoomID: room})
	}
	wsc.logger.Info().
		Str("conn_id", conn.ID).
		Str("participant", conn.Participant.Key()).
		Msg("WebSocket 已連線")
}

func (wsc *WebSocketController) unregister(conn *websocketModels.Connection) {
	// 同一參與者可能有多條連接（多裝置），最後一條關閉才算離線
	if last := wsc.hub.Unregister(conn); last {
		wsc.realtime.MarkOffline(context.Background(), conn.Participant)
	}
	wsc.logger.Info().
		Str("conn_id", conn.ID).
		Str("participant", conn.Participant.Key()).
		Dur("connected_for", time.Since(conn.ConnectedAt)).
		Msg("WebSocket 已斷線")
}

// handleReader 讀取客戶端訊框，同一連接的訊框依序處理
func (wsc *WebSocketController) handleReader(conn *websocketModels.Connection) {
	defer func() {
		if r := recover(); r != nil {
			wsc.logger.Error().Interface("panic", r).Str("conn_id", conn.ID).Msg("handleReader 發生 panic")
		}
		conn.Close()
	}()

	conn.Conn.SetReadLimit(wsc.config.ReadLimit)
	conn.Conn.SetReadDeadline(time.Now().Add(wsc.config.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.Conn.SetReadDeadline(time.Now().Add(wsc.config.ReadTimeout))
		conn.Touch()
		wsc.realtime.MarkOnline(context.Background(), conn.Participant)
		return nil
	})

	for {
		_, data, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				wsc.logger.Warn().Err(err).Str("conn_id", conn.ID).Msg("WebSocket 讀取錯誤")
			}
			return
		}
		conn.Conn.SetReadDeadline(time.Now().Add(wsc.config.ReadTimeout))
		conn.Touch()

		var frame realtime.Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
			wsc.sendError(conn, wsErrBadRequest, "無法解析訊息", "")
			continue
		}
		middleware.RecordWebSocketFrame("in", frame.Type)
		wsc.handleFrame(conn, frame)
	}
}

// handleSender 寫出訊息與定時 ping
func (wsc *WebSocketController) handleSender(conn *websocketModels.Connection) {
	pingTicker := time.NewTicker(wsc.config.PingInterval)
	defer func() {
		pingTicker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message := <-conn.SendChannel:
			conn.Conn.SetWriteDeadline(time.Now().Add(wsc.config.WriteTimeout))
			if err := conn.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				wsc.logger.Warn().Err(err).Str("conn_id", conn.ID).Msg("發送訊息失敗")
				return
			}
		case <-pingTicker.C:
			conn.Conn.SetWriteDeadline(time.Now().Add(wsc.config.WriteTimeout))
			if err := conn.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				wsc.logger.Debug().Err(err).Str("conn_id", conn.ID).Msg("發送 ping 失敗")
				return
			}
		case <-conn.CloseChannel:
			return
		}
	}
}

func (wsc *WebSocketController) handleFrame(conn *websocketModels.Connection, frame realtime.Frame) {
	ctx := context.Background()

	switch frame.Type {
	case realtime.EventPing:
		wsc.send(conn, realtime.EventPong, nil)

	case realtime.EventJoinRoom:
		var req realtime.RoomRequest
		if err := frame.Decode(&req); err != nil || req.RoomID == "" {
			wsc.sendError(conn, wsErrBadRequest, "缺少 roomId", "")
			return
		}
		if err := wsc.authorizer.AuthorizeRoom(ctx, conn.Participant, req.RoomID); err != nil {
			code, msg := wsErrInternal, "加入房間失敗"
			if errors.Is(err, service.ErrRoomForbidden) {
				code, msg = wsErrForbidden, "無權加入此房間"
			} else {
				wsc.logger.Error().Err(err).Str("room", req.RoomID).Msg("檢查房間權限失敗")
			}
			wsc.sendError(conn, code, msg, req.RoomID)
			return
		}
		wsc.hub.Join(conn, req.RoomID)
		wsc.send(conn, realtime.EventRoomJoined, req)
		wsc.logger.Debug().Str("conn_id", conn.ID).Str("room", req.RoomID).Msg("加入房間")

	case realtime.EventLeaveRoom:
		var req realtime.RoomRequest
		if err := frame.Decode(&req); err != nil || req.RoomID == "" {
			wsc.sendError(conn, wsErrBadRequest, "缺少 roomId", "")
			return
		}
		wsc.hub.Leave(conn, req.RoomID)

	case realtime.EventTyping:
		var req realtime.TypingRequest
		if err := frame.Decode(&req); err != nil || req.RoomID == "" {
			wsc.sendError(conn, wsErrBadRequest, "缺少 roomId", "")
			return
		}
		if !wsc.hub.InRoom(conn, req.RoomID) {
			wsc.sendError(conn, wsErrNotInRoom, "尚未加入此房間", req.RoomID)
			return
		}
		status := realtime.TypingStatus{
			RoomID:   req.RoomID,
			UserID:   conn.Participant.ID,
			Role:     conn.Participant.Role,
			IsTyping: req.IsTyping,
		}
		// 不回送給發送者本身的連接
		if err := wsc.realtime.EmitExcept(ctx, req.RoomID, realtime.EventTypingStatus, status, conn.ID); err != nil {
			wsc.logger.Warn().Err(err).Str("room", req.RoomID).Msg("轉發輸入狀態失敗")
		}

	default:
		wsc.logger.Debug().
			Str("conn_id", conn.ID).
			Str("participant", conn.Participant.Key()).
			Str("event", frame.Type).
			Msg("未知的 WebSocket 事件")
		wsc.sendError(conn, wsErrUnknownEvent, "未知的事件: "+frame.Type, "")
	}
}

func (wsc *WebSocketController) send(conn *websocketModels.Connection, event string, payload any) {
	frame, err := realtime.NewFrame(event, payload)
	if err != nil {
		wsc.logger.Error().Err(err).Str("event", event).Msg("序列化回應失敗")
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		wsc.logger.Error().Err(err).Str("event", event).Msg("序列化回應失敗")
		return
	}
	if !conn.Send(data) {
		wsc.logger.Warn().Str("conn_id", conn.ID).Str("event", event).Msg("發送回應失敗：發送頻道已滿")
		return
	}
	middleware.RecordWebSocketFrame("out", event)
}

func (wsc *WebSocketController) sendError(conn *websocketModels.Connection, code, message, room string) {
	wsc.send(conn, realtime.EventError, realtime.ErrorEvent{Code: code, Message: message, RoomID: room})
}

// Run 定期關閉超過讀取逾時仍無活動的連接，直到 ctx 結束
func (wsc *WebSocketController) Run(ctx context.Context) {
	ticker := time.NewTicker(wsc.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, conn := range wsc.hub.Connections() {
				conn.Close()
			}
			return
		case <-ticker.C:
			for _, conn := range wsc.hub.Connections() {
				if time.Since(conn.LastSeen()) > wsc.config.ReadTimeout {
					wsc.logger.Info().Str("conn_id", conn.ID).Str("participant", conn.Participant.Key()).Msg("連線超時，關閉連線")
					conn.Close()
				}
			}
		}
	}
}

func (wsc *WebSocketController) GetWebSocketHandler() http.HandlerFunc {
	return wsc.handleWebSocket
}

func (wsc *WebSocketController) GetStats() *websocketModels.ConnectionStats {
	return wsc.hub.Stats()
}
