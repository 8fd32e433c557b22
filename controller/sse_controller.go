package controller

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"homeservice-realtime/auth"
	"homeservice-realtime/data-models/realtime"
	websocketModels "homeservice-realtime/data-models/websocket"
	"homeservice-realtime/service"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SSEController 以 SSE 將後台廣播房間的事件推給客服後台
//
// 每個 SSE 客戶端在 RoomHub 上註冊為一條沒有 websocket 的連接，
// 因此與 websocket 共用房間投遞與跨實例轉送。
type SSEController struct {
	logger    zerolog.Logger
	hub       *service.RoomHub
	issuer    *auth.TokenIssuer
	heartbeat time.Duration
	buffer    int
}

func NewSSEController(logger zerolog.Logger, hub *service.RoomHub, issuer *auth.TokenIssuer, heartbeat time.Duration) *SSEController {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &SSEController{
		logger:    logger.With().Str("module", "sse_controller").Logger(),
		hub:       hub,
		issuer:    issuer,
		heartbeat: heartbeat,
		buffer:    100,
	}
}

// handleSSE 處理 SSE 連接，EventSource 無法設定標頭，token 可放在 ?token=
func (sse *SSEController) handleSSE(w http.ResponseWriter, r *http.Request) {
	claims, err := sse.issuer.Validate(tokenFromRequest(r), auth.TokenTypeAccess)
	if err != nil {
		http.Error(w, "token驗證失敗", http.StatusUnauthorized)
		return
	}
	participant := claims.Participant()
	if participant.Role != realtime.RoleSupport {
		http.Error(w, "僅限客服人員", http.StatusForbidden)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		sse.logger.Error().Msg("Streaming unsupported")
		http.Error(w, "Streaming unsupported!", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	conn := websocketModels.NewConnection(uuid.NewString(), participant, nil, sse.buffer)
	sse.hub.Register(conn)
	sse.hub.Join(conn, realtime.DashboardRoom)
	defer func() {
		sse.hub.Unregister(conn)
		conn.Close()
		sse.logger.Debug().Str("client_id", conn.ID).Msg("SSE 客戶端已斷開連接")
	}()

	if !sse.write(w, flusher, realtime.EventRoomJoined, mustRaw(realtime.RoomRequest{RoomID: realtime.DashboardRoom})) {
		return
	}
	sse.logger.Debug().Str("client_id", conn.ID).Str("participant", participant.Key()).Msg("SSE 客戶端已連接")

	ticker := time.NewTicker(sse.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case data := <-conn.SendChannel:
			var frame realtime.Frame
			if err := json.Unmarshal(data, &frame); err != nil {
				sse.logger.Error().Err(err).Msg("解析房間事件失敗")
				continue
			}
			if !sse.write(w, flusher, frame.Type, frame.Data) {
				return
			}
			conn.Touch()
		case <-ticker.C:
			// 註解行保持連線，並避免被閒置連接清理關閉
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
			conn.Touch()
		case <-conn.CloseChannel:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// write 發送一則 SSE 事件
func (sse *SSEController) write(w http.ResponseWriter, flusher http.Flusher, event string, data json.RawMessage) bool {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		sse.logger.Debug().Err(err).Str("event", event).Msg("發送 SSE 事件失敗")
		return false
	}
	flusher.Flush()
	return true
}

func mustRaw(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

// GetSSEHandler 返回 SSE 處理函數，用於在 Chi 路由器上註冊
func (sse *SSEController) GetSSEHandler() http.HandlerFunc {
	return sse.handleSSE
}
