package service

import (
	"sync"

	"homeservice-realtime/data-models/realtime"
	websocketModels "homeservice-realtime/data-models/websocket"

	"github.com/rs/zerolog"
)

// RoomHub 管理本機的連接與房間成員
type RoomHub struct {
	logger zerolog.Logger

	mu           sync.RWMutex
	rooms        map[string]map[*websocketModels.Connection]struct{}
	memberships  map[*websocketModels.Connection]map[string]struct{}
	participants map[string]int
}

func NewRoomHub(logger zerolog.Logger) *RoomHub {
	return &RoomHub{
		logger:       logger.With().Str("module", "room_hub").Logger(),
		rooms:        make(map[string]map[*websocketModels.Connection]struct{}),
		memberships:  make(map[*websocketModels.Connection]map[string]struct{}),
		participants: make(map[string]int),
	}
}

// Register 註冊連接，回傳此參與者是否為第一條連接
func (h *RoomHub) Register(conn *websocketModels.Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.memberships[conn]; exists {
		return false
	}
	h.memberships[conn] = make(map[string]struct{})
	key := conn.Participant.Key()
	h.participants[key]++
	return h.participants[key] == 1
}

// Unregister 移除連接與其所有房間，回傳此參與者是否已無任何連接
func (h *RoomHub) Unregister(conn *websocketModels.Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	rooms, exists := h.memberships[conn]
	if !exists {
		return false
	}
	for room := range rooms {
		h.removeLocked(room, conn)
	}
	delete(h.memberships, conn)

	key := conn.Participant.Key()
	h.participants[key]--
	if h.participants[key] <= 0 {
		delete(h.participants, key)
		return true
	}
	return false
}

// Join 加入房間，回傳是否為新加入
func (h *RoomHub) Join(conn *websocketModels.Connection, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	rooms, exists := h.memberships[conn]
	if !exists {
		return false
	}
	if _, joined := rooms[room]; joined {
		return false
	}
	rooms[room] = struct{}{}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*websocketModels.Connection]struct{})
		h.rooms[room] = members
	}
	members[conn] = struct{}{}
	return true
}

// Leave 離開房間
func (h *RoomHub) Leave(conn *websocketModels.Connection, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	rooms, exists := h.memberships[conn]
	if !exists {
		return false
	}
	if _, joined := rooms[room]; !joined {
		return false
	}
	delete(rooms, room)
	h.removeLocked(room, conn)
	return true
}

func (h *RoomHub) removeLocked(room string, conn *websocketModels.Connection) {
	members := h.rooms[room]
	delete(members, conn)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// InRoom 連接是否在房間內
func (h *RoomHub) InRoom(conn *websocketModels.Connection, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.memberships[conn][room]
	return ok
}

// HasParticipant 本機是否有此參與者的連接
func (h *RoomHub) HasParticipant(p realtime.Participant) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.participants[p.Key()] > 0
}

// Deliver 送給房間內所有連接，exceptConnID 不為空時略過該連接，回傳成功送出的數量
func (h *RoomHub) Deliver(room string, data []byte, exceptConnID string) int {
	h.mu.RLock()
	members := make([]*websocketModels.Connection, 0, len(h.rooms[room]))
	for conn := range h.rooms[room] {
		if conn.ID != exceptConnID {
			members = append(members, conn)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, conn := range members {
		if conn.Send(data) {
			delivered++
			continue
		}
		h.logger.Warn().
			Str("conn_id", conn.ID).
			Str("participant", conn.Participant.Key()).
			Str("room", room).
			Msg("發送失敗：連接的發送頻道已滿")
	}
	return delivered
}

// Connections 目前所有連接
func (h *RoomHub) Connections() []*websocketModels.Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*websocketModels.Connection, 0, len(h.memberships))
	for conn := range h.memberships {
		out = append(out, conn)
	}
	return out
}

// Stats 連接統計
func (h *RoomHub) Stats() *websocketModels.ConnectionStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	byRole := make(map[string]int)
	for conn := range h.memberships {
		byRole[string(conn.Participant.Role)]++
	}
	return &websocketModels.ConnectionStats{
		TotalConnections:  len(h.memberships),
		Participants:      len(h.participants),
		Rooms:             len(h.rooms),
		ConnectionsByRole: byRole,
	}
}
