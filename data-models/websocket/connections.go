package websocket

import (
	"sync"
	"time"

	"homeservice-realtime/data-models/realtime"

	"github.com/gorilla/websocket"
)

// ConnectionStatus 連接狀態
type ConnectionStatus string

const (
	ConnectionStatusConnected ConnectionStatus = "connected"
	ConnectionStatusClosing   ConnectionStatus = "closing"
)

// Connection 單一 websocket 連接
type Connection struct {
	ID           string
	Participant  realtime.Participant
	Conn         *websocket.Conn
	SendChannel  chan []byte
	CloseChannel chan struct{}
	CloseOnce    sync.Once
	ConnectedAt  time.Time

	mu       sync.Mutex
	lastSeen time.Time
	status   ConnectionStatus
}

// NewConnection 建立連接，buffer 為發送頻道大小
func NewConnection(id string, p realtime.Participant, conn *websocket.Conn, buffer int) *Connection {
	now := time.Now()
	return &Connection{
		ID:           id,
		Participant:  p,
		Conn:         conn,
		SendChannel:  make(chan []byte, buffer),
		CloseChannel: make(chan struct{}),
		ConnectedAt:  now,
		lastSeen:     now,
		status:       ConnectionStatusConnected,
	}
}

// Send 非阻塞送出，頻道已滿或已關閉時回傳 false
func (c *Connection) Send(data []byte) bool {
	select {
	case <-c.CloseChannel:
		return false
	default:
	}
	select {
	case c.SendChannel <- data:
		return true
	default:
		return false
	}
}

// Close 關閉連接，可重複呼叫
func (c *Connection) Close() {
	c.CloseOnce.Do(func() {
		c.mu.Lock()
		c.status = ConnectionStatusClosing
		c.mu.Unlock()
		close(c.CloseChannel)
		if c.Conn != nil {
			c.Conn.Close()
		}
	})
}

// Touch 更新最後活動時間
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// LastSeen 最後活動時間
func (c *Connection) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Status 目前狀態
func (c *Connection) Status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ConnectionStats 連接統計
type ConnectionStats struct {
	TotalConnections  int            `json:"totalConnections"`
	Participants      int            `json:"participants"`
	Rooms             int            `json:"rooms"`
	ConnectionsByRole map[string]int `json:"connectionsByRole"`
}
