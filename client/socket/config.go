package socket

import "time"

// Config 連線設定
type Config struct {
	// URL websocket 位址，例如 wss://api.example.com/ws
	URL string
	// HandshakeTimeout 單次連線握手的逾時
	HandshakeTimeout time.Duration
	// ReconnectInterval 重連的固定間隔
	ReconnectInterval time.Duration
	// ReconnectJitter 重連間隔的隨機比例 (0~1)
	ReconnectJitter float64
	// MaxAttempts 每次斷線後最多嘗試幾次
	MaxAttempts uint
	// ReadTimeout 超過此時間沒有收到任何資料 (含 ping) 視為斷線
	ReadTimeout time.Duration
	// WriteTimeout 單次寫入逾時
	WriteTimeout time.Duration
	// ReadLimit 單一訊框大小上限
	ReadLimit int64
}

// DefaultConfig 預設連線設定
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		HandshakeTimeout:  10 * time.Second,
		ReconnectInterval: 2 * time.Second,
		ReconnectJitter:   0.5,
		MaxAttempts:       10,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadLimit:         1 << 20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.URL)
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = d.ReconnectInterval
	}
	if c.ReconnectJitter < 0 || c.ReconnectJitter > 1 {
		c.ReconnectJitter = d.ReconnectJitter
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = d.ReadLimit
	}
	return c
}
