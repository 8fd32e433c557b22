// Package router 將 websocket 收到的事件分派給已註冊的處理器。
package router

import (
	"sync"

	"homeservice-realtime/data-models/realtime"

	"github.com/rs/zerolog"
)

// Handler 處理單一事件
type Handler func(frame realtime.Frame)

type entry struct {
	id      uint64
	handler Handler
}

// Router 事件分派器，同一事件可有多個處理器，依註冊順序執行
type Router struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]entry
}

// New 建立事件分派器
func New(logger zerolog.Logger) *Router {
	return &Router{
		logger:   logger.With().Str("module", "event_router").Logger(),
		handlers: make(map[string][]entry),
	}
}

// On 註冊處理器，回傳的 Subscription 必須在不再需要時 Close
func (r *Router) On(event string, h Handler) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.handlers[event] = append(r.handlers[event], entry{id: id, handler: h})
	return &Subscription{router: r, event: event, id: id}
}

// RemoveListener 移除某事件的全部處理器
func (r *Router) RemoveListener(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, event)
}

// RemoveAllListeners 移除全部處理器，登出時呼叫
func (r *Router) RemoveAllListeners() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = make(map[string][]entry)
}

// ListenerCount 某事件目前的處理器數量
func (r *Router) ListenerCount(event string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[event])
}

// Dispatch 同步執行事件的處理器，呼叫端需依到達順序呼叫
func (r *Router) Dispatch(frame realtime.Frame) {
	r.mu.RLock()
	list := r.handlers[frame.Type]
	handlers := make([]Handler, len(list))
	for i, e := range list {
		handlers[i] = e.handler
	}
	r.mu.RUnlock()

	if len(handlers) == 0 {
		r.logger.Debug().Str("event", frame.Type).Msg("沒有處理器，忽略事件")
		return
	}
	for _, h := range handlers {
		r.invoke(frame, h)
	}
}

func (r *Router) invoke(frame realtime.Frame, h Handler) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Str("event", frame.Type).Interface("panic", rec).Msg("事件處理器發生 panic")
		}
	}()
	h(frame)
}

func (r *Router) remove(event string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.handlers[event]
	for i, e := range list {
		if e.id == id {
			r.handlers[event] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(r.handlers[event]) == 0 {
		delete(r.handlers, event)
	}
}

// Subscription 單一註冊，Close 可重複呼叫
type Subscription struct {
	router *Router
	event  string
	id     uint64
	once   sync.Once
}

// Event 訂閱的事件名稱
func (s *Subscription) Event() string { return s.event }

// Close 解除註冊
func (s *Subscription) Close() {
	s.once.Do(func() { s.router.remove(s.event, s.id) })
}

// Handle 註冊帶型別的處理器，解碼失敗時記錄並略過
func Handle[T any](r *Router, event string, fn func(T)) *Subscription {
	return r.On(event, func(frame realtime.Frame) {
		var payload T
		if err := frame.Decode(&payload); err != nil {
			r.logger.Warn().Err(err).Str("event", event).Msg("事件內容解碼失敗")
			return
		}
		fn(payload)
	})
}
