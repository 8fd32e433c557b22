package router

import "sync"

// Scope 將同一畫面或同一工作階段的訂閱綁在一起，一次全部解除
type Scope struct {
	router *Router

	mu     sync.Mutex
	subs   []*Subscription
	closed bool
}

// NewScope 建立訂閱範圍
func (r *Router) NewScope() *Scope {
	return &Scope{router: r}
}

// On 在範圍內註冊處理器，範圍已關閉時不註冊並回傳 nil
func (s *Scope) On(event string, h Handler) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	sub := s.router.On(event, h)
	s.subs = append(s.subs, sub)
	return sub
}

// Track 將既有的訂閱納入範圍
func (s *Scope) Track(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		sub.Close()
		return
	}
	s.subs = append(s.subs, sub)
}

// Router 範圍所屬的分派器
func (s *Scope) Router() *Router { return s.router }

// Close 解除範圍內全部訂閱
func (s *Scope) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.closed = true
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}
