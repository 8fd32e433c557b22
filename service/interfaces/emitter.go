package interfaces

import "context"

// Emitter 將事件送到房間內所有連線
type Emitter interface {
	Emit(ctx context.Context, room, event string, payload any) error
}
