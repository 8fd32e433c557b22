package interfaces

import (
	"context"

	"homeservice-realtime/data-models/push"
	"homeservice-realtime/data-models/realtime"
)

// PresenceChecker 判斷參與者是否有存活的 websocket 連接
type PresenceChecker interface {
	IsOnline(ctx context.Context, p realtime.Participant) bool
}

// PushEnqueuer 排入推播任務
type PushEnqueuer interface {
	Enqueue(ctx context.Context, task push.Task) error
}
