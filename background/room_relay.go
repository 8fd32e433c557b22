package background

import (
	"context"

	"homeservice-realtime/infra"

	"github.com/rs/zerolog"
)

// EnvelopeHandler 投遞房間事件給本機連接
type EnvelopeHandler interface {
	HandleEnvelope(env *infra.RoomEnvelope) int
}

// RoomRelay 將 Redis 上的房間事件轉給本機的連接
type RoomRelay struct {
	logger       zerolog.Logger
	eventManager *infra.RedisEventManager
	handler      EnvelopeHandler
}

func NewRoomRelay(logger zerolog.Logger, eventManager *infra.RedisEventManager, handler EnvelopeHandler) *RoomRelay {
	return &RoomRelay{
		logger:       logger.With().Str("module", "room_relay").Logger(),
		eventManager: eventManager,
		handler:      handler,
	}
}

// Start 訂閱房間事件直到 ctx 結束；ready 在訂閱生效後關閉，可為 nil
func (r *RoomRelay) Start(ctx context.Context, ready chan<- struct{}) error {
	pubsub := r.eventManager.SubscribeRoomEvents(ctx)
	defer pubsub.Close()

	// 等待訂閱確認，避免啟動期間的事件遺失
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}
	r.logger.Info().Str("channel", infra.RoomEventsChannel).Msg("房間事件轉送已啟動")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			env, err := infra.ParseRoomEnvelope(msg.Payload)
			if err != nil || env.Room == "" {
				r.logger.Warn().Err(err).Str("payload", msg.Payload).Msg("無法解析房間事件")
				continue
			}
			n := r.handler.HandleEnvelope(env)
			r.logger.Debug().Str("room", env.Room).Str("event", env.Event).Str("origin", env.Origin).Int("delivered", n).Msg("房間事件已轉送")
		}
	}
}
