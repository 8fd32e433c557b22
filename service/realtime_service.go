package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"homeservice-realtime/data-models/realtime"
	"homeservice-realtime/infra"
	"homeservice-realtime/metrics"
	"homeservice-realtime/service/interfaces"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RealtimeService 房間事件發送與在線狀態
//
// 有 Redis 時事件經由 realtime:rooms 頻道送到所有實例，由各實例的 room relay 投遞；
// 沒有 Redis 時直接投遞給本機連接。
type RealtimeService struct {
	logger       zerolog.Logger
	hub          *RoomHub
	eventManager *infra.RedisEventManager
	instanceID   string
	presenceTTL  time.Duration
}

func NewRealtimeService(logger zerolog.Logger, hub *RoomHub, eventManager *infra.RedisEventManager, presenceTTL time.Duration) *RealtimeService {
	return &RealtimeService{
		logger:       logger.With().Str("module", "realtime_service").Logger(),
		hub:          hub,
		eventManager: eventManager,
		instanceID:   uuid.NewString(),
		presenceTTL:  presenceTTL,
	}
}

// InstanceID 本實例識別碼
func (s *RealtimeService) InstanceID() string {
	return s.instanceID
}

// Emit 送出事件給房間
func (s *RealtimeService) Emit(ctx context.Context, room, event string, payload any) error {
	return s.EmitExcept(ctx, room, event, payload, "")
}

// EmitExcept 送出事件給房間，略過指定連接
func (s *RealtimeService) EmitExcept(ctx context.Context, room, event string, payload any, exceptConnID string) error {
	frame, err := realtime.NewFrame(event, payload)
	if err != nil {
		return err
	}
	metrics.RecordRealtimeEvent(event)

	if s.eventManager == nil {
		s.deliver(room, frame, exceptConnID)
		return nil
	}

	env := &infra.RoomEnvelope{
		Room:   room,
		Event:  event,
		Data:   frame.Data,
		Except: exceptConnID,
		Origin: s.instanceID,
	}
	if err := s.eventManager.PublishRoomEvent(ctx, env); err != nil {
		// Redis 暫時不可用時至少送給本機連接
		s.logger.Warn().Err(err).Str("room", room).Str("event", event).Msg("房間事件發布失敗，改為本機投遞")
		s.deliver(room, frame, exceptConnID)
		return fmt.Errorf("發布房間事件失敗: %w", err)
	}
	return nil
}

// HandleEnvelope 投遞從 Redis 收到的房間事件
func (s *RealtimeService) HandleEnvelope(env *infra.RoomEnvelope) int {
	return s.deliver(env.Room, realtime.Frame{Type: env.Event, Data: env.Data}, env.Except)
}

func (s *RealtimeService) deliver(room string, frame realtime.Frame, exceptConnID string) int {
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error().Err(err).Str("event", frame.Type).Msg("序列化房間事件失敗")
		return 0
	}
	n := s.hub.Deliver(room, data, exceptConnID)
	s.logger.Debug().Str("room", room).Str("event", frame.Type).Int("delivered", n).Msg("房間事件已投遞")
	return n
}

// MarkOnline 更新在線狀態
func (s *RealtimeService) MarkOnline(ctx context.Context, p realtime.Participant) {
	if s.eventManager == nil {
		return
	}
	if err := s.eventManager.TouchPresence(ctx, p.Key()); err != nil {
		s.logger.Warn().Err(err).Str("participant", p.Key()).Msg("更新在線狀態失敗")
	}
}

// MarkOffline 參與者所有連接都已關閉
func (s *RealtimeService) MarkOffline(ctx context.Context, p realtime.Participant) {
	if s.eventManager == nil {
		return
	}
	if err := s.eventManager.RemovePresence(ctx, p.Key()); err != nil {
		s.logger.Warn().Err(err).Str("participant", p.Key()).Msg("移除在線狀態失敗")
	}
}

// IsOnline 參與者是否有任何存活的連接
func (s *RealtimeService) IsOnline(ctx context.Context, p realtime.Participant) bool {
	if s.hub.HasParticipant(p) {
		return true
	}
	if s.eventManager == nil {
		return false
	}
	online, err := s.eventManager.IsOnline(ctx, p.Key(), s.presenceTTL)
	if err != nil {
		s.logger.Warn().Err(err).Str("participant", p.Key()).Msg("查詢在線狀態失敗，視為離線")
		return false
	}
	return online
}

var _ interfaces.Emitter = (*RealtimeService)(nil)
