package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pushModels "homeservice-realtime/data-models/push"
	"homeservice-realtime/data-models/realtime"
	"homeservice-realtime/infra"
	"homeservice-realtime/metrics"
	"homeservice-realtime/model"
	"homeservice-realtime/service/interfaces"
	"homeservice-realtime/utils"

	"github.com/rs/zerolog"
)

// ErrNoCandidates 沒有可推送的師傅
var ErrNoCandidates = errors.New("no candidate workers")

// maxEmbeddedBooking 推播可內嵌的訂單 JSON 上限，超過只帶 ID
const maxEmbeddedBooking = 2048

// DispatchService 推送訂單、接單、拒單與撤回
type DispatchService struct {
	logger       zerolog.Logger
	store        BookingStore
	emitter      interfaces.Emitter
	eventManager *infra.RedisEventManager
	presence     interfaces.PresenceChecker
	pusher       interfaces.PushEnqueuer

	acceptLockTTL time.Duration
	offerTTL      time.Duration
	now           func() time.Time
}

func NewDispatchService(
	logger zerolog.Logger,
	store BookingStore,
	emitter interfaces.Emitter,
	eventManager *infra.RedisEventManager,
	presence interfaces.PresenceChecker,
	pusher interfaces.PushEnqueuer,
	acceptLockTTL, offerTTL time.Duration,
) *DispatchService {
	return &DispatchService{
		logger:        logger.With().Str("module", "dispatch_service").Logger(),
		store:         store,
		emitter:       emitter,
		eventManager:  eventManager,
		presence:      presence,
		pusher:        pusher,
		acceptLockTTL: acceptLockTTL,
		offerTTL:      offerTTL,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// GetBooking 取得訂單
func (s *DispatchService) GetBooking(ctx context.Context, bookingID string) (*model.Booking, error) {
	return s.store.Get(ctx, bookingID)
}

// OfferBooking 將訂單推送給候選師傅，已拒絕過的師傅會被略過
func (s *DispatchService) OfferBooking(ctx context.Context, bookingID string, workerIDs []string, source metrics.OperationSource) (booking *model.Booking, err error) {
	ctx, span := infra.StartDispatchSpan(ctx, "offer", bookingID, infra.AttrInt("dispatch.candidates", len(workerIDs)))
	defer span.End()
	start := time.Now()
	defer func() {
		metrics.RecordDispatchOperation(metrics.OperationOffer, dispatchStatus(err), source, time.Since(start))
	}()

	current, err := s.store.Get(ctx, bookingID)
	if err != nil {
		infra.RecordOperationError(span, err, "查詢訂單失敗")
		return nil, err
	}
	if !current.Status.Dispatchable() {
		infra.RecordOperationError(span, ErrBookingClosed, "訂單不可派送")
		return nil, classifyMiss(current, "")
	}

	rejected := make(map[string]struct{}, len(current.RejectedBy))
	for _, id := range current.RejectedBy {
		rejected[id] = struct{}{}
	}
	candidates := make([]string, 0, len(workerIDs))
	seen := make(map[string]struct{}, len(workerIDs))
	for _, id := range workerIDs {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, no := rejected[id]; no {
			continue
		}
		candidates = append(candidates, id)
	}
	if len(candidates) == 0 {
		infra.RecordOperationError(span, ErrNoCandidates, "沒有可推送的師傅")
		return nil, ErrNoCandidates
	}

	booking, err = s.store.MarkOffered(ctx, bookingID, candidates)
	if err != nil {
		infra.RecordOperationError(span, err, "記錄推送對象失敗")
		return nil, err
	}
	if s.eventManager != nil {
		if err := s.eventManager.AddOffers(ctx, bookingID, candidates, s.offerTTL); err != nil {
			s.logger.Warn().Err(err).Str("booking_id", bookingID).Msg("Redis 推送名單更新失敗")
		}
	}

	payload := booking.Payload()
	pushPayload := bookingPushPayload(payload, s.now())
	for _, workerID := range candidates {
		if err := s.emitter.Emit(ctx, realtime.WorkerRoom(workerID), realtime.EventNewBooking, payload); err != nil {
			s.logger.Warn().Err(err).Str("booking_id", bookingID).Str("worker_id", workerID).Msg("推送 new_booking 失敗")
		}
		worker := realtime.Participant{Role: realtime.RoleWorker, ID: workerID}
		if s.presence != nil && s.presence.IsOnline(ctx, worker) {
			continue
		}
		s.enqueuePush(ctx, pushModels.Task{
			Recipient: worker,
			Title:     "新的訂單",
			Body:      utils.JoinNonEmpty(" · ", payload.Service.Name, utils.FormatTaipeiTime(payload.ScheduledAt), payload.Address),
			Payload:   pushPayload,
		})
	}

	infra.RecordOperationSuccess(span, infra.AttrInt("dispatch.offered", len(candidates)))
	s.logger.Info().
		Str("booking_id", bookingID).
		Strs("worker_ids", candidates).
		Msg("訂單已推送給師傅")
	return booking, nil
}

// AcceptBooking 師傅接單，同時間只會有一位成功
func (s *DispatchService) AcceptBooking(ctx context.Context, bookingID string, worker realtime.Participant) (booking *model.Booking, err error) {
	ctx, span := infra.StartDispatchSpan(ctx, "accept", bookingID, infra.AttrWorkerID(worker.ID))
	defer span.End()
	start := time.Now()
	defer func() {
		metrics.RecordDispatchOperation(metrics.OperationAccept, dispatchStatus(err), metrics.SourceAPI, time.Since(start))
	}()

	if worker.Role != realtime.RoleWorker {
		return nil, ErrNotOffered
	}

	if s.eventManager != nil {
		ok, release, lockErr := s.eventManager.AcquireAcceptLock(ctx, bookingID, worker.ID, s.acceptLockTTL)
		switch {
		case lockErr != nil:
			// Redis 不可用時仍由 Mongo 的條件更新保證唯一
			s.logger.Warn().Err(lockErr).Str("booking_id", bookingID).Msg("接單鎖不可用，直接嘗試更新")
		case !ok:
			infra.RecordOperationError(span, ErrBookingTaken, "接單鎖被其他師傅持有")
			return nil, ErrBookingTaken
		default:
			defer release()
		}
	}

	booking, err = s.store.Claim(ctx, bookingID, worker.ID, s.now())
	if err != nil {
		infra.RecordOperationError(span, err, "接單失敗")
		s.logger.Info().Err(err).Str("booking_id", bookingID).Str("worker_id", worker.ID).Msg("接單未成功")
		return nil, err
	}

	others := s.offerTargets(ctx, booking)
	removed := realtime.BookingRemoved{BookingID: bookingID, Reason: realtime.RemovedReasonTaken}
	for _, workerID := range others {
		if workerID == worker.ID {
			continue
		}
		if err := s.emitter.Emit(ctx, realtime.WorkerRoom(workerID), realtime.EventBookingRemoved, removed); err != nil {
			s.logger.Warn().Err(err).Str("booking_id", bookingID).Str("worker_id", workerID).Msg("推送 booking_removed 失敗")
		}
	}

	customer := realtime.Participant{Role: realtime.RoleCustomer, ID: booking.Customer.ID}
	notice := realtime.Notification{
		Title:   "師傅已接單",
		Message: fmt.Sprintf("您的 %s 訂單已有師傅接單", booking.Service.Name),
		Data:    map[string]string{"bookingId": bookingID, "workerId": worker.ID},
	}
	if err := s.emitter.Emit(ctx, realtime.CustomerRoom(customer.ID), realtime.EventNewNotification, notice); err != nil {
		s.logger.Warn().Err(err).Str("booking_id", bookingID).Msg("通知客戶失敗")
	}
	if s.presence == nil || !s.presence.IsOnline(ctx, customer) {
		s.enqueuePush(ctx, pushModels.Task{
			Recipient: customer,
			Title:     notice.Title,
			Body:      notice.Message,
			Payload: pushModels.Payload{
				Kind:      pushModels.KindNotice,
				BookingID: bookingID,
				Title:     notice.Title,
				Message:   notice.Message,
			},
		})
	}

	infra.RecordOperationSuccess(span)
	s.logger.Info().Str("booking_id", bookingID).Str("worker_id", worker.ID).Msg("師傅接單成功")
	return booking, nil
}

// RejectBooking 師傅拒單，回傳剩餘等待回應的師傅數
func (s *DispatchService) RejectBooking(ctx context.Context, bookingID string, worker realtime.Participant, reason string) (remaining int, err error) {
	ctx, span := infra.StartDispatchSpan(ctx, "reject", bookingID, infra.AttrWorkerID(worker.ID))
	defer span.End()
	start := time.Now()
	defer func() {
		metrics.RecordDispatchOperation(metrics.OperationReject, dispatchStatus(err), metrics.SourceAPI, time.Since(start))
	}()

	if worker.Role != realtime.RoleWorker {
		return 0, ErrNotOffered
	}

	booking, err := s.store.RecordReject(ctx, bookingID, worker.ID)
	if err != nil {
		infra.RecordOperationError(span, err, "拒單失敗")
		return 0, err
	}
	if s.eventManager != nil {
		if _, err := s.eventManager.RemoveOffer(ctx, bookingID, worker.ID); err != nil {
			s.logger.Warn().Err(err).Str("booking_id", bookingID).Msg("Redis 推送名單移除失敗")
		}
	}

	remaining = len(booking.OfferedTo)
	if remaining == 0 {
		notice := realtime.Notification{
			Title:   "訂單無人接單",
			Message: fmt.Sprintf("%s 的 %s 訂單 %s 已被所有師傅拒絕", booking.Customer.Name, booking.Service.Name, utils.ShortID(bookingID)),
			Data:    map[string]string{"bookingId": bookingID},
		}
		if err := s.emitter.Emit(ctx, realtime.DashboardRoom, realtime.EventNewNotification, notice); err != nil {
			s.logger.Warn().Err(err).Str("booking_id", bookingID).Msg("通知後台失敗")
		}
	}

	infra.RecordOperationSuccess(span, infra.AttrInt("dispatch.remaining", remaining))
	s.logger.Info().
		Str("booking_id", bookingID).
		Str("worker_id", worker.ID).
		Str("reason", reason).
		Int("remaining", remaining).
		Msg("師傅拒單")
	return remaining, nil
}

// RetractBooking 訂單取消或過期，通知所有仍在推送中的師傅
func (s *DispatchService) RetractBooking(ctx context.Context, bookingID, reason string, source metrics.OperationSource) (err error) {
	ctx, span := infra.StartDispatchSpan(ctx, "retract", bookingID, infra.AttrString("dispatch.reason", reason))
	defer span.End()
	start := time.Now()
	defer func() {
		metrics.RecordDispatchOperation(metrics.OperationRetract, dispatchStatus(err), source, time.Since(start))
	}()

	status := model.BookingStatusCancelled
	if reason == realtime.RemovedReasonExpired {
		status = model.BookingStatusExpired
	}

	booking, err := s.store.Close(ctx, bookingID, status)
	if err != nil {
		infra.RecordOperationError(span, err, "撤回訂單失敗")
		return err
	}

	removed := realtime.BookingRemoved{BookingID: bookingID, Reason: reason}
	targets := s.offerTargets(ctx, booking)
	for _, workerID := range targets {
		if err := s.emitter.Emit(ctx, realtime.WorkerRoom(workerID), realtime.EventBookingRemoved, removed); err != nil {
			s.logger.Warn().Err(err).Str("booking_id", bookingID).Str("worker_id", workerID).Msg("推送 booking_removed 失敗")
		}
	}

	infra.RecordOperationSuccess(span, infra.AttrInt("dispatch.notified", len(targets)))
	s.logger.Info().Str("booking_id", bookingID).Str("reason", reason).Int("notified", len(targets)).Msg("訂單已撤回")
	return nil
}

// offerTargets Mongo 與 Redis 推送名單的聯集，並清除 Redis 名單
func (s *DispatchService) offerTargets(ctx context.Context, booking *model.Booking) []string {
	targets := append([]string(nil), booking.OfferedTo...)
	if s.eventManager == nil {
		return targets
	}
	cached, err := s.eventManager.ClearOffers(ctx, booking.ID.Hex())
	if err != nil {
		s.logger.Warn().Err(err).Str("booking_id", booking.ID.Hex()).Msg("讀取 Redis 推送名單失敗")
		return targets
	}
	seen := make(map[string]struct{}, len(targets))
	for _, id := range targets {
		seen[id] = struct{}{}
	}
	for _, id := range cached {
		if _, ok := seen[id]; !ok {
			targets = append(targets, id)
		}
	}
	return targets
}

func (s *DispatchService) enqueuePush(ctx context.Context, task pushModels.Task) {
	if s.pusher == nil {
		return
	}
	if err := s.pusher.Enqueue(ctx, task); err != nil {
		s.logger.Warn().Err(err).
			Str("recipient", task.Recipient.Key()).
			Str("kind", task.Kind()).
			Msg("推播任務排入失敗")
	}
}

// bookingPushPayload 訂單推播資料，訂單過大時只帶 ID
func bookingPushPayload(payload realtime.BookingPayload, sentAt time.Time) pushModels.Payload {
	out := pushModels.Payload{Kind: pushModels.KindBooking, BookingID: payload.ID, SentAt: sentAt}
	if data, err := json.Marshal(payload); err == nil && len(data) <= maxEmbeddedBooking {
		out.Booking = string(data)
	}
	return out
}

// dispatchStatus 業務規則拒絕與系統錯誤分開統計
func dispatchStatus(err error) metrics.OperationStatus {
	if errors.Is(err, ErrBookingTaken) || errors.Is(err, ErrNotOffered) ||
		errors.Is(err, ErrBookingClosed) || errors.Is(err, ErrNoCandidates) {
		return metrics.StatusRejected
	}
	return metrics.StatusFromError(err)
}
