package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pushModels "homeservice-realtime/data-models/push"
	"homeservice-realtime/infra"
	"homeservice-realtime/metrics"
	"homeservice-realtime/model"
	"homeservice-realtime/service/interfaces"

	"github.com/rs/zerolog"
)

// 訂單推播使用專屬的鈴聲與 Android 頻道
const (
	bookingSound     = "booking_ring.wav"
	bookingChannelID = "booking_alerts"
	defaultChannelID = "default"
)

// QueuePublisher 將推播任務送到 RabbitMQ
type QueuePublisher interface {
	PublishJSON(queue infra.QueueName, v any) error
}

// NotificationService 推播任務的 worker pool
//
// 有 RabbitMQ 時任務先進 push_notifications 佇列，由 background 的 consumer 呼叫 Deliver；
// 沒有時直接進本機隊列。
type NotificationService struct {
	logger    zerolog.Logger
	tokens    *PushTokenService
	senders   map[model.PushProvider]interfaces.PushSender
	publisher QueuePublisher

	// Worker Pool
	queue   chan pushModels.Task
	workers int
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	mu      sync.RWMutex
}

func NewNotificationService(
	logger zerolog.Logger,
	tokens *PushTokenService,
	senders map[model.PushProvider]interfaces.PushSender,
	publisher QueuePublisher,
	workers int,
	queueSize int,
) *NotificationService {
	if workers <= 0 {
		workers = 3
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	return &NotificationService{
		logger:    logger.With().Str("module", "notification_service").Logger(),
		tokens:    tokens,
		senders:   senders,
		publisher: publisher,
		queue:     make(chan pushModels.Task, queueSize),
		workers:   workers,
		stopCh:    make(chan struct{}),
	}
}

// Start 啟動 worker pool
func (ns *NotificationService) Start() {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if ns.started {
		return
	}
	for i := 0; i < ns.workers; i++ {
		ns.wg.Add(1)
		go ns.worker(i)
	}
	ns.started = true
	ns.logger.Info().Int("workers", ns.workers).Msg("NotificationService worker pool 已啟動")
}

// Stop 停止 worker pool，隊列中尚未處理的任務會被丟棄
func (ns *NotificationService) Stop() {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if !ns.started {
		return
	}
	close(ns.stopCh)
	ns.wg.Wait()
	ns.started = false
	ns.logger.Info().Int("dropped", len(ns.queue)).Msg("NotificationService 已停止")
}

func (ns *NotificationService) worker(id int) {
	defer ns.wg.Done()

	for {
		select {
		case task := <-ns.queue:
			ns.processTask(id, task)
		case <-ns.stopCh:
			ns.logger.Debug().Int("worker_id", id).Msg("NotificationService worker 正在停止")
			return
		}
	}
}

func (ns *NotificationService) processTask(workerID int, task pushModels.Task) {
	// 使用新 context 避免原請求 context 被取消
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	startTime := time.Now()
	if err := ns.Deliver(ctx, task); err != nil {
		ns.logger.Error().Err(err).
			Int("worker_id", workerID).
			Str("recipient", task.Recipient.Key()).
			Str("kind", task.Kind()).
			Msg("推播任務處理失敗")
		return
	}
	ns.logger.Debug().
		Int("worker_id", workerID).
		Str("recipient", task.Recipient.Key()).
		Dur("duration", time.Since(startTime)).
		Msg("推播任務處理完成")
}

// Enqueue 排入推播任務；RabbitMQ 發布失敗時改用本機隊列
func (ns *NotificationService) Enqueue(ctx context.Context, task pushModels.Task) error {
	if ns.publisher != nil {
		err := ns.publisher.PublishJSON(infra.QueueNamePushNotifications, task)
		if err == nil {
			return nil
		}
		ns.logger.Warn().Err(err).Str("recipient", task.Recipient.Key()).Msg("推播任務發布到 RabbitMQ 失敗，改用本機隊列")
	}

	select {
	case ns.queue <- task:
		return nil
	default:
	}
	ns.logger.Warn().Str("recipient", task.Recipient.Key()).Str("kind", task.Kind()).Msg("推播隊列已滿，等待處理...")
	select {
	case ns.queue <- task:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("推播任務排入逾時: %w", ctx.Err())
	}
}

// Deliver 將任務送到參與者的所有裝置，失效的 token 會被移除
func (ns *NotificationService) Deliver(ctx context.Context, task pushModels.Task) error {
	ctx, span := infra.StartSpan(ctx, "push.deliver",
		infra.AttrParticipant(task.Recipient.Key()),
		infra.AttrString("push.kind", task.Kind()),
	)
	defer span.End()

	tokens, err := ns.tokens.Tokens(ctx, task.Recipient)
	if err != nil {
		infra.RecordError(span, err, "查詢推播 token 失敗")
		return err
	}

	msg := interfaces.PushMessage{
		Title:     task.Title,
		Body:      task.Body,
		Data:      task.Payload.ToMap(),
		Sound:     "default",
		ChannelID: defaultChannelID,
	}
	if task.Kind() == pushModels.KindBooking {
		msg.Sound = bookingSound
		msg.ChannelID = bookingChannelID
	}

	var errs []error
	sent := 0
	for _, token := range tokens {
		// 簡訊只用於師傅的新訂單
		if token.Provider == model.PushProviderSMS && task.Kind() != pushModels.KindBooking {
			continue
		}
		sender, ok := ns.senders[token.Provider]
		if !ok || sender == nil {
			ns.logger.Debug().Str("provider", string(token.Provider)).Msg("推播服務未設定，略過")
			continue
		}

		msg.To = token.Token
		err := sender.Send(ctx, msg)
		switch {
		case err == nil:
			sent++
			metrics.RecordPushDelivery(string(token.Provider), task.Kind(), metrics.StatusSuccess)
		case errors.Is(err, interfaces.ErrTokenUnregistered):
			metrics.RecordPushDelivery(string(token.Provider), task.Kind(), metrics.StatusRejected)
			if rmErr := ns.tokens.Remove(ctx, token.Token); rmErr != nil {
				ns.logger.Warn().Err(rmErr).Msg("移除失效 token 失敗")
			}
		default:
			metrics.RecordPushDelivery(string(token.Provider), task.Kind(), metrics.StatusError)
			errs = append(errs, fmt.Errorf("%s: %w", token.Provider, err))
		}
	}

	if sent == 0 && len(errs) == 0 {
		ns.logger.Debug().Str("recipient", task.Recipient.Key()).Msg("沒有可用的推播裝置")
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		infra.RecordError(span, err, "推播發送失敗")
		return err
	}
	infra.MarkSuccess(span, infra.AttrInt("push.sent", sent))
	return nil
}

// GetQueueLength 本機隊列長度
func (ns *NotificationService) GetQueueLength() int {
	return len(ns.queue)
}

var _ interfaces.PushEnqueuer = (*NotificationService)(nil)
