package background

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	bookingModels "homeservice-realtime/data-models/booking"
	pushModels "homeservice-realtime/data-models/push"
	"homeservice-realtime/data-models/realtime"
	"homeservice-realtime/infra"
	"homeservice-realtime/metrics"
	"homeservice-realtime/model"
	"homeservice-realtime/service"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
	"golang.org/x/sync/errgroup"
)

// BookingDispatcher 派單與撤單
type BookingDispatcher interface {
	OfferBooking(ctx context.Context, bookingID string, workerIDs []string, source metrics.OperationSource) (*model.Booking, error)
	RetractBooking(ctx context.Context, bookingID, reason string, source metrics.OperationSource) error
}

// PushDeliverer 實際發送推播
type PushDeliverer interface {
	Deliver(ctx context.Context, task pushModels.Task) error
}

// errPoison 訊息本身無法處理，重送也不會成功
var errPoison = errors.New("無法處理的訊息")

// Dispatcher 消費 RabbitMQ 上的訂單事件與推播任務
type Dispatcher struct {
	logger     zerolog.Logger
	rabbitMQ   *infra.RabbitMQ
	dispatch   BookingDispatcher
	deliverer  PushDeliverer
	prefetch   int
	consumerID string
}

func NewDispatcher(logger zerolog.Logger, rabbitMQ *infra.RabbitMQ, dispatch BookingDispatcher, deliverer PushDeliverer, prefetch int, consumerID string) *Dispatcher {
	if prefetch <= 0 {
		prefetch = 10
	}
	return &Dispatcher{
		logger:     logger.With().Str("module", "dispatcher").Logger(),
		rabbitMQ:   rabbitMQ,
		dispatch:   dispatch,
		deliverer:  deliverer,
		prefetch:   prefetch,
		consumerID: consumerID,
	}
}

// Start 每個隊列一個消費者，直到 ctx 結束或任一隊列失敗
func (d *Dispatcher) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, queue := range infra.GetAllQueueNames() {
		queue := queue
		if queue == infra.QueueNamePushNotifications && d.deliverer == nil {
			continue
		}
		g.Go(func() error {
			msgs, ch, err := d.rabbitMQ.Consume(queue, fmt.Sprintf("%s-%s", d.consumerID, queue), d.prefetch)
			if err != nil {
				return err
			}
			defer ch.Close()
			return d.consume(ctx, queue, msgs)
		})
	}
	d.logger.Info().Msg("調度中心已啟動，等待訂單事件...")
	return g.Wait()
}

// consume 依序處理單一隊列的訊息，處理完才 ack
func (d *Dispatcher) consume(ctx context.Context, queue infra.QueueName, msgs <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("隊列 %s 的消費頻道已關閉", queue)
			}
			d.settle(queue, msg, d.handle(ctx, queue, msg.Body))
		}
	}
}

// settle 成功或業務上已無需處理時 ack；暫時性錯誤重送一次，再失敗則丟棄
func (d *Dispatcher) settle(queue infra.QueueName, msg amqp.Delivery, err error) {
	log := d.logger.With().Str("queue", queue.String()).Logger()
	switch {
	case err == nil:
		if ackErr := msg.Ack(false); ackErr != nil {
			log.Warn().Err(ackErr).Msg("ack 失敗")
		}
	case errors.Is(err, errPoison):
		log.Error().Err(err).Bytes("body", msg.Body).Msg("丟棄無法處理的訊息")
		msg.Nack(false, false)
	case msg.Redelivered:
		log.Error().Err(err).Msg("訊息重送後仍處理失敗，丟棄")
		msg.Nack(false, false)
	default:
		log.Warn().Err(err).Msg("訊息處理失敗，稍後重送")
		msg.Nack(false, true)
	}
}

func (d *Dispatcher) handle(ctx context.Context, queue infra.QueueName, body []byte) error {
	if queue == infra.QueueNamePushNotifications {
		var task pushModels.Task
		if err := json.Unmarshal(body, &task); err != nil || task.Recipient.IsZero() {
			return fmt.Errorf("%w: 推播任務格式錯誤", errPoison)
		}
		// 個別裝置失敗不重送，避免其他裝置重複收到
		if err := d.deliverer.Deliver(ctx, task); err != nil {
			d.logger.Warn().Err(err).Str("recipient", task.Recipient.Key()).Msg("推播部分失敗")
		}
		return nil
	}

	var msg bookingModels.DispatchMessage
	if err := json.Unmarshal(body, &msg); err != nil || msg.BookingID == "" {
		return fmt.Errorf("%w: 訂單事件格式錯誤", errPoison)
	}

	var err error
	switch queue {
	case infra.QueueNameBookingCreated:
		_, err = d.dispatch.OfferBooking(ctx, msg.BookingID, msg.WorkerIDs, metrics.SourceQueue)
	case infra.QueueNameBookingCancelled:
		err = d.dispatch.RetractBooking(ctx, msg.BookingID, realtime.RemovedReasonCancelled, metrics.SourceQueue)
	case infra.QueueNameBookingExpired:
		err = d.dispatch.RetractBooking(ctx, msg.BookingID, realtime.RemovedReasonExpired, metrics.SourceQueue)
	default:
		return fmt.Errorf("%w: 未知的隊列 %s", errPoison, queue)
	}

	switch {
	case err == nil:
		d.logger.Debug().Str("queue", queue.String()).Str("booking_id", msg.BookingID).Msg("訂單事件處理完成")
		return nil
	case errors.Is(err, service.ErrBookingNotFound),
		errors.Is(err, service.ErrBookingClosed),
		errors.Is(err, service.ErrBookingTaken),
		errors.Is(err, service.ErrNoCandidates):
		// 訂單狀態已變更，事件過時
		d.logger.Info().Err(err).Str("queue", queue.String()).Str("booking_id", msg.BookingID).Msg("略過過時的訂單事件")
		return nil
	}
	return err
}
