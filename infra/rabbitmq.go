package infra

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

type RabbitMQConfig struct {
	URL string
}

type RabbitMQ struct {
	Connection *amqp.Connection
	Channel    *amqp.Channel

	// amqp.Channel 不可同時發佈
	publishMu sync.Mutex
}

func NewRabbitMQ(logger zerolog.Logger, config RabbitMQConfig) (*RabbitMQ, error) {
	conn, err := amqp.Dial(config.URL)
	if err != nil {
		return nil, fmt.Errorf("連接 RabbitMQ 失敗: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("開啟 channel 失敗: %w", err)
	}

	// 自動宣告所有隊列
	for _, queueName := range GetAllQueueNames() {
		if _, err := declareQueue(ch, queueName.String()); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("宣告隊列 %s 失敗: %w", queueName, err)
		}
	}

	logger.Info().Int("queues", len(GetAllQueueNames())).Msg("已連接 RabbitMQ")

	return &RabbitMQ{
		Connection: conn,
		Channel:    ch,
	}, nil
}

func declareQueue(ch *amqp.Channel, name string) (amqp.Queue, error) {
	return ch.QueueDeclare(
		name,  // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
}

func (r *RabbitMQ) Close() error {
	if r.Channel != nil {
		r.Channel.Close()
	}
	if r.Connection != nil {
		return r.Connection.Close()
	}
	return nil
}

// Healthy 連線是否仍存活
func (r *RabbitMQ) Healthy() bool {
	return r != nil && r.Connection != nil && !r.Connection.IsClosed()
}

// Consume 以獨立 channel 消費隊列，prefetch 控制同時處理的數量，需手動 ack
func (r *RabbitMQ) Consume(queue QueueName, consumer string, prefetch int) (<-chan amqp.Delivery, *amqp.Channel, error) {
	ch, err := r.Connection.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("開啟消費 channel 失敗: %w", err)
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			ch.Close()
			return nil, nil, fmt.Errorf("設定 prefetch 失敗: %w", err)
		}
	}
	msgs, err := ch.Consume(
		queue.String(), // queue
		consumer,       // consumer
		false,          // auto-ack
		false,          // exclusive
		false,          // no-local
		false,          // no-wait
		nil,            // args
	)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("消費隊列 %s 失敗: %w", queue, err)
	}
	return msgs, ch, nil
}

func (r *RabbitMQ) PublishMessage(queueName string, body []byte) error {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()
	return r.Channel.Publish(
		"",        // exchange
		queueName, // routing key
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
}

// PublishJSON 編碼後發佈到指定隊列
func (r *RabbitMQ) PublishJSON(queue QueueName, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("編碼隊列訊息失敗: %w", err)
	}
	return r.PublishMessage(queue.String(), body)
}
