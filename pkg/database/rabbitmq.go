package database

import (
	"fmt"
	"time"

	"transcription_worker/pkg/logger"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// RabbitChannel the subset of *amqp.Channel the worker uses, so tests can swap in a fake
type RabbitChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Cancel(consumer string, noWait bool) error
	Close() error
}

var _ RabbitChannel = (*amqp.Channel)(nil)

// ConnectRabbitMQWithRetry 嘗試連線到 RabbitMQ，失敗時固定間隔重試
func ConnectRabbitMQWithRetry(d Connection) (*amqp.Connection, error) {
	var conn *amqp.Connection
	var err error

	if d.RetryCount < 1 {
		d.RetryCount = 1
	}

	for attempt := 1; attempt <= d.RetryCount; attempt++ {
		conn, err = amqp.Dial(d.ConnectStr)
		if err == nil {
			logger.Log.Info("RabbitMQ connected", zap.Int("attempt", attempt))
			return conn, nil
		}

		logger.Log.Warn("RabbitMQ connect failed, retrying...",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", d.RetryCount),
			zap.Error(err),
		)
		if attempt < d.RetryCount {
			time.Sleep(d.RetryInterval)
		}
	}

	return nil, fmt.Errorf("無法連線 RabbitMQ，經過 %d 次嘗試: %w", d.RetryCount, err)
}

// GetRabbitMQChannelWithRetry 使用已有的 RabbitMQ 連線嘗試取得 Channel
func GetRabbitMQChannelWithRetry(conn *amqp.Connection, maxRetries int, delay time.Duration) (*amqp.Channel, error) {
	var ch *amqp.Channel
	var err error

	if maxRetries < 1 {
		maxRetries = 1
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		ch, err = conn.Channel()
		if err == nil {
			return ch, nil
		}

		logger.Log.Warn("RabbitMQ channel open failed, retrying...",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt < maxRetries {
			time.Sleep(delay)
		}
	}

	return nil, fmt.Errorf("無法取得 RabbitMQ Channel，經過 %d 次嘗試: %w", maxRetries, err)
}
