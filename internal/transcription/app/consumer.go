package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"transcription_worker/internal/transcription/domain"
	"transcription_worker/pkg/database"
	errprocess "transcription_worker/pkg/err"
	"transcription_worker/pkg/logger"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// sleep retry backoff, swapped out in tests
var sleep = time.Sleep

// Handler 處理一個已解碼的轉錄工作, a non-nil error triggers the retry policy
type Handler func(ctx context.Context, job domain.TranscriptionJob) error

// ConsumerConfig queue topology and retry policy
type ConsumerConfig struct {
	Queue              string
	DeadLetterExchange string
	DeadLetterQueue    string
	MessageTTL         time.Duration
	Prefetch           int
	MaxRetries         int
	RetryDelay         time.Duration
	ConsumerTag        string
}

// Stats per disposition counters since start
type Stats struct {
	Received     uint64 `json:"received"`
	Acked        uint64 `json:"acked"`
	Retried      uint64 `json:"retried"`
	DeadLettered uint64 `json:"deadLettered"`
}

// Consumer pull jobs one at a time and settle every delivery exactly once:
// ack, republish with x-retry-count+1, or dead-letter.
type Consumer struct {
	ch   database.RabbitChannel
	conn io.Closer
	cfg  ConsumerConfig

	connected atomic.Bool
	closeOnce sync.Once
	closeErr  error

	received     atomic.Uint64
	acked        atomic.Uint64
	retried      atomic.Uint64
	deadLettered atomic.Uint64
}

// NewConsumer 建構 Consumer, the channel must already be open
func NewConsumer(ch database.RabbitChannel, cfg ConsumerConfig) *Consumer {
	if cfg.Prefetch < 1 {
		cfg.Prefetch = 1
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "transcription-worker-" + uuid.NewString()[:8]
	}
	c := &Consumer{ch: ch, cfg: cfg}
	c.connected.Store(true)
	return c
}

// Dial open the broker connection and a channel, the returned Consumer owns both
func Dial(conn database.Connection, cfg ConsumerConfig) (*Consumer, error) {
	amqpConn, err := database.ConnectRabbitMQWithRetry(conn)
	if err != nil {
		return nil, errprocess.Wrap(domain.ErrConnectionFailed, err.Error())
	}

	ch, err := database.GetRabbitMQChannelWithRetry(amqpConn, conn.RetryCount, conn.RetryInterval)
	if err != nil {
		amqpConn.Close()
		return nil, errprocess.Wrap(domain.ErrConnectionFailed, err.Error())
	}

	c := NewConsumer(ch, cfg)
	c.conn = amqpConn

	closed := amqpConn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err := <-closed; err != nil {
			logger.Log.Error("RabbitMQ connection lost", zap.Error(err))
		}
		c.connected.Store(false)
	}()
	return c, nil
}

// Setup declare the dead-letter exchange and queue, the work queue, and prefetch.
// Work queue arguments must match what the publisher declares or the broker rejects the declare.
func (c *Consumer) Setup() error {
	dlx := c.cfg.DeadLetterExchange

	if err := c.ch.ExchangeDeclare(dlx, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("%w: declare exchange %s: %v", domain.ErrConnectionFailed, dlx, err)
	}
	if _, err := c.ch.QueueDeclare(c.cfg.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("%w: declare queue %s: %v", domain.ErrConnectionFailed, c.cfg.DeadLetterQueue, err)
	}
	if err := c.ch.QueueBind(c.cfg.DeadLetterQueue, "", dlx, false, nil); err != nil {
		return fmt.Errorf("%w: bind %s to %s: %v", domain.ErrConnectionFailed, c.cfg.DeadLetterQueue, dlx, err)
	}

	if _, err := c.ch.QueueDeclare(c.cfg.Queue, true, false, false, false, c.queueArgs()); err != nil {
		return fmt.Errorf("%w: declare queue %s: %v", domain.ErrConnectionFailed, c.cfg.Queue, err)
	}

	// 一次只拿一則訊息
	if err := c.ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("%w: qos: %v", domain.ErrConnectionFailed, err)
	}
	return nil
}

func (c *Consumer) queueArgs() amqp.Table {
	args := amqp.Table{"x-dead-letter-exchange": c.cfg.DeadLetterExchange}
	if c.cfg.MessageTTL > 0 {
		args["x-message-ttl"] = int32(c.cfg.MessageTTL / time.Millisecond)
	}
	return args
}

// Run receive loop. Returns nil once ctx is cancelled, ErrConnectionFailed when the
// broker closes the delivery channel. The handler runs with a context detached from ctx
// so a shutdown signal never interrupts a job halfway.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	msgs, err := c.ch.Consume(c.cfg.Queue, c.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return errprocess.Wrap(domain.ErrConnectionFailed, fmt.Sprintf("consume %s: %v", c.cfg.Queue, err))
	}

	logger.Log.Info("Consumer started, waiting for jobs",
		zap.String("queue", c.cfg.Queue),
		zap.String("consumer_tag", c.cfg.ConsumerTag),
		zap.Int("prefetch", c.cfg.Prefetch),
		zap.Int("max_retries", c.cfg.MaxRetries),
		zap.Duration("retry_delay", c.cfg.RetryDelay),
	)

	jobCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			c.stopConsuming()
			return nil
		case d, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				c.connected.Store(false)
				return fmt.Errorf("%w: delivery channel closed", domain.ErrConnectionFailed)
			}
			if ctx.Err() != nil {
				// 收到停止訊號後才到的訊息, 放回佇列
				if err := d.Nack(false, true); err != nil {
					logger.Log.Warn("Requeue on shutdown failed", zap.Error(err))
				}
				c.stopConsuming()
				return nil
			}
			c.handleDelivery(jobCtx, d, handler)
		}
	}
}

func (c *Consumer) stopConsuming() {
	logger.Log.Info("Consumer received stop signal", zap.String("consumer_tag", c.cfg.ConsumerTag))
	if err := c.ch.Cancel(c.cfg.ConsumerTag, false); err != nil {
		logger.Log.Warn("Cancel consumer failed", zap.Error(err))
	}
}

// handleDelivery decode, run the handler and settle the delivery
func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery, handler Handler) Disposition {
	c.received.Add(1)
	retryCount := RetryCount(d.Headers)

	job, err := domain.DecodeJob(d.Body)
	if err == nil {
		logger.Log.Info("Processing job",
			zap.String("media_id", job.MediaID),
			zap.String("s3_key", job.S3Key),
			zap.Int("retry_count", retryCount),
		)
		err = safeHandle(ctx, handler, job)
	}

	disposition := Decide(err, retryCount, c.cfg.MaxRetries)
	fields := []zap.Field{
		zap.String("media_id", job.MediaID),
		zap.Int("retry_count", retryCount),
		zap.Int("max_retries", c.cfg.MaxRetries),
	}

	switch disposition {
	case DispositionAck:
		c.ack(d, fields)
		logger.Log.Info("Job completed", fields...)

	case DispositionRetry:
		logger.Log.Warn("Job failed, scheduling retry",
			append(fields, zap.Duration("delay", c.cfg.RetryDelay), zap.Error(err))...)
		sleep(c.cfg.RetryDelay)

		if perr := c.republish(d, retryCount+1); perr != nil {
			// 重新發佈失敗, 原訊息改走 dead-letter 避免遺失
			logger.Log.Error("Republish failed, dead-lettering", append(fields, zap.Error(perr))...)
			c.nack(d, fields)
			disposition = DispositionDeadLetter
			break
		}
		c.ack(d, fields)

	case DispositionDeadLetter:
		logger.Log.Error("Job failed permanently, sending to dead-letter queue",
			append(fields, zap.Error(err))...)
		c.nack(d, fields)
	}

	c.count(disposition)
	return disposition
}

// republish 同一 body 送回同一佇列, retry 次數只存在 header
func (c *Consumer) republish(d amqp.Delivery, retryCount int) error {
	contentType := d.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	return c.ch.Publish("", c.cfg.Queue, false, false, amqp.Publishing{
		Headers:       withRetryCount(d.Headers, retryCount),
		ContentType:   contentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: d.CorrelationId,
		MessageId:     d.MessageId,
		Timestamp:     time.Now(),
		Body:          d.Body,
	})
}

func (c *Consumer) ack(d amqp.Delivery, fields []zap.Field) {
	if err := d.Ack(false); err != nil {
		logger.Log.Error("Ack failed", append(fields, zap.Error(err))...)
	}
}

func (c *Consumer) nack(d amqp.Delivery, fields []zap.Field) {
	if err := d.Nack(false, false); err != nil {
		logger.Log.Error("Nack failed", append(fields, zap.Error(err))...)
	}
}

func (c *Consumer) count(d Disposition) {
	switch d {
	case DispositionAck:
		c.acked.Add(1)
	case DispositionRetry:
		c.retried.Add(1)
	case DispositionDeadLetter:
		c.deadLettered.Add(1)
	}
}

// safeHandle a panicking handler counts as a failed job
func safeHandle(ctx context.Context, handler Handler, job domain.TranscriptionJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

// Stats snapshot of the counters
func (c *Consumer) Stats() Stats {
	return Stats{
		Received:     c.received.Load(),
		Acked:        c.acked.Load(),
		Retried:      c.retried.Load(),
		DeadLettered: c.deadLettered.Load(),
	}
}

// Connected false once the broker connection dropped or Close was called
func (c *Consumer) Connected() bool {
	return c.connected.Load()
}

// Close release channel and connection, safe to call more than once
func (c *Consumer) Close() error {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		var errs []error
		if c.ch != nil {
			if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if c.conn != nil {
			if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
				errs = append(errs, err)
			}
		}
		c.closeErr = errors.Join(errs...)
		logger.Log.Info("RabbitMQ consumer closed")
	})
	return c.closeErr
}
