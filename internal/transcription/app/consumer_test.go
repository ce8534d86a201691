package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"transcription_worker/internal/transcription/domain"
	"transcription_worker/pkg/logger"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockRabbitChannel 是 database.RabbitChannel 的 Mock
type MockRabbitChannel struct {
	mock.Mock
}

func (m *MockRabbitChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	args := m.Called(prefetchCount, prefetchSize, global)
	return args.Error(0)
}

func (m *MockRabbitChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, a amqp.Table) error {
	args := m.Called(name, kind, durable, autoDelete, internal, noWait, a)
	return args.Error(0)
}

func (m *MockRabbitChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, a amqp.Table) (amqp.Queue, error) {
	args := m.Called(name, durable, autoDelete, exclusive, noWait, a)
	return amqp.Queue{Name: name}, args.Error(0)
}

func (m *MockRabbitChannel) QueueBind(name, key, exchange string, noWait bool, a amqp.Table) error {
	args := m.Called(name, key, exchange, noWait, a)
	return args.Error(0)
}

func (m *MockRabbitChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, a amqp.Table) (<-chan amqp.Delivery, error) {
	args := m.Called(queue, consumer, autoAck, exclusive, noLocal, noWait, a)
	var ch <-chan amqp.Delivery
	if v := args.Get(0); v != nil {
		ch = v.(<-chan amqp.Delivery)
	}
	return ch, args.Error(1)
}

func (m *MockRabbitChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	args := m.Called(exchange, key, mandatory, immediate, msg)
	return args.Error(0)
}

func (m *MockRabbitChannel) Cancel(consumer string, noWait bool) error {
	args := m.Called(consumer, noWait)
	return args.Error(0)
}

func (m *MockRabbitChannel) Close() error {
	args := m.Called()
	return args.Error(0)
}

// fakeAcker records how each delivery was settled
type fakeAcker struct {
	mu       sync.Mutex
	acks     []uint64
	nacks    []uint64
	requeued []bool
}

func (a *fakeAcker) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, tag)
	return nil
}

func (a *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks = append(a.nacks, tag)
	a.requeued = append(a.requeued, requeue)
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcker) settled() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acks) + len(a.nacks)
}

const validBody = `{"mediaId":"M1","userId":"U1","projectId":"P1","s3Key":"audio/M1.mp3","operation":"transcribe"}`

func testConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Queue:              "media.transcribe",
		DeadLetterExchange: "syncsearch.dlx",
		DeadLetterQueue:    "media.transcribe.dlq",
		MessageTTL:         time.Hour,
		Prefetch:           1,
		MaxRetries:         3,
		RetryDelay:         5 * time.Second,
		ConsumerTag:        "test-consumer",
	}
}

func newDelivery(acker *fakeAcker, tag uint64, body string, headers amqp.Table) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: acker,
		DeliveryTag:  tag,
		Headers:      headers,
		ContentType:  "application/json",
		Body:         []byte(body),
	}
}

// stubSleep record backoff calls instead of sleeping
func stubSleep(t *testing.T) *[]time.Duration {
	t.Helper()
	var slept []time.Duration
	orig := sleep
	sleep = func(d time.Duration) { slept = append(slept, d) }
	t.Cleanup(func() { sleep = orig })
	return &slept
}

func isRepublish(retryCount int32, body string) interface{} {
	return mock.MatchedBy(func(p amqp.Publishing) bool {
		return p.Headers[domain.RetryCountHeader] == retryCount &&
			p.DeliveryMode == amqp.Persistent &&
			string(p.Body) == body
	})
}

func TestConsumer_Setup(t *testing.T) {
	logger.SetNewNop()
	ch := new(MockRabbitChannel)
	ch.On("ExchangeDeclare", "syncsearch.dlx", "fanout", true, false, false, false, amqp.Table(nil)).Return(nil)
	ch.On("QueueDeclare", "media.transcribe.dlq", true, false, false, false, amqp.Table(nil)).Return(nil)
	ch.On("QueueBind", "media.transcribe.dlq", "", "syncsearch.dlx", false, amqp.Table(nil)).Return(nil)
	ch.On("QueueDeclare", "media.transcribe", true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": "syncsearch.dlx",
		"x-message-ttl":          int32(3600000),
	}).Return(nil)
	ch.On("Qos", 1, 0, false).Return(nil)

	c := NewConsumer(ch, testConsumerConfig())

	require.NoError(t, c.Setup())
	ch.AssertExpectations(t)
}

func TestConsumer_SetupFailure(t *testing.T) {
	logger.SetNewNop()
	ch := new(MockRabbitChannel)
	ch.On("ExchangeDeclare", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("channel closed"))

	c := NewConsumer(ch, testConsumerConfig())

	err := c.Setup()
	assert.ErrorIs(t, err, domain.ErrConnectionFailed)
}

func TestNewConsumer_Defaults(t *testing.T) {
	cfg := testConsumerConfig()
	cfg.Prefetch = 0
	cfg.ConsumerTag = ""

	c := NewConsumer(new(MockRabbitChannel), cfg)

	assert.Equal(t, 1, c.cfg.Prefetch)
	assert.Contains(t, c.cfg.ConsumerTag, "transcription-worker-")
	assert.True(t, c.Connected())
}

func TestConsumer_HandleDelivery(t *testing.T) {
	logger.SetNewNop()
	ctx := context.Background()

	t.Run("success is acked", func(t *testing.T) {
		slept := stubSleep(t)
		ch := new(MockRabbitChannel)
		acker := &fakeAcker{}
		c := NewConsumer(ch, testConsumerConfig())

		var got domain.TranscriptionJob
		disp := c.handleDelivery(ctx, newDelivery(acker, 1, validBody, nil), func(ctx context.Context, job domain.TranscriptionJob) error {
			got = job
			return nil
		})

		assert.Equal(t, DispositionAck, disp)
		assert.Equal(t, "M1", got.MediaID)
		assert.Equal(t, []uint64{1}, acker.acks)
		assert.Empty(t, acker.nacks)
		assert.Empty(t, *slept)
		ch.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("failure is republished with count+1", func(t *testing.T) {
		slept := stubSleep(t)
		ch := new(MockRabbitChannel)
		ch.On("Publish", "", "media.transcribe", false, false, isRepublish(1, validBody)).Return(nil).Once()
		acker := &fakeAcker{}
		c := NewConsumer(ch, testConsumerConfig())

		disp := c.handleDelivery(ctx, newDelivery(acker, 7, validBody, nil), func(ctx context.Context, job domain.TranscriptionJob) error {
			return errors.New("engine crashed")
		})

		assert.Equal(t, DispositionRetry, disp)
		assert.Equal(t, []time.Duration{5 * time.Second}, *slept)
		assert.Equal(t, []uint64{7}, acker.acks)
		assert.Empty(t, acker.nacks)
		ch.AssertExpectations(t)
	})

	t.Run("retry count keeps increasing", func(t *testing.T) {
		stubSleep(t)
		ch := new(MockRabbitChannel)
		ch.On("Publish", "", "media.transcribe", false, false, isRepublish(3, validBody)).Return(nil).Once()
		acker := &fakeAcker{}
		c := NewConsumer(ch, testConsumerConfig())

		headers := amqp.Table{domain.RetryCountHeader: int32(2)}
		disp := c.handleDelivery(ctx, newDelivery(acker, 2, validBody, headers), func(ctx context.Context, job domain.TranscriptionJob) error {
			return errors.New("still down")
		})

		assert.Equal(t, DispositionRetry, disp)
		ch.AssertExpectations(t)
	})

	t.Run("exhausted retries are dead-lettered", func(t *testing.T) {
		slept := stubSleep(t)
		ch := new(MockRabbitChannel)
		acker := &fakeAcker{}
		c := NewConsumer(ch, testConsumerConfig())

		headers := amqp.Table{domain.RetryCountHeader: int32(3)}
		disp := c.handleDelivery(ctx, newDelivery(acker, 3, validBody, headers), func(ctx context.Context, job domain.TranscriptionJob) error {
			return errors.New("engine crashed")
		})

		assert.Equal(t, DispositionDeadLetter, disp)
		assert.Empty(t, acker.acks)
		assert.Equal(t, []uint64{3}, acker.nacks)
		assert.Equal(t, []bool{false}, acker.requeued)
		assert.Empty(t, *slept)
		ch.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("malformed body follows the retry policy", func(t *testing.T) {
		stubSleep(t)
		ch := new(MockRabbitChannel)
		ch.On("Publish", "", "media.transcribe", false, false, isRepublish(1, "not json")).Return(nil).Once()
		acker := &fakeAcker{}
		c := NewConsumer(ch, testConsumerConfig())

		called := false
		disp := c.handleDelivery(ctx, newDelivery(acker, 4, "not json", nil), func(ctx context.Context, job domain.TranscriptionJob) error {
			called = true
			return nil
		})

		assert.Equal(t, DispositionRetry, disp)
		assert.False(t, called)
		ch.AssertExpectations(t)
	})

	t.Run("unsupported operation is dead-lettered once retries are used up", func(t *testing.T) {
		stubSleep(t)
		ch := new(MockRabbitChannel)
		acker := &fakeAcker{}
		c := NewConsumer(ch, testConsumerConfig())

		body := `{"mediaId":"M1","s3Key":"a.mp3","operation":"translate"}`
		headers := amqp.Table{domain.RetryCountHeader: int64(3)}
		disp := c.handleDelivery(ctx, newDelivery(acker, 5, body, headers), func(ctx context.Context, job domain.TranscriptionJob) error {
			return nil
		})

		assert.Equal(t, DispositionDeadLetter, disp)
		assert.Equal(t, []uint64{5}, acker.nacks)
	})

	t.Run("republish failure dead-letters the original", func(t *testing.T) {
		stubSleep(t)
		ch := new(MockRabbitChannel)
		ch.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(amqp.ErrClosed)
		acker := &fakeAcker{}
		c := NewConsumer(ch, testConsumerConfig())

		disp := c.handleDelivery(ctx, newDelivery(acker, 6, validBody, nil), func(ctx context.Context, job domain.TranscriptionJob) error {
			return errors.New("boom")
		})

		assert.Equal(t, DispositionDeadLetter, disp)
		assert.Empty(t, acker.acks)
		assert.Equal(t, []bool{false}, acker.requeued)
	})

	t.Run("handler panic counts as failure", func(t *testing.T) {
		stubSleep(t)
		ch := new(MockRabbitChannel)
		ch.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
		acker := &fakeAcker{}
		c := NewConsumer(ch, testConsumerConfig())

		disp := c.handleDelivery(ctx, newDelivery(acker, 8, validBody, nil), func(ctx context.Context, job domain.TranscriptionJob) error {
			panic("nil map")
		})

		assert.Equal(t, DispositionRetry, disp)
		assert.Equal(t, 1, acker.settled())
	})
}

func TestConsumer_Stats(t *testing.T) {
	logger.SetNewNop()
	stubSleep(t)
	ch := new(MockRabbitChannel)
	ch.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	acker := &fakeAcker{}
	c := NewConsumer(ch, testConsumerConfig())
	ctx := context.Background()

	ok := func(ctx context.Context, job domain.TranscriptionJob) error { return nil }
	fail := func(ctx context.Context, job domain.TranscriptionJob) error { return errors.New("x") }

	c.handleDelivery(ctx, newDelivery(acker, 1, validBody, nil), ok)
	c.handleDelivery(ctx, newDelivery(acker, 2, validBody, nil), fail)
	c.handleDelivery(ctx, newDelivery(acker, 3, validBody, amqp.Table{domain.RetryCountHeader: int32(3)}), fail)

	assert.Equal(t, Stats{Received: 3, Acked: 1, Retried: 1, DeadLettered: 1}, c.Stats())
	// 每則訊息只被處置一次
	assert.Equal(t, 3, acker.settled())
}

func TestConsumer_Run(t *testing.T) {
	logger.SetNewNop()

	t.Run("processes deliveries until cancelled", func(t *testing.T) {
		stubSleep(t)
		msgs := make(chan amqp.Delivery, 2)
		ch := new(MockRabbitChannel)
		ch.On("Consume", "media.transcribe", "test-consumer", false, false, false, false, amqp.Table(nil)).
			Return((<-chan amqp.Delivery)(msgs), nil)
		ch.On("Cancel", "test-consumer", false).Return(nil)

		acker := &fakeAcker{}
		msgs <- newDelivery(acker, 1, validBody, nil)
		msgs <- newDelivery(acker, 2, validBody, nil)

		c := NewConsumer(ch, testConsumerConfig())
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var mu sync.Mutex
		var handled []string
		done := make(chan error, 1)
		go func() {
			done <- c.Run(ctx, func(jobCtx context.Context, job domain.TranscriptionJob) error {
				mu.Lock()
				handled = append(handled, job.MediaID)
				mu.Unlock()
				return nil
			})
		}()

		require.Eventually(t, func() bool { return acker.settled() == 2 }, 2*time.Second, 10*time.Millisecond)
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return after cancel")
		}
		assert.Equal(t, []string{"M1", "M1"}, handled)
		ch.AssertCalled(t, "Cancel", "test-consumer", false)
	})

	t.Run("in-flight job is not cancelled by shutdown", func(t *testing.T) {
		stubSleep(t)
		msgs := make(chan amqp.Delivery, 1)
		ch := new(MockRabbitChannel)
		ch.On("Consume", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return((<-chan amqp.Delivery)(msgs), nil)
		ch.On("Cancel", mock.Anything, mock.Anything).Return(nil)

		acker := &fakeAcker{}
		msgs <- newDelivery(acker, 1, validBody, nil)

		c := NewConsumer(ch, testConsumerConfig())
		ctx, cancel := context.WithCancel(context.Background())
		started := make(chan struct{})

		done := make(chan error, 1)
		go func() {
			done <- c.Run(ctx, func(jobCtx context.Context, job domain.TranscriptionJob) error {
				close(started)
				<-ctx.Done()
				return jobCtx.Err()
			})
		}()

		<-started
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return after cancel")
		}
		assert.Equal(t, []uint64{1}, acker.acks)
	})

	t.Run("closed delivery channel is a connection failure", func(t *testing.T) {
		msgs := make(chan amqp.Delivery)
		close(msgs)
		ch := new(MockRabbitChannel)
		ch.On("Consume", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return((<-chan amqp.Delivery)(msgs), nil)

		c := NewConsumer(ch, testConsumerConfig())

		err := c.Run(context.Background(), func(ctx context.Context, job domain.TranscriptionJob) error { return nil })

		assert.ErrorIs(t, err, domain.ErrConnectionFailed)
		assert.False(t, c.Connected())
	})

	t.Run("consume error", func(t *testing.T) {
		ch := new(MockRabbitChannel)
		ch.On("Consume", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(nil, errors.New("NOT_FOUND - no queue"))

		c := NewConsumer(ch, testConsumerConfig())

		err := c.Run(context.Background(), func(ctx context.Context, job domain.TranscriptionJob) error { return nil })
		assert.ErrorIs(t, err, domain.ErrConnectionFailed)
	})
}

func TestConsumer_CloseIsIdempotent(t *testing.T) {
	logger.SetNewNop()
	ch := new(MockRabbitChannel)
	ch.On("Close").Return(nil).Once()

	c := NewConsumer(ch, testConsumerConfig())

	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
	assert.False(t, c.Connected())
	ch.AssertNumberOfCalls(t, "Close", 1)
}
