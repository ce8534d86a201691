package database

import (
	"context"
	"fmt"
	"time"

	"transcription_worker/pkg/logger"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// NewKafkaWriterWithRetry 確認 broker 可連線並可讀到 topic 分區後建立 Writer
func NewKafkaWriterWithRetry(k KafkaConnection) (*kafka.Writer, error) {
	var err error

	if len(k.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if k.RetryCount < 1 {
		k.RetryCount = 1
	}

	for attempt := 1; attempt <= k.RetryCount; attempt++ {
		err = pingKafka(k.Brokers[0], k.Topic)
		if err == nil {
			logger.Log.Info("Kafka writer ready", zap.String("topic", k.Topic), zap.Int("attempt", attempt))
			return &kafka.Writer{
				Addr:         kafka.TCP(k.Brokers...),
				Topic:        k.Topic,
				Balancer:     &kafka.Hash{},
				RequiredAcks: kafka.RequireOne,
				BatchTimeout: 50 * time.Millisecond,
			}, nil
		}

		logger.Log.Warn("Kafka ping failed, retrying...",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", k.RetryCount),
			zap.Error(err),
		)
		if attempt < k.RetryCount {
			time.Sleep(k.RetryInterval)
		}
	}

	return nil, fmt.Errorf("無法建立 Kafka Writer，經過 %d 次嘗試: %w", k.RetryCount, err)
}

func pingKafka(broker, topic string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := kafka.DialContext(ctx, "tcp", broker)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.ReadPartitions(topic)
	return err
}
