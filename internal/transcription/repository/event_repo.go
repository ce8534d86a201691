package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"transcription_worker/internal/transcription/domain"

	"github.com/segmentio/kafka-go"
)

// EventPublisher announce finished transcripts to downstream consumers (search indexing)
type EventPublisher interface {
	PublishCompleted(ctx context.Context, event domain.TranscriptCompletedEvent) error
	Close() error
}

// KafkaMessageWriter the part of *kafka.Writer used here
type KafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaEventRepo write TranscriptCompletedEvent keyed by media id
type KafkaEventRepo struct {
	writer KafkaMessageWriter
}

// NewKafkaEventRepo create KafkaEventRepo
func NewKafkaEventRepo(writer KafkaMessageWriter) *KafkaEventRepo {
	return &KafkaEventRepo{writer: writer}
}

// PublishCompleted 以 mediaId 為 key, 同一媒體的事件落在同一分區
func (r *KafkaEventRepo) PublishCompleted(ctx context.Context, event domain.TranscriptCompletedEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal completed event: %w", err)
	}
	return r.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.MediaID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte("transcript.completed")},
		},
	})
}

func (r *KafkaEventRepo) Close() error {
	return r.writer.Close()
}
