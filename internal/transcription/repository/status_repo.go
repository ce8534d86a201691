package repository

import (
	"context"
	"fmt"
	"time"

	"transcription_worker/internal/transcription/domain"
	"transcription_worker/pkg/database"
)

// StatusNotifier receive every media status change the worker makes
type StatusNotifier interface {
	NotifyStatus(ctx context.Context, event domain.StatusEvent) error
}

// RedisStatusRepo keep the latest status of each media under media:status:{id} and
// publish the change on a pub/sub channel for live progress.
type RedisStatusRepo struct {
	repo    database.RedisRepository[domain.StatusEvent]
	channel string
	ttl     time.Duration
}

// NewRedisStatusRepo create RedisStatusRepo
func NewRedisStatusRepo(repo database.RedisRepository[domain.StatusEvent], channel string, ttl time.Duration) *RedisStatusRepo {
	return &RedisStatusRepo{repo: repo, channel: channel, ttl: ttl}
}

// StatusKey redis key of a media status snapshot
func StatusKey(mediaID string) string {
	return fmt.Sprintf("media:status:%s", mediaID)
}

// NotifyStatus store the snapshot first, then publish
func (r *RedisStatusRepo) NotifyStatus(ctx context.Context, event domain.StatusEvent) error {
	if err := r.repo.Set(ctx, StatusKey(event.MediaID), event, r.ttl); err != nil {
		return fmt.Errorf("store status snapshot: %w", err)
	}
	if err := r.repo.Publish(ctx, r.channel, event); err != nil {
		return fmt.Errorf("publish status: %w", err)
	}
	return nil
}
