package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"transcription_worker/pkg/logger"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ErrRedisNil key not found
var ErrRedisNil = errors.New("redis: key not found")

// RedisRepository 定义接口
type RedisRepository[T any] interface {
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
	Get(ctx context.Context, key string) (T, error)
	Publish(ctx context.Context, channel string, value T) error
}

type redisRepository[T any] struct {
	client *redis.Client
}

// NewRedisClient connect to redis, through sentinel when SentinelAddrs is set
func NewRedisClient(c RedisConnection) (*redis.Client, error) {
	var rdb *redis.Client
	if len(c.SentinelAddrs) > 0 {
		rdb = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    c.MasterName,
			SentinelAddrs: c.SentinelAddrs,
			DB:            c.DB,
		})
	} else {
		rdb = redis.NewClient(&redis.Options{
			Addr: c.Addr,
			DB:   c.DB,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return rdb, nil
}

// NewRedisRepository wrap a client as a JSON value repository
func NewRedisRepository[T any](client *redis.Client) RedisRepository[T] {
	return &redisRepository[T]{client: client}
}

func (r *redisRepository[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return r.client.Set(ctx, key, data, ttl).Err()
}

func (r *redisRepository[T]) Get(ctx context.Context, key string) (T, error) {
	var zeroValue T
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return zeroValue, ErrRedisNil
	} else if err != nil {
		return zeroValue, fmt.Errorf("failed to get %s: %w", key, err)
	}

	var result T
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		logger.Log.Error("redis value decode failed", zap.String("key", key), zap.Error(err))
		return zeroValue, fmt.Errorf("failed to unmarshal value: %w", err)
	}

	return result, nil
}

// Publish 將 value 序列化後，發布到指定 channel
func (r *redisRepository[T]) Publish(ctx context.Context, channel string, value T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, channel, data).Err()
}
