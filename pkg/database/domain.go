package database

import (
	"time"
)

// Connection definition sql / broker setting
type Connection struct {
	ConnectStr string

	RetryCount    int
	RetryInterval time.Duration
}

// MinIOConnection definition minio
type MinIOConnection struct {
	Endpoint   string
	User       string
	Password   string
	BucketName string
	Region     string

	RetryCount    int
	RetryInterval time.Duration
}

// KafkaConnection definition kafka
type KafkaConnection struct {
	Brokers []string
	Topic   string

	RetryCount    int
	RetryInterval time.Duration
}

// RedisConnection definition redis, sentinel mode when SentinelAddrs is set
type RedisConnection struct {
	Addr          string
	MasterName    string
	SentinelAddrs []string
	DB            int
}
