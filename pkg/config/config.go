package config

import (
	"fmt"
	"time"
)

// Transcription definition transcription_worker YAML structure
type Transcription struct {
	RabbitMQ   RabbitMQConfig `mapstructure:"rabbitmq"`
	MinIO      MinIOConfig    `mapstructure:"minio"`
	PostgreSQL DatabaseConfig `mapstructure:"pg"`
	Whisper    WhisperConfig  `mapstructure:"whisper"`
	Worker     WorkerConfig   `mapstructure:"worker"`
	Redis      RedisConfig    `mapstructure:"redis"`
	Kafka      KafkaConfig    `mapstructure:"kafka"`
	Health     HealthConfig   `mapstructure:"health"`
	Debug      bool           `mapstructure:"debug"`
}

// RabbitMQConfig definition broker setting
type RabbitMQConfig struct {
	URL             string `mapstructure:"url"`
	Queue           string `mapstructure:"queue"`
	Exchange        string `mapstructure:"exchange"`
	DeadLetterQueue string `mapstructure:"dead_letter_queue"`
	Prefetch        int    `mapstructure:"prefetch"`
	MessageTTLMs    int    `mapstructure:"message_ttl_ms"`
	RetryInterval   int    `mapstructure:"retry_interval"`
	RetryCount      int    `mapstructure:"retry_count"`
}

// DeadLetterExchange name of the exchange the work queue dead-letters into
func (r RabbitMQConfig) DeadLetterExchange() string {
	return r.Exchange + ".dlx"
}

// MinIOConfig definition object storage setting
type MinIOConfig struct {
	Endpoint      string `mapstructure:"endpoint"`
	Bucket        string `mapstructure:"bucket"`
	AccessKey     string `mapstructure:"access_key"`
	SecretKey     string `mapstructure:"secret_key"`
	Region        string `mapstructure:"region"`
	RetryInterval int    `mapstructure:"retry_interval"`
	RetryCount    int    `mapstructure:"retry_count"`
}

// DatabaseConfig definition db setting
type DatabaseConfig struct {
	Driver        string `mapstructure:"driver"`
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	User          string `mapstructure:"user"`
	Password      string `mapstructure:"password"`
	Database      string `mapstructure:"database"`
	SSLMode       string `mapstructure:"sslmode"`
	AutoMigrate   bool   `mapstructure:"auto_migrate"`
	RetryInterval int    `mapstructure:"retry_interval"`
	RetryCount    int    `mapstructure:"retry_count"`
}

// DSN postgres keyword/value connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		d.Host, d.User, d.Password, d.Database, d.Port, d.SSLMode)
}

// WhisperConfig definition transcription engine setting
type WhisperConfig struct {
	Model      string `mapstructure:"model"`
	Language   string `mapstructure:"language"`
	Device     string `mapstructure:"device"`
	PythonPath string `mapstructure:"python_path"`
	Script     string `mapstructure:"script"`
	TimeoutSec int    `mapstructure:"timeout_sec"`
}

// Timeout upper bound of a single engine run, zero means no limit
func (w WhisperConfig) Timeout() time.Duration {
	return time.Duration(w.TimeoutSec) * time.Second
}

// WorkerConfig definition job pipeline setting
type WorkerConfig struct {
	TempDir       string `mapstructure:"temp_dir"`
	MaxRetries    int    `mapstructure:"max_retries"`
	RetryDelaySec int    `mapstructure:"retry_delay_sec"`
}

// RetryDelay wait before a failed job is republished
func (w WorkerConfig) RetryDelay() time.Duration {
	return time.Duration(w.RetryDelaySec) * time.Second
}

// RedisConfig definition redis setting
type RedisConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Addr          string   `mapstructure:"addr"`
	MasterName    string   `mapstructure:"master_name"`
	SentinelAddrs []string `mapstructure:"sentinel_addrs"`
	RedisDB       int      `mapstructure:"redis_db"`
	StatusTTLSec  int      `mapstructure:"status_ttl_sec"`
	Channel       string   `mapstructure:"channel"`
}

// KafkaConfig definition kafka setting
type KafkaConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Brokers       []string `mapstructure:"brokers"`
	Topic         string   `mapstructure:"topic"`
	RetryInterval int      `mapstructure:"retry_interval"`
	RetryCount    int      `mapstructure:"retry_count"`
}

// HealthConfig definition health http setting
type HealthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	IP      string `mapstructure:"ip"`
	Port    string `mapstructure:"port"`
}
