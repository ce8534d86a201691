package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"transcription_worker/internal/transcription/app"
	"transcription_worker/internal/transcription/domain"
	"transcription_worker/internal/transcription/engine"
	"transcription_worker/internal/transcription/repository"
	"transcription_worker/pkg/config"
	"transcription_worker/pkg/database"
	"transcription_worker/pkg/logger"

	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger.Log = logger.Initialize(config.EnvConfig.Transcription, config.EnvConfig.TranscriptionLogPath)
	defer logger.Log.Sync()

	cfg, err := config.LoadTranscription(config.EnvConfig.Transcription, config.EnvConfig.TranscriptionYAMLPath)
	if err != nil {
		logger.Log.Fatal("Failed to load config", zap.Error(err))
	}
	logger.Log.SetDebugMode(cfg.Debug)

	// SIGINT / SIGTERM: 停止拉取新訊息, 進行中的工作會做完
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. 連線 PostgreSQL
	mediaRepo := newMediaRepo(cfg.PostgreSQL)
	defer mediaRepo.Close()

	if cfg.PostgreSQL.AutoMigrate {
		if err := mediaRepo.AutoMigrate(); err != nil {
			logger.Log.Fatal("Migration failed", zap.Error(err))
		}
	}

	// 2. 初始化 MinIO 客戶端
	minioClient, err := database.NewMinIOConnection(database.MinIOConnection{
		Endpoint:   cfg.MinIO.Endpoint,
		User:       cfg.MinIO.AccessKey,
		Password:   cfg.MinIO.SecretKey,
		BucketName: cfg.MinIO.Bucket,
		Region:     cfg.MinIO.Region,

		RetryCount:    cfg.MinIO.RetryCount,
		RetryInterval: seconds(cfg.MinIO.RetryInterval),
	})
	if err != nil {
		logger.Log.Fatal("Unable to connect to minio after retries",
			zap.String("endpoint", cfg.MinIO.Endpoint),
			zap.Error(err),
		)
	}

	if err := os.MkdirAll(cfg.Worker.TempDir, 0755); err != nil {
		logger.Log.Fatal("Failed to create temp dir", zap.String("dir", cfg.Worker.TempDir), zap.Error(err))
	}

	// 3. 載入 whisper 模型
	whisper, err := engine.NewWhisperEngine(ctx, engine.WhisperConfig{
		PythonPath: cfg.Whisper.PythonPath,
		Script:     cfg.Whisper.Script,
		Model:      cfg.Whisper.Model,
		Language:   cfg.Whisper.Language,
		Device:     cfg.Whisper.Device,
		Timeout:    cfg.Whisper.Timeout(),
	})
	if err != nil {
		logger.Log.Fatal("Failed to initialize transcription engine", zap.Error(err))
	}
	defer whisper.Close()

	// 4. 選用: redis 狀態通知, kafka 完成事件
	notifier := newStatusNotifier(cfg.Redis)
	events := newEventPublisher(cfg.Kafka)
	if events != nil {
		defer events.Close()
	}

	// 5. RabbitMQ
	consumer, err := app.Dial(database.Connection{
		ConnectStr:    cfg.RabbitMQ.URL,
		RetryCount:    cfg.RabbitMQ.RetryCount,
		RetryInterval: seconds(cfg.RabbitMQ.RetryInterval),
	}, app.ConsumerConfig{
		Queue:              cfg.RabbitMQ.Queue,
		DeadLetterExchange: cfg.RabbitMQ.DeadLetterExchange(),
		DeadLetterQueue:    cfg.RabbitMQ.DeadLetterQueue,
		MessageTTL:         time.Duration(cfg.RabbitMQ.MessageTTLMs) * time.Millisecond,
		Prefetch:           cfg.RabbitMQ.Prefetch,
		MaxRetries:         cfg.Worker.MaxRetries,
		RetryDelay:         cfg.Worker.RetryDelay(),
	})
	if err != nil {
		logger.Log.Fatal("RabbitMQ connection failed", zap.Error(err))
	}
	defer consumer.Close()

	if err := consumer.Setup(); err != nil {
		logger.Log.Fatal("RabbitMQ topology setup failed", zap.Error(err))
	}

	if cfg.Health.Enabled {
		healthApp := app.NewHealthServer(consumer)
		addr := fmt.Sprintf("%s:%s", cfg.Health.IP, cfg.Health.Port)
		go func() {
			if err := healthApp.Listen(addr); err != nil {
				logger.Log.Error("Health server stopped", zap.String("address", addr), zap.Error(err))
			}
		}()
		defer healthApp.Shutdown()
	}

	processor := app.NewJobProcessor(mediaRepo, minioClient, whisper, notifier, events, cfg.Worker.TempDir)

	logger.Log.Info("Transcription worker started",
		zap.String("queue", cfg.RabbitMQ.Queue),
		zap.Int("prefetch", cfg.RabbitMQ.Prefetch),
		zap.String("model", cfg.Whisper.Model),
		zap.String("device", whisper.Device()),
		zap.Int("max_retries", cfg.Worker.MaxRetries),
		zap.String("temp_dir", cfg.Worker.TempDir),
	)

	if err := consumer.Run(ctx, processor.Process); err != nil {
		logger.Log.Error("Consumer stopped", zap.Error(err))
		return 1
	}

	logger.Log.Info("Transcription worker stopped")
	return 0
}

func newMediaRepo(pg config.DatabaseConfig) repository.MediaRepo {
	conn := database.Connection{
		ConnectStr:    pg.DSN(),
		RetryCount:    pg.RetryCount,
		RetryInterval: seconds(pg.RetryInterval),
	}

	switch pg.Driver {
	case "pgx":
		pool, err := database.NewDatabaseConnection(conn)
		if err != nil {
			logger.Log.Fatal("Unable to connect to postgreSQL database after retries",
				zap.String("host", pg.Host),
				zap.Error(err),
			)
		}
		return repository.NewPgxMediaRepo(pool)
	default:
		db, err := database.NewPGConnection(conn)
		if err != nil {
			logger.Log.Fatal("Unable to connect to postgreSQL database after retries",
				zap.String("host", pg.Host),
				zap.Error(err),
			)
		}
		return repository.NewMediaRepo(db)
	}
}

// newStatusNotifier nil when redis is disabled or unreachable, notifications are best-effort
func newStatusNotifier(rc config.RedisConfig) repository.StatusNotifier {
	if !rc.Enabled {
		return nil
	}
	client, err := database.NewRedisClient(database.RedisConnection{
		Addr:          rc.Addr,
		MasterName:    rc.MasterName,
		SentinelAddrs: rc.SentinelAddrs,
		DB:            rc.RedisDB,
	})
	if err != nil {
		logger.Log.Warn("Redis unavailable, status notifications disabled", zap.Error(err))
		return nil
	}
	repo := database.NewRedisRepository[domain.StatusEvent](client)
	return repository.NewRedisStatusRepo(repo, rc.Channel, seconds(rc.StatusTTLSec))
}

// newEventPublisher nil when kafka is disabled or unreachable
func newEventPublisher(kc config.KafkaConfig) repository.EventPublisher {
	if !kc.Enabled {
		return nil
	}
	writer, err := database.NewKafkaWriterWithRetry(database.KafkaConnection{
		Brokers:       kc.Brokers,
		Topic:         kc.Topic,
		RetryCount:    kc.RetryCount,
		RetryInterval: seconds(kc.RetryInterval),
	})
	if err != nil {
		logger.Log.Warn("Kafka unavailable, completion events disabled", zap.Error(err))
		return nil
	}
	return repository.NewKafkaEventRepo(writer)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
