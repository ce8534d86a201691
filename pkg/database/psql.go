package database

import (
	"context"
	"fmt"
	"time"

	"transcription_worker/pkg/logger"

	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// NewPGConnection create a gorm postgres connection have retry, the connection is pinged
// before it is returned
func NewPGConnection(d Connection) (*gorm.DB, error) {
	var db *gorm.DB
	var err error

	if d.RetryCount < 1 {
		d.RetryCount = 1
	}

	for i := 1; i <= d.RetryCount; i++ {
		db, err = gorm.Open(postgres.Open(d.ConnectStr), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		})
		if err == nil {
			err = pingGorm(db)
		}
		if err == nil {
			logger.Log.Info("PostgreSQL (gorm) connected", zap.Int("attempt", i))
			return db, nil
		}

		logger.Log.Warn(
			"Failed to connect to postgreSQL database, retrying...",
			zap.Int("attempt", i),
			zap.Error(err),
		)
		if i < d.RetryCount {
			time.Sleep(d.RetryInterval)
		}
	}

	return nil, fmt.Errorf("postgreSQL unreachable after %d attempts: %w", d.RetryCount, err)
}

func pingGorm(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

// NewDatabaseConnection create a new postgresSQL pgx pool
func NewDatabaseConnection(d Connection) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool
	var err error

	if d.RetryCount < 1 {
		d.RetryCount = 1
	}

	dbConfig, err := pgxpool.ParseConfig(d.ConnectStr)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres connection string: %w", err)
	}
	// one job at a time, one connection is enough
	dbConfig.MaxConns = 2

	for i := 1; i <= d.RetryCount; i++ {
		pool, err = pgxpool.ConnectConfig(context.Background(), dbConfig)
		if err == nil {
			err = pool.Ping(context.Background())
			if err == nil {
				logger.Log.Info("PostgreSQL (pgx) connected", zap.Int("attempt", i))
				return pool, nil
			}
			pool.Close()
		}
		logger.Log.Warn(
			"Failed to connect to postgreSQL database, retrying...",
			zap.Int("attempt", i),
			zap.Error(err),
		)
		if i < d.RetryCount {
			time.Sleep(d.RetryInterval)
		}
	}

	return nil, fmt.Errorf("postgreSQL unreachable after %d attempts: %w", d.RetryCount, err)
}
