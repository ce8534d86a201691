package repository

import (
	"context"
	"errors"
	"time"

	"transcription_worker/internal/transcription/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MediaRepo metadata store used by the job pipeline
type MediaRepo interface {
	AutoMigrate() error
	GetByID(ctx context.Context, id string) (*domain.Media, error)
	UpdateStatus(ctx context.Context, id string, status domain.MediaStatus, errMsg string) error
	SaveTranscript(ctx context.Context, t *domain.Transcript) (string, error)
	Close() error
}

type mediaRepo struct {
	db *gorm.DB
}

// NewMediaRepo create gorm backed MediaRepo
func NewMediaRepo(db *gorm.DB) MediaRepo {
	return &mediaRepo{db: db}
}

// AutoMigrate only meant for local development, in production the API service owns the schema
func (r *mediaRepo) AutoMigrate() error {
	return r.db.AutoMigrate(&domain.Media{}, &domain.Transcript{})
}

// GetByID gorm.ErrRecordNotFound is reported as domain.ErrNotFound
func (r *mediaRepo) GetByID(ctx context.Context, id string) (*domain.Media, error) {
	var m domain.Media
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

// UpdateStatus 只更新 status / error_message / updated_at
func (r *mediaRepo) UpdateStatus(ctx context.Context, id string, status domain.MediaStatus, errMsg string) error {
	res := r.db.WithContext(ctx).
		Model(&domain.Media{}).
		Where("id = ?", id).
		Updates(statusColumns(status, errMsg))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SaveTranscript insert a new transcript row and return its id
func (r *mediaRepo) SaveTranscript(ctx context.Context, t *domain.Transcript) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if err := r.db.WithContext(ctx).Create(t).Error; err != nil {
		return "", err
	}
	return t.ID, nil
}

func (r *mediaRepo) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// statusColumns failed records the error, complete clears a stale one from an earlier attempt
func statusColumns(status domain.MediaStatus, errMsg string) map[string]any {
	cols := map[string]any{
		"status":     status,
		"updated_at": time.Now(),
	}
	switch {
	case errMsg != "":
		cols["error_message"] = errMsg
	case status == domain.MediaComplete:
		cols["error_message"] = nil
	}
	return cols
}
