package repository

import (
	"context"
	"errors"

	"transcription_worker/internal/transcription/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

const (
	selectMediaSQL = `SELECT id, project_id, filename, original_s3_key, audio_s3_key, duration, status, error_message
FROM media WHERE id = $1`

	updateStatusSQL = `UPDATE media SET status = $2, updated_at = NOW() WHERE id = $1`

	updateStatusErrorSQL = `UPDATE media SET status = $2, error_message = $3, updated_at = NOW() WHERE id = $1`

	updateStatusClearSQL = `UPDATE media SET status = $2, error_message = NULL, updated_at = NOW() WHERE id = $1`

	insertTranscriptSQL = `INSERT INTO transcripts (id, media_id, text, segments, language, confidence)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`

	createTablesSQL = `
CREATE TABLE IF NOT EXISTS media (
	id uuid PRIMARY KEY,
	project_id uuid,
	filename text,
	original_s3_key text,
	audio_s3_key text,
	duration int,
	status text NOT NULL DEFAULT 'uploading',
	error_message text,
	created_at timestamptz NOT NULL DEFAULT NOW(),
	updated_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS transcripts (
	id uuid PRIMARY KEY,
	media_id uuid NOT NULL,
	text text NOT NULL,
	segments jsonb,
	language text,
	confidence double precision,
	created_at timestamptz NOT NULL DEFAULT NOW()
);`
)

type pgxMediaRepo struct {
	pool *pgxpool.Pool
}

// NewPgxMediaRepo create pgx backed MediaRepo, same contract as the gorm one
func NewPgxMediaRepo(pool *pgxpool.Pool) MediaRepo {
	return &pgxMediaRepo{pool: pool}
}

func (r *pgxMediaRepo) AutoMigrate() error {
	_, err := r.pool.Exec(context.Background(), createTablesSQL)
	return err
}

func (r *pgxMediaRepo) GetByID(ctx context.Context, id string) (*domain.Media, error) {
	var (
		m      domain.Media
		status string
	)
	err := r.pool.QueryRow(ctx, selectMediaSQL, id).Scan(
		&m.ID, &m.ProjectID, &m.Filename, &m.OriginalS3Key,
		&m.AudioS3Key, &m.Duration, &status, &m.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	m.Status = domain.MediaStatus(status)
	return &m, nil
}

func (r *pgxMediaRepo) UpdateStatus(ctx context.Context, id string, status domain.MediaStatus, errMsg string) error {
	var (
		tag commandTag
		err error
	)
	switch {
	case errMsg != "":
		tag, err = r.pool.Exec(ctx, updateStatusErrorSQL, id, string(status), errMsg)
	case status == domain.MediaComplete:
		tag, err = r.pool.Exec(ctx, updateStatusClearSQL, id, string(status))
	default:
		tag, err = r.pool.Exec(ctx, updateStatusSQL, id, string(status))
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *pgxMediaRepo) SaveTranscript(ctx context.Context, t *domain.Transcript) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	segments, err := t.Segments.Value()
	if err != nil {
		return "", err
	}

	var id string
	err = r.pool.QueryRow(ctx, insertTranscriptSQL,
		t.ID, t.MediaID, t.Text, segments, t.Language, t.Confidence,
	).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (r *pgxMediaRepo) Close() error {
	r.pool.Close()
	return nil
}

type commandTag interface {
	RowsAffected() int64
}
