package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"transcription_worker/internal/transcription/domain"
	"transcription_worker/internal/transcription/engine"
	"transcription_worker/internal/transcription/repository"
	"transcription_worker/pkg/database"
	"transcription_worker/pkg/logger"

	"go.uber.org/zap"
)

const defaultAudioExt = ".mp3"

// JobProcessor 轉錄流程:
// 1. 讀取 media 資料
// 2. 從 MinIO 下載音訊到暫存檔
// 3. 執行轉錄
// 4. 寫入 transcript, 狀態改為 complete
// 任何一步失敗都會標記 failed, 暫存檔一定會被刪除
type JobProcessor struct {
	store    repository.MediaRepo
	storage  database.MinIOClientRepo
	engine   engine.Engine
	notifier repository.StatusNotifier
	events   repository.EventPublisher
	tempDir  string
}

// NewJobProcessor notifier and events are optional, pass nil to disable them
func NewJobProcessor(
	store repository.MediaRepo,
	storage database.MinIOClientRepo,
	eng engine.Engine,
	notifier repository.StatusNotifier,
	events repository.EventPublisher,
	tempDir string,
) *JobProcessor {
	return &JobProcessor{
		store:    store,
		storage:  storage,
		engine:   eng,
		notifier: notifier,
		events:   events,
		tempDir:  tempDir,
	}
}

// AudioPath local temp path of a job's audio: <tempDir>/<mediaId>-audio<ext of s3Key>
func AudioPath(tempDir string, job domain.TranscriptionJob) string {
	ext := filepath.Ext(job.S3Key)
	if ext == "" {
		ext = defaultAudioExt
	}
	return filepath.Join(tempDir, job.MediaID+"-audio"+ext)
}

// Process run the four steps for one job. The returned error is a *domain.JobError.
func (p *JobProcessor) Process(ctx context.Context, job domain.TranscriptionJob) (err error) {
	start := time.Now()
	audioPath := AudioPath(p.tempDir, job)

	defer p.removeTemp(job.MediaID, audioPath)
	defer func() {
		if err != nil {
			p.markFailed(ctx, job.MediaID, err)
		}
	}()

	// 1. metadata
	media, err := p.store.GetByID(ctx, job.MediaID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.NewJobError(job.MediaID, domain.StepFetchMetadata, domain.ErrNotFound,
				fmt.Errorf("media %s does not exist", job.MediaID))
		}
		return domain.NewJobError(job.MediaID, domain.StepFetchMetadata, domain.ErrConnectionFailed, err)
	}
	logger.Log.Info("Media found",
		zap.String("media_id", media.ID),
		zap.String("filename", media.Filename),
		zap.String("status", string(media.Status)),
	)

	// 2. download
	if err := p.storage.DownloadFile(ctx, job.S3Key, audioPath); err != nil {
		return domain.NewJobError(job.MediaID, domain.StepDownload, domain.ErrStorageUnavailable,
			p.describeDownloadError(ctx, job.S3Key, err))
	}
	logger.Log.Info("Audio downloaded", zap.String("media_id", job.MediaID), zap.String("path", audioPath))

	p.setAdvisoryStatus(ctx, job.MediaID, domain.MediaTranscribing)

	// 3. transcribe
	transcribeStart := time.Now()
	result, err := p.engine.Transcribe(ctx, audioPath)
	if err != nil {
		return domain.NewJobError(job.MediaID, domain.StepTranscribe, domain.ErrTranscriptionFailed, err)
	}
	logger.Log.Info("Audio transcribed",
		zap.String("media_id", job.MediaID),
		zap.Duration("took", time.Since(transcribeStart)),
		zap.Int("segments", len(result.Segments)),
		zap.Float64("confidence", result.Confidence),
	)

	// 4. persist
	transcriptID, err := p.store.SaveTranscript(ctx, &domain.Transcript{
		MediaID:    job.MediaID,
		Text:       result.Text,
		Segments:   domain.Segments(result.Segments),
		Language:   result.Language,
		Confidence: result.Confidence,
	})
	if err != nil {
		return domain.NewJobError(job.MediaID, domain.StepPersist, domain.ErrPersistenceFailed, err)
	}
	if err := p.store.UpdateStatus(ctx, job.MediaID, domain.MediaComplete, ""); err != nil {
		return domain.NewJobError(job.MediaID, domain.StepPersist, domain.ErrPersistenceFailed, err)
	}

	p.notify(ctx, job.MediaID, domain.MediaComplete, "")
	p.publishCompleted(ctx, job, media, transcriptID, result)

	logger.Log.Info("Transcript saved",
		zap.String("media_id", job.MediaID),
		zap.String("transcript_id", transcriptID),
		zap.Duration("total", time.Since(start)),
	)
	return nil
}

// describeDownloadError ask storage whether the object is there at all
func (p *JobProcessor) describeDownloadError(ctx context.Context, key string, err error) error {
	exists, existsErr := p.storage.ObjectExists(ctx, key)
	if existsErr == nil && !exists {
		return fmt.Errorf("object %s does not exist: %w", key, err)
	}
	return err
}

func (p *JobProcessor) setAdvisoryStatus(ctx context.Context, mediaID string, status domain.MediaStatus) {
	if err := p.store.UpdateStatus(ctx, mediaID, status, ""); err != nil {
		logger.Log.Warn("Status update failed, continuing",
			zap.String("media_id", mediaID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
		return
	}
	p.notify(ctx, mediaID, status, "")
}

// markFailed best-effort, never replaces the job error
func (p *JobProcessor) markFailed(ctx context.Context, mediaID string, jobErr error) {
	logger.Log.Error("Job failed", zap.String("media_id", mediaID), zap.Error(jobErr))

	if err := p.store.UpdateStatus(ctx, mediaID, domain.MediaFailed, jobErr.Error()); err != nil {
		logger.Log.Error("Failed to record failed status",
			zap.String("media_id", mediaID),
			zap.Error(err),
		)
	}
	p.notify(ctx, mediaID, domain.MediaFailed, jobErr.Error())
}

func (p *JobProcessor) removeTemp(mediaID, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Log.Warn("Failed to remove temp file",
			zap.String("media_id", mediaID),
			zap.String("path", path),
			zap.Error(err),
		)
	}
}

func (p *JobProcessor) notify(ctx context.Context, mediaID string, status domain.MediaStatus, errMsg string) {
	if p.notifier == nil {
		return
	}
	event := domain.StatusEvent{MediaID: mediaID, Status: status, Error: errMsg, UpdatedAt: time.Now().UTC()}
	if err := p.notifier.NotifyStatus(ctx, event); err != nil {
		logger.Log.Warn("Status notification failed", zap.String("media_id", mediaID), zap.Error(err))
	}
}

func (p *JobProcessor) publishCompleted(ctx context.Context, job domain.TranscriptionJob, media *domain.Media, transcriptID string, result *domain.TranscriptResult) {
	if p.events == nil {
		return
	}
	projectID := job.ProjectID
	if projectID == "" {
		projectID = media.ProjectID
	}
	event := domain.TranscriptCompletedEvent{
		MediaID:      job.MediaID,
		UserID:       job.UserID,
		ProjectID:    projectID,
		TranscriptID: transcriptID,
		Language:     result.Language,
		Confidence:   result.Confidence,
		Segments:     len(result.Segments),
		CompletedAt:  time.Now().UTC(),
	}
	if err := p.events.PublishCompleted(ctx, event); err != nil {
		logger.Log.Warn("Completed event not published", zap.String("media_id", job.MediaID), zap.Error(err))
	}
}
