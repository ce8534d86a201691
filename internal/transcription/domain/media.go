package domain

import "time"

// MediaStatus definition media status
type MediaStatus string

const (
	MediaUploading    MediaStatus = "uploading"
	MediaProcessing   MediaStatus = "processing"
	MediaTranscribing MediaStatus = "transcribing"
	MediaComplete     MediaStatus = "complete"
	MediaFailed       MediaStatus = "failed"
)

// Media 影音紀錄, the table is owned by the API service. The worker only writes
// status, error_message and updated_at.
type Media struct {
	ID            string      `gorm:"primaryKey;type:uuid"`
	ProjectID     string      `gorm:"column:project_id;type:uuid"`
	Filename      string      `gorm:"column:filename"`
	OriginalS3Key string      `gorm:"column:original_s3_key"`
	AudioS3Key    *string     `gorm:"column:audio_s3_key"`
	Duration      *int        `gorm:"column:duration"`
	Status        MediaStatus `gorm:"column:status"`
	ErrorMessage  *string     `gorm:"column:error_message"`
	CreatedAt     time.Time   `gorm:"column:created_at"`
	UpdatedAt     time.Time   `gorm:"column:updated_at"`
}

// TableName gorm table name
func (Media) TableName() string {
	return "media"
}
