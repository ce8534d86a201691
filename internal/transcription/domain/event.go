package domain

import "time"

// StatusEvent media status change, published for live progress
type StatusEvent struct {
	MediaID   string      `json:"mediaId"`
	Status    MediaStatus `json:"status"`
	Error     string      `json:"error,omitempty"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// TranscriptCompletedEvent emitted once per successful job
type TranscriptCompletedEvent struct {
	MediaID      string    `json:"mediaId"`
	UserID       string    `json:"userId"`
	ProjectID    string    `json:"projectId"`
	TranscriptID string    `json:"transcriptId"`
	Language     string    `json:"language"`
	Confidence   float64   `json:"confidence"`
	Segments     int       `json:"segments"`
	CompletedAt  time.Time `json:"completedAt"`
}
