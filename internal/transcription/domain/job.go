package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// OperationTranscribe the only operation this worker accepts
	OperationTranscribe = "transcribe"
	// RetryCountHeader AMQP header carrying how many times a job was republished
	RetryCountHeader = "x-retry-count"
)

// TranscriptionJob 轉錄工作訊息 (queue body)
type TranscriptionJob struct {
	MediaID   string `json:"mediaId"`
	UserID    string `json:"userId"`
	ProjectID string `json:"projectId"`
	S3Key     string `json:"s3Key"`
	Operation string `json:"operation"`
}

// DecodeJob parse and validate a queue body. Every failure wraps ErrMalformedMessage.
func DecodeJob(body []byte) (TranscriptionJob, error) {
	var job TranscriptionJob
	if err := json.Unmarshal(body, &job); err != nil {
		return job, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := job.Validate(); err != nil {
		return job, err
	}
	return job, nil
}

// Validate check required fields and operation
func (j TranscriptionJob) Validate() error {
	switch {
	case j.MediaID == "":
		return fmt.Errorf("%w: mediaId is required", ErrMalformedMessage)
	case strings.ContainsAny(j.MediaID, `/\`) || strings.Contains(j.MediaID, ".."):
		return fmt.Errorf("%w: mediaId %q is not a plain identifier", ErrMalformedMessage, j.MediaID)
	case j.S3Key == "":
		return fmt.Errorf("%w: s3Key is required", ErrMalformedMessage)
	case j.Operation != OperationTranscribe:
		return fmt.Errorf("%w: unsupported operation %q", ErrMalformedMessage, j.Operation)
	}
	return nil
}
