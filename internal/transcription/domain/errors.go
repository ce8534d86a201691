package domain

import (
	"errors"
	"fmt"
)

// Error kinds. A pipeline failure unwraps to exactly one of the first four.
var (
	ErrNotFound            = errors.New("not found")
	ErrStorageUnavailable  = errors.New("storage unavailable")
	ErrTranscriptionFailed = errors.New("transcription failed")
	ErrPersistenceFailed   = errors.New("persistence failed")
	ErrMalformedMessage    = errors.New("malformed message")
	ErrConnectionFailed    = errors.New("connection failed")
)

// Step pipeline step of a job
type Step int

const (
	StepFetchMetadata Step = iota + 1
	StepDownload
	StepTranscribe
	StepPersist
)

// TotalSteps number of pipeline steps
const TotalSteps = 4

func (s Step) String() string {
	switch s {
	case StepFetchMetadata:
		return "fetch metadata"
	case StepDownload:
		return "download audio"
	case StepTranscribe:
		return "transcribe"
	case StepPersist:
		return "persist transcript"
	}
	return fmt.Sprintf("step(%d)", int(s))
}

// JobError a failed pipeline step. errors.Is matches both Kind and Cause.
type JobError struct {
	MediaID string
	Step    Step
	Kind    error
	Cause   error
}

// NewJobError build a JobError
func NewJobError(mediaID string, step Step, kind, cause error) *JobError {
	return &JobError{MediaID: mediaID, Step: step, Kind: kind, Cause: cause}
}

func (e *JobError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("step %d/%d %s: %v", e.Step, TotalSteps, e.Step, e.Kind)
	}
	return fmt.Sprintf("step %d/%d %s: %v: %v", e.Step, TotalSteps, e.Step, e.Kind, e.Cause)
}

// Unwrap expose kind and cause to errors.Is / errors.As
func (e *JobError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}
