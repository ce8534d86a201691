package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobError(t *testing.T) {
	cause := errors.New("connection reset")
	err := error(NewJobError("M1", StepDownload, ErrStorageUnavailable, cause))

	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "step 2/4 download audio: storage unavailable: connection reset", err.Error())

	var jobErr *JobError
	assert.True(t, errors.As(err, &jobErr))
	assert.Equal(t, "M1", jobErr.MediaID)

	noCause := NewJobError("M1", StepFetchMetadata, ErrNotFound, nil)
	assert.Equal(t, "step 1/4 fetch metadata: not found", noCause.Error())
	assert.ErrorIs(t, noCause, ErrNotFound)
}
