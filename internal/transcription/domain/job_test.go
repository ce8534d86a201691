package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJob(t *testing.T) {
	t.Run("valid job", func(t *testing.T) {
		body := []byte(`{"mediaId":"M1","userId":"U1","projectId":"P1","s3Key":"audio/M1.mp3","operation":"transcribe"}`)

		job, err := DecodeJob(body)

		require.NoError(t, err)
		assert.Equal(t, TranscriptionJob{
			MediaID:   "M1",
			UserID:    "U1",
			ProjectID: "P1",
			S3Key:     "audio/M1.mp3",
			Operation: OperationTranscribe,
		}, job)
	})

	cases := map[string]string{
		"not json":          `{"mediaId":`,
		"missing mediaId":   `{"s3Key":"a.mp3","operation":"transcribe"}`,
		"missing s3Key":     `{"mediaId":"M1","operation":"transcribe"}`,
		"unknown operation": `{"mediaId":"M1","s3Key":"a.mp3","operation":"extract_audio"}`,
		"empty operation":   `{"mediaId":"M1","s3Key":"a.mp3"}`,
		"path in mediaId":   `{"mediaId":"../etc","s3Key":"a.mp3","operation":"transcribe"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeJob([]byte(body))
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}
