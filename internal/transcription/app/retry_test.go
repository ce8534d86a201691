package app

import (
	"errors"
	"math"
	"testing"

	"transcription_worker/internal/transcription/domain"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
)

func TestDecide(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name       string
		err        error
		retryCount int
		maxRetries int
		want       Disposition
	}{
		{"success", nil, 0, 3, DispositionAck},
		{"success after retries", nil, 3, 3, DispositionAck},
		{"first failure", boom, 0, 3, DispositionRetry},
		{"last retry left", boom, 2, 3, DispositionRetry},
		{"retries exhausted", boom, 3, 3, DispositionDeadLetter},
		{"count above max", boom, 7, 3, DispositionDeadLetter},
		{"no retries configured", boom, 0, 0, DispositionDeadLetter},
		{"error kind is ignored", domain.ErrNotFound, 0, 3, DispositionRetry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.err, tt.retryCount, tt.maxRetries))
		})
	}
}

func TestRetryCount(t *testing.T) {
	tests := []struct {
		name    string
		headers amqp.Table
		want    int
	}{
		{"nil headers", nil, 0},
		{"absent", amqp.Table{"other": "x"}, 0},
		{"int32", amqp.Table{domain.RetryCountHeader: int32(2)}, 2},
		{"int64", amqp.Table{domain.RetryCountHeader: int64(3)}, 3},
		{"int16", amqp.Table{domain.RetryCountHeader: int16(1)}, 1},
		{"uint8", amqp.Table{domain.RetryCountHeader: uint8(4)}, 4},
		{"float64", amqp.Table{domain.RetryCountHeader: float64(2)}, 2},
		{"huge float is capped", amqp.Table{domain.RetryCountHeader: float64(1e20)}, math.MaxInt32},
		{"huge float32 is capped", amqp.Table{domain.RetryCountHeader: float32(1e20)}, math.MaxInt32},
		{"negative float", amqp.Table{domain.RetryCountHeader: float64(-1e20)}, 0},
		{"NaN", amqp.Table{domain.RetryCountHeader: math.NaN()}, 0},
		{"numeric string", amqp.Table{domain.RetryCountHeader: "5"}, 5},
		{"garbage string", amqp.Table{domain.RetryCountHeader: "abc"}, 0},
		{"negative", amqp.Table{domain.RetryCountHeader: int32(-1)}, 0},
		{"wrong type", amqp.Table{domain.RetryCountHeader: true}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RetryCount(tt.headers))
		})
	}
}

func TestWithRetryCount(t *testing.T) {
	orig := amqp.Table{"trace-id": "abc", domain.RetryCountHeader: int32(1)}

	out := withRetryCount(orig, 2)

	assert.Equal(t, int32(2), out[domain.RetryCountHeader])
	assert.Equal(t, "abc", out["trace-id"])
	// 原 header 不被修改
	assert.Equal(t, int32(1), orig[domain.RetryCountHeader])
}

func TestDisposition_String(t *testing.T) {
	assert.Equal(t, "acked", DispositionAck.String())
	assert.Equal(t, "retried", DispositionRetry.String())
	assert.Equal(t, "dead-lettered", DispositionDeadLetter.String())
}
