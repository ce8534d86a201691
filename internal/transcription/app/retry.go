package app

import (
	"math"
	"strconv"

	"transcription_worker/internal/transcription/domain"

	"github.com/streadway/amqp"
)

// Disposition what the consumer does with a delivery once the handler returned
type Disposition int

const (
	DispositionAck Disposition = iota
	DispositionRetry
	DispositionDeadLetter
)

func (d Disposition) String() string {
	switch d {
	case DispositionAck:
		return "acked"
	case DispositionRetry:
		return "retried"
	case DispositionDeadLetter:
		return "dead-lettered"
	}
	return "unknown"
}

// Decide 成功就 ack, 失敗時只看 retry 次數, 與錯誤種類無關
func Decide(err error, retryCount, maxRetries int) Disposition {
	if err == nil {
		return DispositionAck
	}
	if retryCount < maxRetries {
		return DispositionRetry
	}
	return DispositionDeadLetter
}

// RetryCount read x-retry-count from delivery headers, 0 when absent or not a usable number
func RetryCount(headers amqp.Table) int {
	if headers == nil {
		return 0
	}
	var n int64
	switch v := headers[domain.RetryCountHeader].(type) {
	case int8:
		n = int64(v)
	case int16:
		n = int64(v)
	case int32:
		n = int64(v)
	case int64:
		n = v
	case int:
		n = int64(v)
	case uint8:
		n = int64(v)
	case uint16:
		n = int64(v)
	case uint32:
		n = int64(v)
	case float32:
		n = floatCount(float64(v))
	case float64:
		n = floatCount(v)
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0
		}
		n = parsed
	default:
		return 0
	}
	if n < 0 {
		return 0
	}
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(n)
}

// floatCount clamp before converting, float to int64 overflow is implementation-defined
func floatCount(f float64) int64 {
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	if f >= math.MaxInt32 {
		return math.MaxInt32
	}
	return int64(f)
}

// withRetryCount copy of headers with x-retry-count set to n (int32 is a valid AMQP table value)
func withRetryCount(headers amqp.Table, n int) amqp.Table {
	out := make(amqp.Table, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}
	out[domain.RetryCountHeader] = int32(n)
	return out
}
