package pkg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", Truncate("  hello  ", 10))
	assert.Equal(t, "he...", Truncate("hello", 2))
	assert.Equal(t, "你好...", Truncate("你好世界", 2))
}

func TestContains(t *testing.T) {
	assert.True(t, Contains([]string{"cpu", "cuda"}, "cuda"))
	assert.False(t, Contains([]string{"cpu"}, "tpu"))
	assert.False(t, Contains(nil, "cpu"))
}
