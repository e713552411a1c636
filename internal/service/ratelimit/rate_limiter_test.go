package ratelimit

import (
	"testing"

	"github.com/krobus00/stream-gateway/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestProviderLimiterBurst(t *testing.T) {
	assert := assert.New(t)

	limiter := NewProviderLimiter(map[string]config.ProviderConfig{
		"alpaca": {MaxQPS: 1, BurstSize: 3},
	})

	for i := 0; i < 3; i++ {
		assert.True(limiter.Allow("alpaca"), "request %d should fit in the burst", i)
	}
	assert.False(limiter.Allow("alpaca"), "bucket should be exhausted")

	hits, misses := limiter.Counters()
	assert.EqualValues(3, hits)
	assert.EqualValues(1, misses)
}

func TestProviderLimiterIsolation(t *testing.T) {
	assert := assert.New(t)

	limiter := NewProviderLimiter(map[string]config.ProviderConfig{
		"alpaca":  {MaxQPS: 1, BurstSize: 1},
		"polygon": {MaxQPS: 1, BurstSize: 1},
	})

	assert.True(limiter.Allow("alpaca"))
	assert.False(limiter.Allow("alpaca"))

	// exhausting alpaca must not touch polygon's bucket
	assert.True(limiter.Allow("polygon"))
}

func TestProviderLimiterDefaults(t *testing.T) {
	assert := assert.New(t)

	limiter := NewProviderLimiter(nil)

	// unknown providers fall back to the default bucket instead of rejecting
	for i := 0; i < defaultBurstSize; i++ {
		assert.True(limiter.Allow("unknown"))
	}
	assert.False(limiter.Allow("unknown"))
}
