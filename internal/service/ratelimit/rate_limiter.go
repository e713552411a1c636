package ratelimit

import (
	"sync"
	"sync/atomic"

	"github.com/krobus00/stream-gateway/internal/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	defaultMaxQPS    = 10
	defaultBurstSize = 20
)

// ProviderLimiter keeps one token bucket per upstream provider. Refill is
// lazy: rate.Limiter computes available tokens from elapsed time on each
// Allow call, no background timer involved. Exhausting one provider's bucket
// never affects another's.
type ProviderLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	providers map[string]config.ProviderConfig
	hits      atomic.Int64
	misses    atomic.Int64
}

func NewProviderLimiter(providers map[string]config.ProviderConfig) *ProviderLimiter {
	if providers == nil {
		providers = make(map[string]config.ProviderConfig)
	}

	return &ProviderLimiter{
		limiters:  make(map[string]*rate.Limiter),
		providers: providers,
	}
}

// Allow consumes one token from the provider's bucket if available.
func (l *ProviderLimiter) Allow(provider string) bool {
	limiter := l.limiterFor(provider)

	allowed := limiter.Allow()
	if allowed {
		l.hits.Add(1)
	} else {
		l.misses.Add(1)
	}

	return allowed
}

// Counters reports cumulative allowed and denied decisions.
func (l *ProviderLimiter) Counters() (hits, misses int64) {
	return l.hits.Load(), l.misses.Load()
}

func (l *ProviderLimiter) limiterFor(provider string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limiter, ok := l.limiters[provider]; ok {
		return limiter
	}

	maxQPS := float64(defaultMaxQPS)
	burstSize := defaultBurstSize
	if cfg, ok := l.providers[provider]; ok {
		if cfg.MaxQPS > 0 {
			maxQPS = cfg.MaxQPS
		}
		if cfg.BurstSize > 0 {
			burstSize = cfg.BurstSize
		}
	} else {
		logrus.WithField("provider", provider).Warn("no rate limit configured for provider, using defaults")
	}

	limiter := rate.NewLimiter(rate.Limit(maxQPS), burstSize)
	l.limiters[provider] = limiter

	return limiter
}
