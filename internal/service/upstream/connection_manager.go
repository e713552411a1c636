package upstream

import (
	"sync"
	"time"

	"github.com/krobus00/stream-gateway/internal/config"
)

const defaultLivenessWindow = 30 * time.Second

// ConnectionManager tracks per-provider upstream liveness from observed tick
// traffic. A provider counts as active while ticks keep arriving inside its
// liveness window; silence beyond the window marks it down without any
// explicit disconnect signal.
type ConnectionManager struct {
	mu        sync.RWMutex
	lastTick  map[string]time.Time
	providers map[string]config.ProviderConfig
	now       func() time.Time
}

func NewConnectionManager(providers map[string]config.ProviderConfig) *ConnectionManager {
	if providers == nil {
		providers = make(map[string]config.ProviderConfig)
	}

	return &ConnectionManager{
		lastTick:  make(map[string]time.Time),
		providers: providers,
		now:       time.Now,
	}
}

// MarkActive records a traffic observation for the provider.
func (m *ConnectionManager) MarkActive(provider string) {
	if provider == "" {
		return
	}

	m.mu.Lock()
	m.lastTick[provider] = m.now()
	m.mu.Unlock()
}

// IsConnectionActive reports whether the provider produced traffic within its
// liveness window. A provider never seen is inactive.
func (m *ConnectionManager) IsConnectionActive(provider string) bool {
	m.mu.RLock()
	last, seen := m.lastTick[provider]
	m.mu.RUnlock()

	if !seen {
		return false
	}

	return m.now().Sub(last) <= m.livenessWindow(provider)
}

// BatchHealthCheck reports activity for every configured or observed provider.
func (m *ConnectionManager) BatchHealthCheck() map[string]bool {
	m.mu.RLock()
	names := make(map[string]struct{}, len(m.providers)+len(m.lastTick))
	for name := range m.providers {
		names[name] = struct{}{}
	}
	for name := range m.lastTick {
		names[name] = struct{}{}
	}
	m.mu.RUnlock()

	health := make(map[string]bool, len(names))
	for name := range names {
		health[name] = m.IsConnectionActive(name)
	}

	return health
}

func (m *ConnectionManager) livenessWindow(provider string) time.Duration {
	if cfg, ok := m.providers[provider]; ok && cfg.LivenessWindow > 0 {
		return cfg.LivenessWindow
	}
	return defaultLivenessWindow
}
