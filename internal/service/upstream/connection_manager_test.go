package upstream

import (
	"testing"
	"time"

	"github.com/krobus00/stream-gateway/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestConnectionLiveness(t *testing.T) {
	assert := assert.New(t)

	current := time.Now()
	manager := NewConnectionManager(map[string]config.ProviderConfig{
		"alpaca": {LivenessWindow: 10 * time.Second},
	})
	manager.now = func() time.Time { return current }

	assert.False(manager.IsConnectionActive("alpaca"), "never seen providers are inactive")

	manager.MarkActive("alpaca")
	assert.True(manager.IsConnectionActive("alpaca"))

	current = current.Add(11 * time.Second)
	assert.False(manager.IsConnectionActive("alpaca"), "silence beyond the window marks the provider down")

	manager.MarkActive("alpaca")
	assert.True(manager.IsConnectionActive("alpaca"))
}

func TestConnectionLivenessDefaultWindow(t *testing.T) {
	assert := assert.New(t)

	current := time.Now()
	manager := NewConnectionManager(nil)
	manager.now = func() time.Time { return current }

	manager.MarkActive("polygon")
	current = current.Add(defaultLivenessWindow - time.Second)
	assert.True(manager.IsConnectionActive("polygon"))

	current = current.Add(2 * time.Second)
	assert.False(manager.IsConnectionActive("polygon"))
}

func TestBatchHealthCheck(t *testing.T) {
	assert := assert.New(t)

	current := time.Now()
	manager := NewConnectionManager(map[string]config.ProviderConfig{
		"alpaca":  {LivenessWindow: 10 * time.Second},
		"polygon": {LivenessWindow: 10 * time.Second},
	})
	manager.now = func() time.Time { return current }

	manager.MarkActive("alpaca")
	manager.MarkActive("unconfigured")

	health := manager.BatchHealthCheck()
	assert.True(health["alpaca"])
	assert.False(health["polygon"], "configured but never seen")
	assert.True(health["unconfigured"], "observed providers are reported even without config")
}
