package subscription

import (
	"testing"
	"time"

	"github.com/krobus00/stream-gateway/internal/entity"
	"github.com/stretchr/testify/assert"
)

func noopDeliver(payload any) error {
	return nil
}

func TestRegistrySubscribe(t *testing.T) {
	assert := assert.New(t)

	registry := NewRegistry()
	registry.Subscribe("client-1", []string{"AAPL.US", "MSFT.US"}, "tick", "alpaca", noopDeliver)

	sub := registry.GetSubscription("client-1")
	assert.NotNil(sub)
	assert.Equal("alpaca", sub.Provider)
	assert.Equal("tick", sub.Capability)
	assert.ElementsMatch([]string{"AAPL.US", "MSFT.US"}, sub.SymbolList())

	// re-subscribing the same symbol must not duplicate anything
	registry.Subscribe("client-1", []string{"AAPL.US", "TSLA.US"}, "tick", "alpaca", noopDeliver)
	assert.ElementsMatch([]string{"AAPL.US", "MSFT.US", "TSLA.US"}, registry.GetSymbols("client-1"))

	stats := registry.Stats()
	assert.Equal(1, stats.TotalClients)
	assert.Equal(3, stats.TotalSymbols)
	assert.Equal(3, stats.TotalSubscriptions)
	assert.Equal(1, stats.ClientsByProvider["alpaca"])
}

func TestRegistrySubscribeIgnoresInvalid(t *testing.T) {
	assert := assert.New(t)

	registry := NewRegistry()
	registry.Subscribe("", []string{"AAPL.US"}, "tick", "alpaca", noopDeliver)
	registry.Subscribe("client-1", nil, "tick", "alpaca", noopDeliver)

	assert.Equal(0, registry.Stats().TotalClients)
}

func TestRegistryUnsubscribe(t *testing.T) {
	assert := assert.New(t)

	registry := NewRegistry()
	registry.Subscribe("client-1", []string{"AAPL.US", "MSFT.US"}, "tick", "alpaca", noopDeliver)
	registry.Subscribe("client-2", []string{"AAPL.US"}, "tick", "alpaca", noopDeliver)

	registry.Unsubscribe("client-1", []string{"MSFT.US"})
	assert.ElementsMatch([]string{"AAPL.US"}, registry.GetSymbols("client-1"))

	// removing the last symbol drops the client entirely
	registry.Unsubscribe("client-1", []string{"AAPL.US"})
	assert.Nil(registry.GetSubscription("client-1"))

	// the shared symbol must still route to the remaining client
	subscribers := registry.ListSubscribers("AAPL.US")
	assert.Len(subscribers, 1)
	assert.Equal("client-2", subscribers[0].ClientID)

	// unknown client is a no-op
	registry.Unsubscribe("ghost", nil)
	assert.Equal(1, registry.Stats().TotalClients)
}

func TestRegistryUnsubscribeAll(t *testing.T) {
	assert := assert.New(t)

	registry := NewRegistry()
	registry.Subscribe("client-1", []string{"AAPL.US", "MSFT.US"}, "tick", "alpaca", noopDeliver)

	registry.Unsubscribe("client-1", nil)

	assert.Nil(registry.GetSubscription("client-1"))
	assert.Empty(registry.ListSubscribers("AAPL.US"))
	assert.Equal(0, registry.Stats().TotalSymbols)
}

func TestRegistryChangeEvents(t *testing.T) {
	assert := assert.New(t)

	registry := NewRegistry()

	events := make([]entity.SubscriptionChangeEvent, 0)
	registry.OnChange(func(event entity.SubscriptionChangeEvent) {
		events = append(events, event)
	})

	registry.Subscribe("client-1", []string{"AAPL.US"}, "tick", "alpaca", noopDeliver)
	registry.Subscribe("client-1", []string{"MSFT.US"}, "tick", "alpaca", noopDeliver)
	registry.Unsubscribe("client-1", []string{"AAPL.US"})
	registry.Unsubscribe("client-1", []string{"AAPL.US"}) // already removed, no event

	assert.Len(events, 3)
	assert.Equal(entity.SubscriptionAdded, events[0].Action)
	assert.Equal(entity.SubscriptionUpdated, events[1].Action)
	assert.Equal(entity.SubscriptionRemoved, events[2].Action)
	assert.Equal([]string{"AAPL.US"}, events[2].Symbols)
}

func TestRegistryChangeListenerIsolation(t *testing.T) {
	assert := assert.New(t)

	registry := NewRegistry()

	notified := make([]entity.SubscriptionAction, 0)
	registry.OnChange(func(event entity.SubscriptionChangeEvent) {
		panic("listener gone")
	})
	registry.OnChange(func(event entity.SubscriptionChangeEvent) {
		notified = append(notified, event.Action)
	})

	registry.Subscribe("client-1", []string{"AAPL.US"}, "tick", "alpaca", noopDeliver)
	registry.Unsubscribe("client-1", nil)

	// a panicking listener must not starve the others or roll back the mutation
	assert.Equal([]entity.SubscriptionAction{entity.SubscriptionAdded, entity.SubscriptionRemoved}, notified)
	assert.Nil(registry.GetSubscription("client-1"))
}

func TestRegistryBroadcastIsolation(t *testing.T) {
	assert := assert.New(t)

	registry := NewRegistry()

	delivered := make([]string, 0)
	registry.Subscribe("panicky", []string{"AAPL.US"}, "tick", "alpaca", func(payload any) error {
		panic("connection gone")
	})
	registry.Subscribe("healthy", []string{"AAPL.US"}, "tick", "alpaca", func(payload any) error {
		delivered = append(delivered, payload.(string))
		return nil
	})

	registry.Broadcast("AAPL.US", "tick-1")
	registry.Broadcast("MSFT.US", "tick-2") // no subscribers, no-op

	assert.Equal([]string{"tick-1"}, delivered)
}

func TestRegistryIdleSweep(t *testing.T) {
	assert := assert.New(t)

	current := time.Now()
	registry := NewRegistry(
		WithIdleThreshold(time.Minute),
		WithClock(func() time.Time { return current }),
	)

	registry.Subscribe("stale", []string{"AAPL.US"}, "tick", "alpaca", noopDeliver)
	registry.Subscribe("fresh", []string{"MSFT.US"}, "tick", "alpaca", noopDeliver)

	current = current.Add(2 * time.Minute)
	registry.Touch("fresh")
	registry.sweepIdle()

	assert.Nil(registry.GetSubscription("stale"))
	assert.NotNil(registry.GetSubscription("fresh"))
}
