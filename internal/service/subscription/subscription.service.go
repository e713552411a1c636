package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/krobus00/stream-gateway/internal/entity"
	"github.com/sirupsen/logrus"
)

const (
	defaultIdleThreshold = 5 * time.Minute
	defaultSweepInterval = 1 * time.Minute
)

type ChangeListener func(event entity.SubscriptionChangeEvent)

// Registry owns the client subscription map and the symbol index. Both are
// mutated together under one lock so they can never diverge.
type Registry struct {
	mu            sync.RWMutex
	clients       map[string]*entity.ClientSubscription
	symbolIndex   map[string]map[string]struct{}
	listeners     []ChangeListener
	idleThreshold time.Duration
	sweepInterval time.Duration
	now           func() time.Time
}

type Option func(*Registry)

func WithIdleThreshold(threshold time.Duration) Option {
	return func(r *Registry) {
		if threshold > 0 {
			r.idleThreshold = threshold
		}
	}
}

func WithSweepInterval(interval time.Duration) Option {
	return func(r *Registry) {
		if interval > 0 {
			r.sweepInterval = interval
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRegistry(opts ...Option) *Registry {
	registry := &Registry{
		clients:       make(map[string]*entity.ClientSubscription),
		symbolIndex:   make(map[string]map[string]struct{}),
		idleThreshold: defaultIdleThreshold,
		sweepInterval: defaultSweepInterval,
		now:           time.Now,
	}

	for _, opt := range opts {
		opt(registry)
	}

	return registry
}

// Subscribe creates or extends a client subscription. Symbols are a set, so
// re-subscribing the same symbol never produces duplicate index entries.
func (r *Registry) Subscribe(clientID string, symbols []string, capability, provider string, deliver entity.DeliverFunc) {
	if clientID == "" || len(symbols) == 0 {
		logrus.WithField("client_id", clientID).Warn("subscribe ignored: missing client id or symbols")
		return
	}

	now := r.now()

	r.mu.Lock()
	sub, known := r.clients[clientID]
	if !known {
		sub = &entity.ClientSubscription{
			ClientID:     clientID,
			Symbols:      make(map[string]struct{}, len(symbols)),
			SubscribedAt: now,
		}
		r.clients[clientID] = sub
	}

	sub.Capability = capability
	sub.Provider = provider
	sub.Deliver = deliver
	sub.LastActiveAt = now

	for _, symbol := range symbols {
		if symbol == "" {
			continue
		}
		sub.Symbols[symbol] = struct{}{}
		if _, ok := r.symbolIndex[symbol]; !ok {
			r.symbolIndex[symbol] = make(map[string]struct{})
		}
		r.symbolIndex[symbol][clientID] = struct{}{}
	}

	event := entity.SubscriptionChangeEvent{
		Action:     entity.SubscriptionAdded,
		ClientID:   clientID,
		Symbols:    sub.SymbolList(),
		Provider:   provider,
		Capability: capability,
		Timestamp:  now,
	}
	if known {
		event.Action = entity.SubscriptionUpdated
	}
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.Unlock()

	r.notify(listeners, event)
}

// Unsubscribe removes the given symbols, or the whole client when symbols is
// empty. Removing the last symbol removes the client. Unknown clients are a
// logged no-op.
func (r *Registry) Unsubscribe(clientID string, symbols []string) {
	r.mu.Lock()
	sub, known := r.clients[clientID]
	if !known {
		r.mu.Unlock()
		logrus.WithField("client_id", clientID).Warn("unsubscribe for unknown client")
		return
	}

	removed := make([]string, 0)
	if len(symbols) == 0 {
		removed = sub.SymbolList()
		r.dropClientLocked(sub)
	} else {
		for _, symbol := range symbols {
			if _, ok := sub.Symbols[symbol]; !ok {
				continue
			}
			delete(sub.Symbols, symbol)
			r.dropIndexEntryLocked(symbol, clientID)
			removed = append(removed, symbol)
		}
		if len(sub.Symbols) == 0 {
			r.dropClientLocked(sub)
		}
	}

	if len(removed) == 0 {
		r.mu.Unlock()
		return
	}

	event := entity.SubscriptionChangeEvent{
		Action:     entity.SubscriptionRemoved,
		ClientID:   clientID,
		Symbols:    removed,
		Provider:   sub.Provider,
		Capability: sub.Capability,
		Timestamp:  r.now(),
	}
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.Unlock()

	r.notify(listeners, event)
}

// GetSubscription returns a snapshot of the client state, nil when unknown.
func (r *Registry) GetSubscription(clientID string) *entity.ClientSubscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.clients[clientID]
	if !ok {
		return nil
	}

	return snapshotSubscription(sub)
}

func (r *Registry) GetSymbols(clientID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.clients[clientID]
	if !ok {
		return []string{}
	}

	return sub.SymbolList()
}

// Touch refreshes the liveness timestamp, typically driven by transport
// activity such as pong frames.
func (r *Registry) Touch(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.clients[clientID]; ok {
		sub.LastActiveAt = r.now()
	}
}

// Broadcast pushes payload to every subscriber of symbol. Each deliver call is
// isolated: a panic or error from one client never blocks the others.
func (r *Registry) Broadcast(symbol string, payload any) {
	r.mu.RLock()
	clientIDs, ok := r.symbolIndex[symbol]
	if !ok || len(clientIDs) == 0 {
		r.mu.RUnlock()
		return
	}

	type target struct {
		clientID string
		deliver  entity.DeliverFunc
	}
	targets := make([]target, 0, len(clientIDs))
	for clientID := range clientIDs {
		sub, ok := r.clients[clientID]
		if !ok || sub.Deliver == nil {
			continue
		}
		targets = append(targets, target{clientID: clientID, deliver: sub.Deliver})
	}
	r.mu.RUnlock()

	for _, t := range targets {
		r.deliverIsolated(t.clientID, symbol, t.deliver, payload)
	}
}

func (r *Registry) ListSubscribers(symbol string) []*entity.ClientSubscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clientIDs, ok := r.symbolIndex[symbol]
	if !ok {
		return []*entity.ClientSubscription{}
	}

	subscribers := make([]*entity.ClientSubscription, 0, len(clientIDs))
	for clientID := range clientIDs {
		if sub, ok := r.clients[clientID]; ok {
			subscribers = append(subscribers, snapshotSubscription(sub))
		}
	}

	return subscribers
}

func (r *Registry) Stats() entity.SubscriptionStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := entity.SubscriptionStats{
		TotalClients:       len(r.clients),
		TotalSymbols:       len(r.symbolIndex),
		ClientsByProvider:  make(map[string]int),
		SymbolDistribution: make(map[string]int, len(r.symbolIndex)),
	}

	for _, sub := range r.clients {
		stats.TotalSubscriptions += len(sub.Symbols)
		stats.ClientsByProvider[sub.Provider]++
	}
	for symbol, clientIDs := range r.symbolIndex {
		stats.SymbolDistribution[symbol] = len(clientIDs)
	}

	return stats
}

// OnChange registers a listener invoked synchronously after every mutation.
func (r *Registry) OnChange(listener ChangeListener) {
	if listener == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, listener)
}

// StartIdleSweep removes clients that went quiet without unsubscribing, e.g.
// a transport drop that skipped cleanup.
func (r *Registry) StartIdleSweep(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweepIdle()
			}
		}
	}()
}

func (r *Registry) sweepIdle() {
	cutoff := r.now().Add(-r.idleThreshold)

	r.mu.RLock()
	stale := make([]string, 0)
	for clientID, sub := range r.clients {
		if sub.LastActiveAt.Before(cutoff) {
			stale = append(stale, clientID)
		}
	}
	r.mu.RUnlock()

	for _, clientID := range stale {
		logrus.WithField("client_id", clientID).Info("removing idle subscription")
		r.Unsubscribe(clientID, nil)
	}
}

func (r *Registry) dropClientLocked(sub *entity.ClientSubscription) {
	for symbol := range sub.Symbols {
		r.dropIndexEntryLocked(symbol, sub.ClientID)
	}
	delete(r.clients, sub.ClientID)
}

func (r *Registry) dropIndexEntryLocked(symbol, clientID string) {
	clientIDs, ok := r.symbolIndex[symbol]
	if !ok {
		return
	}
	delete(clientIDs, clientID)
	if len(clientIDs) == 0 {
		delete(r.symbolIndex, symbol)
	}
}

func (r *Registry) deliverIsolated(clientID, symbol string, deliver entity.DeliverFunc, payload any) {
	defer func() {
		if recovered := recover(); recovered != nil {
			logrus.WithFields(logrus.Fields{
				"client_id": clientID,
				"symbol":    symbol,
				"panic":     recovered,
			}).Error("panic recovered in deliver handle")
		}
	}()

	if err := deliver(payload); err != nil {
		logrus.WithFields(logrus.Fields{
			"client_id": clientID,
			"symbol":    symbol,
		}).WithError(err).Error("failed to deliver broadcast payload")
	}
}

func (r *Registry) notify(listeners []ChangeListener, event entity.SubscriptionChangeEvent) {
	for _, listener := range listeners {
		func() {
			defer func() {
				if recovered := recover(); recovered != nil {
					logrus.WithFields(logrus.Fields{
						"client_id": event.ClientID,
						"action":    event.Action,
						"panic":     recovered,
					}).Error("panic recovered in subscription change listener")
				}
			}()
			listener(event)
		}()
	}
}

func snapshotSubscription(sub *entity.ClientSubscription) *entity.ClientSubscription {
	symbols := make(map[string]struct{}, len(sub.Symbols))
	for symbol := range sub.Symbols {
		symbols[symbol] = struct{}{}
	}

	return &entity.ClientSubscription{
		ClientID:     sub.ClientID,
		Symbols:      symbols,
		Capability:   sub.Capability,
		Provider:     sub.Provider,
		Deliver:      sub.Deliver,
		SubscribedAt: sub.SubscribedAt,
		LastActiveAt: sub.LastActiveAt,
	}
}
