package entity

import "time"

type SubscriptionAction string

const (
	SubscriptionAdded   SubscriptionAction = "added"
	SubscriptionUpdated SubscriptionAction = "updated"
	SubscriptionRemoved SubscriptionAction = "removed"
)

// DeliverFunc pushes a payload to a connected client. Implementations are
// expected to be safe for concurrent use since live broadcasts and recovery
// deliveries share the same handle.
type DeliverFunc func(payload any) error

type ClientSubscription struct {
	ClientID     string
	Symbols      map[string]struct{}
	Capability   string
	Provider     string
	Deliver      DeliverFunc
	SubscribedAt time.Time
	LastActiveAt time.Time
}

// SymbolList returns a snapshot slice of the symbol set, order unspecified.
func (c *ClientSubscription) SymbolList() []string {
	symbols := make([]string, 0, len(c.Symbols))
	for symbol := range c.Symbols {
		symbols = append(symbols, symbol)
	}
	return symbols
}

type SubscriptionChangeEvent struct {
	Action     SubscriptionAction `json:"action"`
	ClientID   string             `json:"client_id"`
	Symbols    []string           `json:"symbols"`
	Provider   string             `json:"provider"`
	Capability string             `json:"capability"`
	Timestamp  time.Time          `json:"timestamp"`
}

type SubscriptionStats struct {
	TotalClients       int            `json:"total_clients"`
	TotalSubscriptions int            `json:"total_subscriptions"`
	TotalSymbols       int            `json:"total_symbols"`
	ClientsByProvider  map[string]int `json:"clients_by_provider"`
	SymbolDistribution map[string]int `json:"symbol_distribution"`
}
