package entity

import (
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// TickEvent is the wire format published by upstream provider adapters on the
// ticks jetstream. Payload is kept opaque so provider specific fields survive
// the round trip through the cache.
type TickEvent struct {
	Provider  string          `json:"provider"`
	Symbol    string          `json:"symbol"`
	Timestamp int64           `json:"timestamp"` // epoch ms
	Price     decimal.Decimal `json:"price"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// TickPoint is one cached data point, ordered by Timestamp within a symbol.
type TickPoint struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Timestamp int64           `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type TickCacheStats struct {
	Symbols int64 `json:"symbols"`
	Points  int64 `json:"points"`
}
