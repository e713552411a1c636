package entity

const (
	MessageTypeTick             = "tick"
	MessageTypeRecovery         = "recovery"
	MessageTypeRecoveryComplete = "recovery_complete"
	MessageTypeRecoveryFailed   = "recovery_failed"
)

type TickMessage struct {
	Type   string    `json:"type"`
	Symbol string    `json:"symbol"`
	Data   TickEvent `json:"data"`
}

type RecoveryBatchMetadata struct {
	RecoveryBatch   int  `json:"recoveryBatch"`
	TotalBatches    int  `json:"totalBatches"`
	IsLastBatch     bool `json:"isLastBatch"`
	DataPointsCount int  `json:"dataPointsCount"`
}

type RecoveryBatchMessage struct {
	Type     string                `json:"type"`
	Data     []TickPoint           `json:"data"`
	Metadata RecoveryBatchMetadata `json:"metadata"`
}

type RecoveryCompleteMessage struct {
	Type            string `json:"type"`
	Message         string `json:"message"`
	TotalDataPoints int    `json:"totalDataPoints"`
	TotalBatches    int    `json:"totalBatches"`
}

type RecoveryFailedMessage struct {
	Type      string   `json:"type"`
	Message   string   `json:"message"`
	Symbols   []string `json:"symbols"`
	Action    string   `json:"action"`
	Timestamp int64    `json:"timestamp"`
}

// Client-to-gateway frames on the websocket.

type ClientHello struct {
	ClientID   string `json:"client_id"`
	Provider   string `json:"provider"`
	Capability string `json:"capability"`
}

type ClientRequest struct {
	Action  string   `json:"action"` // subscribe | unsubscribe | ping
	Symbols []string `json:"symbols,omitempty"`
}
