package entity

// RecoveryJob describes one replay request created when a client reconnects.
// Immutable once enqueued; attempts and state live on the queue record.
type RecoveryJob struct {
	ClientID             string   `json:"client_id"`
	Symbols              []string `json:"symbols"`
	LastReceiveTimestamp int64    `json:"last_receive_timestamp"` // epoch ms
	Provider             string   `json:"provider"`
	Capability           string   `json:"capability"`
	Priority             string   `json:"priority"`
}

type RecoveryJobStatus struct {
	ID           string      `json:"id"`
	Data         RecoveryJob `json:"data"`
	Progress     float64     `json:"progress"`
	AttemptsMade int         `json:"attempts_made"`
	State        string      `json:"state"`
	FailedReason string      `json:"failed_reason,omitempty"`
}

type RecoveryMetrics struct {
	TotalJobs           int64   `json:"total_jobs"`
	PendingJobs         int64   `json:"pending_jobs"`
	ActiveJobs          int64   `json:"active_jobs"`
	CompletedJobs       int64   `json:"completed_jobs"`
	FailedJobs          int64   `json:"failed_jobs"`
	AverageRecoveryTime float64 `json:"average_recovery_time_ms"`
	QPS                 int64   `json:"qps"`
	RateLimitHits       int64   `json:"rate_limit_hits"`
	RateLimitMisses     int64   `json:"rate_limit_misses"`
}

type RecoveryHealth struct {
	Status     string `json:"status"`
	Running    bool   `json:"running"`
	FailedJobs int64  `json:"failed_jobs"`
}
