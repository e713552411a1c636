package constant

const (
	TickQueueGroup = "tick_gateway_group"

	TickStreamName       = "ticks"
	TickStreamSubjectAll = "ticks.>"
	TickStreamSubject    = "ticks"

	JobStateWaiting   = "waiting"
	JobStateDelayed   = "delayed"
	JobStateActive    = "active"
	JobStateCompleted = "completed"
	JobStateFailed    = "failed"

	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"

	HealthStatusHealthy   = "healthy"
	HealthStatusDegraded  = "degraded"
	HealthStatusUnhealthy = "unhealthy"
)
