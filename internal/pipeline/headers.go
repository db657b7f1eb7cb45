package pipeline

// AMQP header names carried by pipeline messages.
const (
	HeaderTraceID    = "x-trace-id"
	HeaderRetryCount = "x-retry-count"
	HeaderStoreID    = "x-store-id"
	HeaderDelay      = "x-delay"
	HeaderDeath      = "x-death"
)
