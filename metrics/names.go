package metrics

// Canonical metric names (spec.md §6.2).
const (
	MetricCommandStarted   = "command.started"
	MetricCommandCompleted = "command.completed"
	MetricCommandFailed    = "command.failed"
	MetricCommandDuration  = "command.duration"

	MetricCircuitBreakerState = "circuit_breaker.state"

	MetricRateLimitHit = "rate_limit.hit"

	MetricSemaphoreQueueDepth = "semaphore.queue_depth"
	MetricSemaphoreQueueBytes = "semaphore.queue_bytes"

	MetricPoolHitRatio = "pool.hit_ratio"

	// MetricCardinalityDropped counts values coerced to "other" by a
	// CardinalityLimiter (spec.md §4.D).
	MetricCardinalityDropped = "cardinality.dropped"
)

// Circuit breaker state gauge values (spec.md §6.2).
const (
	CircuitStateClosed   = 0
	CircuitStateHalfOpen = 1
	CircuitStateOpen     = 2
)
