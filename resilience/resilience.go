// Package resilience implements the five canonical resilience
// middlewares from spec.md §4.G: RateLimit, CircuitBreaker, Bulkhead,
// Timeout and Retry, each wired as a middleware.Middleware so they
// compose through the same compiled chain as application middleware.
//
// The state-machine shape (sliding window error accumulation, atomic
// CircuitState, half-open token tracking) is adapted from the teacher's
// resilience/circuit_breaker.go and resilience/retry.go, regeneralized
// to run over (Command, Context, Next) instead of a bare func() error.
package resilience

import "time"

// Canonical priorities (spec.md §6.3). Lower runs first (outer).
const (
	PriorityRateLimit      = 50
	PriorityCircuitBreaker = 100
	PriorityBulkhead       = 200
	PriorityTimeout        = 300
	PriorityRetry          = 400
)

// nowFunc is overridable in tests that need to control the wall clock
// without sleeping real time.
var nowFunc = time.Now
