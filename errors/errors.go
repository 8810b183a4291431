// Package errors defines the stable error taxonomy shared by every
// PipelineKit package (command routing, the semaphore, the middleware
// chain and the resilience middlewares).
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors. Compare with errors.Is; every sentinel has a stable
// Tag() suitable for use as a metrics label.
var (
	ErrInvalidCommandType = errors.New("invalid command type")
	ErrInvalidResultType  = errors.New("invalid result type")

	ErrNextAlreadyCalled = errors.New("next already called")
	ErrMaxDepthExceeded  = errors.New("middleware chain exceeds max depth")

	ErrAcquireTimeout     = errors.New("semaphore acquire timed out")
	ErrQueueFull          = errors.New("semaphore queue full")
	ErrMemoryLimitExceeded = errors.New("semaphore queue memory budget exceeded")
	ErrShuttingDown       = errors.New("shutting down")
	ErrCancelled          = errors.New("cancelled")
	ErrEvicted            = errors.New("waiter evicted to make room for higher-priority arrival")

	ErrTimeout    = errors.New("timeout")
	ErrCircuitOpen = errors.New("circuit open")
	ErrBulkheadFull = errors.New("bulkhead full")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrPoolExhausted = errors.New("pool exhausted")
	ErrRetryExhausted = errors.New("retry exhausted")
)

// tags maps each sentinel to the stable string tag spec.md §6.4 requires.
var tags = map[error]string{
	ErrInvalidCommandType: "InvalidCommandType",
	ErrInvalidResultType:  "InvalidResultType",
	ErrNextAlreadyCalled:  "NextAlreadyCalled",
	ErrMaxDepthExceeded:   "MaxDepthExceeded",
	ErrAcquireTimeout:     "AcquireTimeout",
	ErrQueueFull:          "QueueFull",
	ErrMemoryLimitExceeded: "MemoryLimitExceeded",
	ErrShuttingDown:       "ShuttingDown",
	ErrCancelled:          "Cancelled",
	ErrEvicted:            "Evicted",
	ErrTimeout:            "Timeout",
	ErrCircuitOpen:        "CircuitOpen",
	ErrBulkheadFull:       "BulkheadFull",
	ErrRateLimitExceeded:  "RateLimitExceeded",
	ErrPoolExhausted:      "PoolExhausted",
	ErrRetryExhausted:     "RetryExhausted",
}

// Tag returns the stable metrics-label tag for err, falling back to the
// Go type name for handler-defined errors not in the core taxonomy.
func Tag(err error) string {
	if err == nil {
		return ""
	}
	for sentinel, tag := range tags {
		if errors.Is(err, sentinel) {
			return tag
		}
	}
	var pe *PipelineError
	if errors.As(err, &pe) && pe.Kind != "" {
		return pe.Kind
	}
	return fmt.Sprintf("%T", err)
}

// PipelineError carries structured context around a taxonomy error
// without losing the ability to errors.Is/errors.As the wrapped cause.
// It mirrors the "operation + kind + id + message + cause" shape the
// teacher's FrameworkError uses, generalized with an optional Name for
// named resources (a circuit breaker, a bulkhead partition, a rate
// limiter scope).
type PipelineError struct {
	Op      string // operation that failed, e.g. "pipeline.execute"
	Kind    string // taxonomy kind, e.g. "CircuitOpen"
	Name    string // named resource involved, if any
	Message string
	Err     error
}

func (e *PipelineError) Error() string {
	switch {
	case e.Name != "" && e.Err != nil:
		return fmt.Sprintf("%s[%s]: %s: %v", e.Op, e.Name, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Message != "":
		return e.Message
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *PipelineError) Unwrap() error { return e.Err }

// New builds a PipelineError wrapping a taxonomy sentinel.
func New(op, kind, name string, cause error) *PipelineError {
	return &PipelineError{Op: op, Kind: kind, Name: name, Err: cause}
}

// IsOverload reports whether err represents any form of backpressure
// rejection (queue full, memory budget, bulkhead, rate limit).
func IsOverload(err error) bool {
	return errors.Is(err, ErrQueueFull) ||
		errors.Is(err, ErrMemoryLimitExceeded) ||
		errors.Is(err, ErrBulkheadFull) ||
		errors.Is(err, ErrRateLimitExceeded)
}

// IsTimeout reports whether err represents a deadline-exceeded condition.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrAcquireTimeout)
}

// IsCancelled reports whether err represents cooperative cancellation.
// Cancellation is never treated as a recoverable failure (spec.md §7).
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// IsCircuitOpen reports whether err is a short-circuited call.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}
