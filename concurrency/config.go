// Package concurrency implements the bounded-concurrency,
// priority-aware, backpressure semaphore described in spec.md §4.B: a
// non-blocking, mutex-guarded fast path for the common case, and a
// container/heap-backed priority wait queue (grounded on
// other_examples' priority_semaphore.go fragment) for the overflow
// case, with byte-budget accounting, configurable overflow strategies,
// per-waiter cancellation and timeout, and a periodic cleanup sweep.
package concurrency

import (
	"time"

	"github.com/gifton/pipelinekit/logging"
)

// Priority orders waiters; higher values are served first. Ties within
// a priority are broken by enqueue order (FIFO).
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Critical
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// Strategy governs what happens when an Acquire would push the
// semaphore past its configured caps (spec.md §4.B).
type Strategy int

const (
	// StrategySuspend blocks the caller in the wait queue as long as
	// the caps allow; once a cap is actually exceeded it behaves like
	// StrategyError (the caller chose to wait, not to drop anyone).
	StrategySuspend Strategy = iota
	// StrategyDropNewest rejects the incoming acquire immediately.
	StrategyDropNewest
	// StrategyDropOldest evicts the lowest-priority, oldest queued
	// waiter to make room for the new one.
	StrategyDropOldest
	// StrategyError rejects the incoming acquire immediately (distinct
	// name from DropNewest for call-site clarity; behavior is the same
	// at the semaphore layer).
	StrategyError
)

// Config configures a Semaphore. All fields are optional; zero values
// fall back to DefaultConfig's choices except MaxConcurrency, which is
// required and validated.
type Config struct {
	// MaxConcurrency is the number of simultaneous permits. Required.
	MaxConcurrency int

	// MaxOutstanding caps in-flight + queued. Zero means unlimited.
	MaxOutstanding int

	// MaxQueueMemoryBytes caps the sum of queued waiters' estimated
	// sizes. Zero means unlimited.
	MaxQueueMemoryBytes int64

	// DefaultPriority is used by callers that don't specify one.
	DefaultPriority Priority

	// Strategy governs overflow behavior.
	Strategy Strategy

	// WaiterTimeout is the default absolute time budget a waiter may
	// remain queued, if the caller doesn't pass an explicit deadline to
	// Acquire. Zero means no default timeout.
	WaiterTimeout time.Duration

	// CleanupInterval is how often the background sweep runs to time
	// out queued waiters whose deadline has already passed but whose
	// own Acquire timer has not yet resolved them. Zero disables the
	// background sweep (per-waiter timers still fire correctly).
	CleanupInterval time.Duration

	// Logger tags enqueue/evict/sweep log lines with the
	// "pipelinekit/concurrency" component. Nil defaults to
	// logging.NoOpLogger{}.
	Logger logging.ComponentAwareLogger
}

// DefaultConfig returns a Config with sensible defaults for
// MaxConcurrency=n: no outstanding/memory caps, Normal default
// priority, StrategyError on overflow, no waiter timeout, and a 1s
// cleanup sweep.
func DefaultConfig(maxConcurrency int) Config {
	return Config{
		MaxConcurrency:  maxConcurrency,
		DefaultPriority: Normal,
		Strategy:        StrategyError,
		CleanupInterval: time.Second,
	}
}

// Stats is a point-in-time snapshot (spec.md §4.B stats()).
type Stats struct {
	Available      int
	InFlight       int
	Queued         int
	QueuedBytes    int64
	TotalAcquired  uint64
	TotalTimedOut  uint64
	TotalEvicted   uint64
	TotalCancelled uint64
	TotalRejected  uint64
}
