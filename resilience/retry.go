package resilience

import (
	"fmt"
	"math/rand"
	"time"

	pkgctx "github.com/gifton/pipelinekit/context"
	pkgerrors "github.com/gifton/pipelinekit/errors"
	"github.com/gifton/pipelinekit/events"
	"github.com/gifton/pipelinekit/middleware"
)

// BackoffKind selects how Retry computes the wait between attempts
// (spec.md §4.G.5).
type BackoffKind int

const (
	BackoffFixed BackoffKind = iota
	BackoffExponential
	BackoffExponentialJitter
)

// RetryConfig configures the Retry middleware. Adapted from the
// teacher's RetryConfig (InitialDelay/MaxDelay/BackoffFactor/Jitter),
// extended with MaxTotalTime and a RetryableErrors predicate per
// spec.md §4.G.5.
type RetryConfig struct {
	MaxAttempts   int
	Backoff       BackoffKind
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// MaxTotalTime bounds the sum of all attempts + waits; zero means
	// no total-time cap.
	MaxTotalTime time.Duration
	// RetryableErrors reports whether err should trigger another
	// attempt. Default: only cooperative-safe classes (timeout,
	// overload, circuit-open) are retried, per spec.md §4.G.5's
	// guidance that retry must not change semantics for non-idempotent
	// handlers by default.
	RetryableErrors func(error) bool

	Hub *events.Hub
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		Backoff:         BackoffExponentialJitter,
		InitialDelay:    100 * time.Millisecond,
		MaxDelay:        5 * time.Second,
		BackoffFactor:   2.0,
		RetryableErrors: DefaultRetryableErrors,
	}
}

// DefaultRetryableErrors retries only errors that provably occurred
// before a handler's side effects: timeouts, backpressure overload, and
// circuit-open short-circuits.
func DefaultRetryableErrors(err error) bool {
	if err == nil {
		return false
	}
	return pkgerrors.IsTimeout(err) || pkgerrors.IsOverload(err) || pkgerrors.IsCircuitOpen(err)
}

func (c RetryConfig) Validate() error {
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("retry: MaxAttempts must be > 0")
	}
	if c.InitialDelay < 0 || c.MaxDelay < 0 {
		return fmt.Errorf("retry: delays must be non-negative")
	}
	return nil
}

// Retry is the spec.md §4.G.5 middleware: retry-capable (bypasses the
// next-guard's single-invocation check), invoking next up to
// MaxAttempts times with backoff between failed attempts.
type Retry struct {
	cfg RetryConfig
}

func NewRetry(cfg RetryConfig) (*Retry, error) {
	if cfg.MaxAttempts == 0 {
		def := DefaultRetryConfig()
		cfg.MaxAttempts = def.MaxAttempts
		if cfg.InitialDelay == 0 {
			cfg.InitialDelay = def.InitialDelay
		}
		if cfg.MaxDelay == 0 {
			cfg.MaxDelay = def.MaxDelay
		}
		if cfg.BackoffFactor == 0 {
			cfg.BackoffFactor = def.BackoffFactor
		}
	}
	if cfg.RetryableErrors == nil {
		cfg.RetryableErrors = DefaultRetryableErrors
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Retry{cfg: cfg}, nil
}

func (r *Retry) Name() string         { return "retry" }
func (r *Retry) Priority() int        { return PriorityRetry }
func (r *Retry) RetryCapable() bool   { return true }

func (r *Retry) nextDelay(attempt int, delay time.Duration) time.Duration {
	switch r.cfg.Backoff {
	case BackoffFixed:
		return r.cfg.InitialDelay
	case BackoffExponential, BackoffExponentialJitter:
		if attempt > 1 {
			delay = time.Duration(float64(delay) * r.cfg.BackoffFactor)
		}
		if r.cfg.MaxDelay > 0 && delay > r.cfg.MaxDelay {
			delay = r.cfg.MaxDelay
		}
		if r.cfg.Backoff == BackoffExponentialJitter {
			jitter := time.Duration(float64(delay) * 0.25 * (rand.Float64()*2 - 1))
			delay += jitter
			if delay < 0 {
				delay = 0
			}
		}
		return delay
	default:
		return r.cfg.InitialDelay
	}
}

// Execute runs next up to cfg.MaxAttempts times, waiting between
// failures per the configured backoff. A deadline-cap of MaxTotalTime
// cuts a backoff wait short and stops the loop without starting another
// attempt once the deadline has passed.
func (r *Retry) Execute(ctx *pkgctx.Context, cmd any, next middleware.Next) (any, error) {
	var deadline time.Time
	if r.cfg.MaxTotalTime > 0 {
		deadline = nowFunc().Add(r.cfg.MaxTotalTime)
	}

	var lastErr error
	delay := r.cfg.InitialDelay

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if ctx.Cancelled() {
			return nil, pkgerrors.ErrCancelled
		}

		result, err := next(ctx, cmd)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !r.cfg.RetryableErrors(err) {
			return nil, err
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}
		if !deadline.IsZero() && !nowFunc().Before(deadline) {
			break
		}

		delay = r.nextDelay(attempt, delay)
		if r.cfg.Hub != nil {
			r.cfg.Hub.Publish(events.Event{
				Name:          events.MiddlewareRetry,
				Timestamp:     nowFunc(),
				CorrelationID: ctx.CorrelationID(),
				Properties: map[string]interface{}{
					"attempt":         attempt + 1,
					"next_backoff_ms": float64(delay) / float64(time.Millisecond),
				},
			})
		}

		if err := r.wait(ctx, delay, deadline); err != nil {
			return nil, err
		}
		if !deadline.IsZero() && !nowFunc().Before(deadline) {
			break
		}
	}

	return nil, pkgerrors.New("retry.execute", "RetryExhausted", "", fmt.Errorf("%w: %v", pkgerrors.ErrRetryExhausted, lastErr))
}

func (r *Retry) wait(ctx *pkgctx.Context, delay time.Duration, deadline time.Time) error {
	if !deadline.IsZero() {
		if remaining := time.Until(deadline); remaining < delay {
			delay = remaining
		}
	}
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	std := ctx.Std()
	select {
	case <-timer.C:
		return nil
	case <-std.Done():
		return pkgerrors.ErrCancelled
	}
}
