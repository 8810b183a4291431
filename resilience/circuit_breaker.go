package resilience

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pkgctx "github.com/gifton/pipelinekit/context"
	pkgerrors "github.com/gifton/pipelinekit/errors"
	"github.com/gifton/pipelinekit/events"
	"github.com/gifton/pipelinekit/logging"
	"github.com/gifton/pipelinekit/metrics"
	"github.com/gifton/pipelinekit/middleware"
)

// CircuitState is the circuit breaker's finite state machine (spec.md
// §3.8): Closed, Open{until}, HalfOpen{probes_remaining}. The "until"
// and "probes_remaining" fields live alongside the state on
// CircuitBreaker rather than inside CircuitState, so the state itself
// fits in a single atomic.Int32.
type CircuitState int32

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// gaugeValue is the canonical metrics.CircuitState* encoding from
// spec.md §6.2 (0=closed, 1=half_open, 2=open).
func (s CircuitState) gaugeValue() int64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// ErrorClassifier decides whether err should count toward the circuit
// breaker's failure threshold. The default counts everything except a
// cooperative cancellation, mirroring the teacher's DefaultErrorClassifier
// excluding client-side gave-up errors.
type ErrorClassifier func(error) bool

func DefaultErrorClassifier(err error) bool {
	return err != nil && !pkgerrors.IsCancelled(err)
}

// CircuitBreakerConfig configures one named CircuitBreaker instance
// (spec.md §4.G.2).
type CircuitBreakerConfig struct {
	Name string

	// FailureThreshold is the number of consecutive failures that opens
	// the circuit. Any success resets the count; it is not bounded by
	// WindowSize, whose sliding window only feeds Stats.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open
	// successes required to close the circuit.
	SuccessThreshold int
	// ResetTimeout is how long the circuit stays Open before probing
	// with a half-open request (spec.md's reset_timeout).
	ResetTimeout time.Duration
	// HalfOpenMaxProbes bounds concurrent half-open trial requests.
	HalfOpenMaxProbes int

	WindowSize  time.Duration
	BucketCount int

	ErrorClassifier ErrorClassifier

	Logger  logging.ComponentAwareLogger
	Metrics metrics.Registry
	Hub     *events.Hub
}

func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:              name,
		FailureThreshold:  5,
		SuccessThreshold:  2,
		ResetTimeout:      30 * time.Second,
		HalfOpenMaxProbes: 1,
		WindowSize:        60 * time.Second,
		BucketCount:       10,
		ErrorClassifier:   DefaultErrorClassifier,
	}
}

func (c CircuitBreakerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("circuit breaker: name is required")
	}
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("circuit breaker %q: FailureThreshold must be > 0", c.Name)
	}
	if c.ResetTimeout <= 0 {
		return fmt.Errorf("circuit breaker %q: ResetTimeout must be > 0", c.Name)
	}
	return nil
}

// CircuitBreaker implements spec.md §4.G.2 as a middleware.Middleware.
// Adapted from the teacher's resilience.CircuitBreaker: atomic state,
// sliding-window failure accumulation, half-open probe tracking via
// sync.Map, manual force-open/force-closed overrides, and orphaned
// half-open cleanup — regeneralized to run over (Command, Context, Next)
// instead of a bare func() error.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	state          atomic.Int32
	openedAt       atomic.Int64 // unix nanos; valid while state == Open
	generation     atomic.Uint64
	window         *slidingWindow
	halfOpenInUse  atomic.Int32
	halfOpenWins   atomic.Int32
	consecutiveFailures atomic.Int32
	forceOpen      atomic.Bool
	forceClosed    atomic.Bool

	inFlightProbes sync.Map // map[uint64]time.Time, for orphan cleanup

	log logging.Logger

	mu        sync.Mutex
	listeners []func(name string, from, to CircuitState)
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) (*CircuitBreaker, error) {
	if cfg.FailureThreshold == 0 {
		def := DefaultCircuitBreakerConfig(cfg.Name)
		if cfg.SuccessThreshold == 0 {
			cfg.SuccessThreshold = def.SuccessThreshold
		}
		if cfg.ResetTimeout == 0 {
			cfg.ResetTimeout = def.ResetTimeout
		}
		if cfg.HalfOpenMaxProbes == 0 {
			cfg.HalfOpenMaxProbes = def.HalfOpenMaxProbes
		}
		if cfg.WindowSize == 0 {
			cfg.WindowSize = def.WindowSize
		}
		if cfg.BucketCount == 0 {
			cfg.BucketCount = def.BucketCount
		}
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ErrorClassifier == nil {
		cfg.ErrorClassifier = DefaultErrorClassifier
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NoOpLogger{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cb := &CircuitBreaker{
		cfg:    cfg,
		window: newSlidingWindow(cfg.WindowSize, cfg.BucketCount),
		log:    cfg.Logger.WithComponent("pipelinekit/resilience"),
	}
	cb.state.Store(int32(StateClosed))
	cb.log.Info("circuit breaker created", map[string]interface{}{
		"name":              cfg.Name,
		"failure_threshold": cfg.FailureThreshold,
		"reset_timeout_ms":  cfg.ResetTimeout.Milliseconds(),
	})
	return cb, nil
}

func (cb *CircuitBreaker) Name() string       { return "circuit_breaker:" + cb.cfg.Name }
func (cb *CircuitBreaker) Priority() int      { return PriorityCircuitBreaker }
func (cb *CircuitBreaker) RetryCapable() bool { return false }

// OnStateChange registers a listener invoked after every transition.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, fn)
}

// ForceOpen manually short-circuits every call regardless of state.
func (cb *CircuitBreaker) ForceOpen()   { cb.forceOpen.Store(true); cb.forceClosed.Store(false) }
// ForceClosed manually lets every call through regardless of state.
func (cb *CircuitBreaker) ForceClosed() { cb.forceClosed.Store(true); cb.forceOpen.Store(false) }
// ClearForce removes any manual override, returning to state-driven behavior.
func (cb *CircuitBreaker) ClearForce() {
	cb.forceOpen.Store(false)
	cb.forceClosed.Store(false)
}

func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(cb.state.Load())
}

// CleanupOrphanedRequests drops half-open probe tokens older than
// maxAge — requests whose completion was lost (e.g. a panic recovered
// elsewhere) would otherwise pin halfOpenInUse forever. Supplemented
// from the teacher's CircuitBreaker.CleanupOrphanedRequests.
func (cb *CircuitBreaker) CleanupOrphanedRequests(maxAge time.Duration) int {
	cutoff := nowFunc().Add(-maxAge)
	dropped := 0
	cb.inFlightProbes.Range(func(key, value any) bool {
		if startedAt := value.(time.Time); startedAt.Before(cutoff) {
			cb.inFlightProbes.Delete(key)
			cb.halfOpenInUse.Add(-1)
			dropped++
		}
		return true
	})
	if dropped > 0 {
		cb.log.Warn("orphaned half-open probes cleaned up", map[string]interface{}{
			"name":    cb.cfg.Name,
			"dropped": dropped,
		})
	}
	return dropped
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := CircuitState(cb.state.Swap(int32(to)))
	if from == to {
		return
	}
	cb.generation.Add(1)
	cb.log.Info("circuit breaker state changed", map[string]interface{}{
		"name": cb.cfg.Name,
		"from": from.String(),
		"to":   to.String(),
	})
	switch to {
	case StateOpen:
		cb.openedAt.Store(nowFunc().UnixNano())
		cb.halfOpenInUse.Store(0)
		cb.halfOpenWins.Store(0)
	case StateHalfOpen:
		cb.halfOpenInUse.Store(0)
		cb.halfOpenWins.Store(0)
		cb.consecutiveFailures.Store(0)
	case StateClosed:
		cb.window.Reset()
		cb.consecutiveFailures.Store(0)
	}
	if cb.cfg.Metrics != nil {
		cb.cfg.Metrics.Gauge(metrics.MetricCircuitBreakerState, metrics.Tags{"name": cb.cfg.Name}).Set(float64(to.gaugeValue()))
	}
	cb.mu.Lock()
	listeners := append([]func(string, CircuitState, CircuitState){}, cb.listeners...)
	cb.mu.Unlock()
	for _, l := range listeners {
		l(cb.cfg.Name, from, to)
	}
	if cb.cfg.Hub != nil {
		cb.cfg.Hub.Publish(events.Event{
			Name:      events.CircuitBreakerStateChanged,
			Timestamp: nowFunc(),
			Properties: map[string]interface{}{
				"name": cb.cfg.Name,
				"from": from.String(),
				"to":   to.String(),
			},
		})
	}
}

// admit reports whether a call may proceed right now, and if it is a
// half-open probe, returns a token id to complete() later.
func (cb *CircuitBreaker) admit() (probeID uint64, isProbe, ok bool) {
	if cb.forceClosed.Load() {
		return 0, false, true
	}
	if cb.forceOpen.Load() {
		return 0, false, false
	}

	switch cb.State() {
	case StateClosed:
		return 0, false, true
	case StateOpen:
		openedAt := time.Unix(0, cb.openedAt.Load())
		if nowFunc().Sub(openedAt) >= cb.cfg.ResetTimeout {
			cb.transition(StateHalfOpen)
			return cb.admit()
		}
		cb.log.Debug("circuit breaker rejected execution", map[string]interface{}{
			"name":  cb.cfg.Name,
			"state": StateOpen.String(),
		})
		return 0, false, false
	case StateHalfOpen:
		for {
			cur := cb.halfOpenInUse.Load()
			if int(cur) >= cb.cfg.HalfOpenMaxProbes {
				cb.log.Debug("half-open probe capacity exhausted", map[string]interface{}{
					"name":          cb.cfg.Name,
					"probes_in_use": cur,
				})
				return 0, false, false
			}
			if cb.halfOpenInUse.CompareAndSwap(cur, cur+1) {
				id := uint64(nowFunc().UnixNano())
				cb.inFlightProbes.Store(id, nowFunc())
				return id, true, true
			}
		}
	default:
		return 0, false, false
	}
}

func (cb *CircuitBreaker) complete(probeID uint64, isProbe bool, err error) {
	counts := cb.cfg.ErrorClassifier(err)
	if isProbe {
		cb.inFlightProbes.Delete(probeID)
		defer cb.halfOpenInUse.Add(-1)
		if counts {
			cb.transition(StateOpen)
			return
		}
		wins := cb.halfOpenWins.Add(1)
		if int(wins) >= cb.cfg.SuccessThreshold {
			cb.transition(StateClosed)
		}
		return
	}

	if counts {
		cb.window.RecordFailure()
		n := cb.consecutiveFailures.Add(1)
		cb.log.Debug("circuit breaker recorded failure", map[string]interface{}{
			"name":                cb.cfg.Name,
			"consecutive_failures": n,
			"threshold":           cb.cfg.FailureThreshold,
		})
		if int(n) >= cb.cfg.FailureThreshold && cb.State() == StateClosed {
			cb.transition(StateOpen)
		}
	} else {
		cb.window.RecordSuccess()
		cb.consecutiveFailures.Store(0)
	}
}

// Execute implements middleware.Middleware. In Open state it
// short-circuits with errors.ErrCircuitOpen without invoking next, per
// spec.md §4.G.2.
func (cb *CircuitBreaker) Execute(ctx *pkgctx.Context, cmd any, next middleware.Next) (any, error) {
	probeID, isProbe, ok := cb.admit()
	if !ok {
		cb.log.WarnContext(ctx.Std(), "circuit open, short-circuiting call", map[string]interface{}{
			"name":           cb.cfg.Name,
			"correlation_id": ctx.CorrelationID(),
		})
		return nil, pkgerrors.New("circuit_breaker.execute", "CircuitOpen", cb.cfg.Name, pkgerrors.ErrCircuitOpen)
	}
	cb.log.DebugContext(ctx.Std(), "circuit breaker admitted call", map[string]interface{}{
		"name":           cb.cfg.Name,
		"is_probe":       isProbe,
		"correlation_id": ctx.CorrelationID(),
	})
	result, err := next(ctx, cmd)
	cb.complete(probeID, isProbe, err)
	return result, err
}

// CircuitBreakerStats is a point-in-time snapshot for diagnostics.
type CircuitBreakerStats struct {
	State            CircuitState
	ErrorRate        float64
	TotalRequests    uint64
	ConsecutiveFails int32
}

func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	return CircuitBreakerStats{
		State:            cb.State(),
		ErrorRate:        cb.window.ErrorRate(),
		TotalRequests:    cb.window.Total(),
		ConsecutiveFails: cb.consecutiveFailures.Load(),
	}
}
