package resilience

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	pkgctx "github.com/gifton/pipelinekit/context"
	pkgerrors "github.com/gifton/pipelinekit/errors"
	"github.com/gifton/pipelinekit/events"
	"github.com/gifton/pipelinekit/middleware"
)

// Limiter is the strategy interface RateLimit middleware drives.
// TokenBucketLimiter, SlidingWindowLimiter and AdaptiveLimiter each
// implement it (spec.md §4.G.1).
type Limiter interface {
	// Allow reports whether a call for identifier may proceed now, and
	// if not, when the caller may retry.
	Allow(identifier string) (allowed bool, resetAt time.Time)
}

const shardCount = 32

func shardIndex(identifier string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identifier))
	return h.Sum32() % shardCount
}

// TokenBucketLimiter keeps one capacity/refill-rate
// golang.org/x/time/rate.Limiter per identifier, stored in shardCount
// maps selected by fnv32(identifier) % shardCount, each guarded by its
// own mutex, avoiding one global lock.
type TokenBucketLimiter struct {
	mu      [shardCount]sync.Mutex
	buckets [shardCount]map[string]*rate.Limiter
	refill  rate.Limit
	burst   int
}

func NewTokenBucketLimiter(refillPerSecond float64, burst int) *TokenBucketLimiter {
	l := &TokenBucketLimiter{refill: rate.Limit(refillPerSecond), burst: burst}
	for i := range l.buckets {
		l.buckets[i] = make(map[string]*rate.Limiter)
	}
	return l
}

func (l *TokenBucketLimiter) Allow(identifier string) (bool, time.Time) {
	idx := shardIndex(identifier)
	l.mu[idx].Lock()
	defer l.mu[idx].Unlock()
	lim, ok := l.buckets[idx][identifier]
	if !ok {
		lim = rate.NewLimiter(l.refill, l.burst)
		l.buckets[idx][identifier] = lim
	}
	if lim.Allow() {
		return true, time.Time{}
	}
	reservation := lim.Reserve()
	delay := reservation.Delay()
	reservation.Cancel()
	return false, nowFunc().Add(delay)
}

// SlidingWindowLimiter counts admissions per identifier in a single
// window of windowLen that restarts on the first call after it expires.
// The window is fixed, not bucketed: calls on both sides of a window
// boundary can admit up to 2*maxEvents within one windowLen.
type SlidingWindowLimiter struct {
	windowLen time.Duration
	maxEvents int

	mu      sync.Mutex
	byID    map[string]*slidingCounter
}

type slidingCounter struct {
	windowStart time.Time
	count       int
}

func NewSlidingWindowLimiter(windowLen time.Duration, maxEvents int) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{windowLen: windowLen, maxEvents: maxEvents, byID: make(map[string]*slidingCounter)}
}

func (l *SlidingWindowLimiter) Allow(identifier string) (bool, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := nowFunc()
	c, ok := l.byID[identifier]
	if !ok || now.Sub(c.windowStart) >= l.windowLen {
		c = &slidingCounter{windowStart: now}
		l.byID[identifier] = c
	}
	if c.count >= l.maxEvents {
		return false, c.windowStart.Add(l.windowLen)
	}
	c.count++
	return true, time.Time{}
}

// AdaptiveLimiter rescales a TokenBucketLimiter's configured rate by a
// caller-supplied load signal in [0,1] before each Allow (spec.md
// §4.G.1): load near 1 throttles down toward MinFactor of the base
// rate, load near 0 allows the full base rate.
type AdaptiveLimiter struct {
	base      *TokenBucketLimiter
	baseRate  float64
	burst     int
	minFactor float64
	loadFunc  func() float64

	mu sync.Mutex
}

func NewAdaptiveLimiter(baseRatePerSecond float64, burst int, minFactor float64, loadFunc func() float64) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		base:      NewTokenBucketLimiter(baseRatePerSecond, burst),
		baseRate:  baseRatePerSecond,
		burst:     burst,
		minFactor: minFactor,
		loadFunc:  loadFunc,
	}
}

func (l *AdaptiveLimiter) Allow(identifier string) (bool, time.Time) {
	load := l.loadFunc()
	if load < 0 {
		load = 0
	}
	if load > 1 {
		load = 1
	}
	factor := 1 - load*(1-l.minFactor)
	effectiveRate := l.baseRate * factor

	idx := shardIndex(identifier)
	l.base.mu[idx].Lock()
	lim, ok := l.base.buckets[idx][identifier]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(effectiveRate), l.burst)
		l.base.buckets[idx][identifier] = lim
	} else {
		lim.SetLimit(rate.Limit(effectiveRate))
	}
	allowed := lim.Allow()
	l.base.mu[idx].Unlock()

	if allowed {
		return true, time.Time{}
	}
	return false, nowFunc().Add(time.Second)
}

// IdentifierFunc extracts the rate-limit scope key from a command and
// its context; the default is Context.UserID (spec.md §4.G.1).
type IdentifierFunc func(ctx *pkgctx.Context, cmd any) string

func DefaultIdentifier(ctx *pkgctx.Context, _ any) string {
	if id := ctx.UserID(); id != "" {
		return id
	}
	return "global"
}

// Scope labels which dimension a RateLimit instance governs, purely
// for the rate_limit.exceeded event's "scope" property.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeUser    Scope = "user"
	ScopeCommand Scope = "command"
	ScopeCustom  Scope = "custom"
)

// RateLimiterConfig configures the RateLimit middleware.
type RateLimiterConfig struct {
	Scope      Scope
	Identifier IdentifierFunc
	Limiter    Limiter

	Hub *events.Hub
}

func (c RateLimiterConfig) Validate() error {
	if c.Limiter == nil {
		return fmt.Errorf("rate_limit: Limiter is required")
	}
	return nil
}

// RateLimit is the outermost canonical resilience middleware (spec.md
// §6.3, priority 50).
type RateLimit struct {
	cfg RateLimiterConfig
}

func NewRateLimit(cfg RateLimiterConfig) (*RateLimit, error) {
	if cfg.Identifier == nil {
		cfg.Identifier = DefaultIdentifier
	}
	if cfg.Scope == "" {
		cfg.Scope = ScopeGlobal
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RateLimit{cfg: cfg}, nil
}

func (r *RateLimit) Name() string       { return "rate_limit" }
func (r *RateLimit) Priority() int      { return PriorityRateLimit }
func (r *RateLimit) RetryCapable() bool { return false }

func (r *RateLimit) Execute(ctx *pkgctx.Context, cmd any, next middleware.Next) (any, error) {
	id := r.cfg.Identifier(ctx, cmd)
	allowed, resetAt := r.cfg.Limiter.Allow(id)
	if !allowed {
		if r.cfg.Hub != nil {
			r.cfg.Hub.Publish(events.Event{
				Name:          events.RateLimitExceeded,
				Timestamp:     nowFunc(),
				CorrelationID: ctx.CorrelationID(),
				Properties: map[string]interface{}{
					"scope":      string(r.cfg.Scope),
					"identifier": id,
					"reset_at":   resetAt.Format(time.RFC3339Nano),
				},
			})
		}
		return nil, pkgerrors.New("rate_limit.execute", "RateLimitExceeded", id, pkgerrors.ErrRateLimitExceeded)
	}
	return next(ctx, cmd)
}
