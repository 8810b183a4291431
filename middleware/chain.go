// Package middleware implements PipelineKit's compiled middleware chain
// (spec.md §4.E): an ordered list of Middleware is sorted once per
// configuration change into a single reusable closure, wrapping each
// link in a next-guard that enforces the single-invocation contract.
package middleware

import (
	"sort"
	"sync/atomic"

	pkgctx "github.com/gifton/pipelinekit/context"
	pkgerrors "github.com/gifton/pipelinekit/errors"
)

// Canonical priorities (spec.md §6.3). Lower runs first (outer).
const (
	PriorityRateLimit      = 50
	PriorityCircuitBreaker = 100
	PriorityBulkhead       = 200
	PriorityTimeout        = 300
	PriorityRetry          = 400
	PriorityHandler        = int(^uint32(0) >> 1) // math.MaxInt32, kept local to avoid importing math for one constant
)

// DefaultMaxDepth is the default chain-length cap (spec.md §4.E).
const DefaultMaxDepth = 100

// Next is the boxed continuation every middleware link receives. The
// terminal Next in a compiled chain invokes the pipeline's Handler.
type Next func(ctx *pkgctx.Context, cmd any) (any, error)

// Middleware is one link in the chain. Priority determines ordering
// (ascending, ties broken by insertion order); RetryCapable marks
// middlewares allowed to invoke next more than once sequentially
// (spec.md §4.E).
type Middleware interface {
	Name() string
	Priority() int
	RetryCapable() bool
	Execute(ctx *pkgctx.Context, cmd any, next Next) (any, error)
}

// Func adapts a plain function plus static metadata into a Middleware,
// for tests and simple cases that don't need a dedicated type.
type Func struct {
	MwName     string
	MwPriority int
	Retryable  bool
	Fn         func(ctx *pkgctx.Context, cmd any, next Next) (any, error)
}

func (f Func) Name() string         { return f.MwName }
func (f Func) Priority() int        { return f.MwPriority }
func (f Func) RetryCapable() bool   { return f.Retryable }
func (f Func) Execute(ctx *pkgctx.Context, cmd any, next Next) (any, error) {
	return f.Fn(ctx, cmd, next)
}

// nextGuard wraps the inner closure passed to one middleware link,
// enforcing: NextAlreadyCalled on a second sequential call from a
// non-retry-capable middleware, and — regardless of retry-capability —
// rejecting a second call while the first is still outstanding
// (concurrent double-entry), per spec.md §4.E.
type nextGuard struct {
	next         Next
	retryCapable bool
	called       atomic.Bool
	inFlight     atomic.Bool
}

func (g *nextGuard) call(ctx *pkgctx.Context, cmd any) (any, error) {
	if !g.inFlight.CompareAndSwap(false, true) {
		return nil, pkgerrors.ErrNextAlreadyCalled
	}
	defer g.inFlight.Store(false)

	if !g.retryCapable && !g.called.CompareAndSwap(false, true) {
		return nil, pkgerrors.ErrNextAlreadyCalled
	}

	return g.next(ctx, cmd)
}

// Chain holds an ordered set of middlewares plus the terminal handler
// and maintains a single compiled closure, rebuilt only when the set
// changes (spec.md §4.E: "per-execution ordering work must be zero").
type Chain struct {
	handler     Next
	maxDepth    int
	middlewares []Middleware
	compiled    Next
}

// NewChain creates an empty chain terminating in handler. maxDepth <= 0
// uses DefaultMaxDepth.
func NewChain(handler Next, maxDepth int) *Chain {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	c := &Chain{handler: handler, maxDepth: maxDepth}
	c.compile()
	return c
}

// Add appends m and recompiles. Fails with MaxDepthExceeded if the
// chain is already at its configured depth cap.
func (c *Chain) Add(m Middleware) error {
	if len(c.middlewares) >= c.maxDepth {
		return pkgerrors.ErrMaxDepthExceeded
	}
	c.middlewares = append(c.middlewares, m)
	c.compile()
	return nil
}

// Remove drops every middleware whose Name() equals name and
// recompiles. Removing an absent name is a no-op.
func (c *Chain) Remove(name string) {
	kept := c.middlewares[:0]
	for _, m := range c.middlewares {
		if m.Name() != name {
			kept = append(kept, m)
		}
	}
	c.middlewares = kept
	c.compile()
}

// Count returns the number of middlewares currently in the chain.
func (c *Chain) Count() int { return len(c.middlewares) }

// Execute runs the compiled chain.
func (c *Chain) Execute(ctx *pkgctx.Context, cmd any) (any, error) {
	return c.compiled(ctx, cmd)
}

// compile sorts middlewares by ascending priority (stable, so ties
// keep insertion order) and rebuilds the compiled closure from the
// handler outward. This is the only place ordering work happens.
func (c *Chain) compile() {
	sort.SliceStable(c.middlewares, func(i, j int) bool {
		return c.middlewares[i].Priority() < c.middlewares[j].Priority()
	})

	compiled := c.handler
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		m := c.middlewares[i]
		inner := compiled
		compiled = func(ctx *pkgctx.Context, cmd any) (any, error) {
			guard := &nextGuard{next: inner, retryCapable: m.RetryCapable()}
			return m.Execute(ctx, cmd, guard.call)
		}
	}
	c.compiled = compiled
}
