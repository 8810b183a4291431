// Package pool implements the bounded reusable object pool from
// spec.md §4.H. Unlike sync.Pool, which gives no introspection and no
// hard cap, Pool[T] keeps an explicit free list behind a mutex so it
// can report Stats() (hits, misses, high-water-mark) and enforce
// MaxSize — the same preference for an explicit, inspectable structure
// the teacher shows in its own resource-tracking types (ExecutionToken,
// SlidingWindow) over reaching for an opaque stdlib primitive.
package pool

import (
	"container/list"
	"fmt"
	"sync"

	pkgerrors "github.com/gifton/pipelinekit/errors"
)

// Factory constructs a new T when the free list is empty.
type Factory[T any] func() (T, error)

// ResetFunc runs on an object just before it re-enters the free list.
type ResetFunc[T any] func(T)

// Strategy governs Acquire's behavior when the pool is at MaxSize with
// no object available.
type Strategy int

const (
	// StrategyBlock waits for a Release.
	StrategyBlock Strategy = iota
	// StrategyError returns errors.ErrPoolExhausted immediately.
	StrategyError
)

// Config configures a Pool.
type Config struct {
	MaxSize  int
	Strategy Strategy
}

func (c Config) Validate() error {
	if c.MaxSize <= 0 {
		return fmt.Errorf("pool: MaxSize must be > 0")
	}
	return nil
}

// Stats is a point-in-time snapshot (spec.md §4.H).
type Stats struct {
	TotalAllocated   int
	CurrentAvailable int
	CurrentInUse     int
	Hits             uint64
	Misses           uint64
	HighWaterMark    int
	LowWaterMark     int
}

// Pool is a bounded, thread-safe free list of T, created via factory
// and reset via reset before reuse.
type Pool[T any] struct {
	cfg     Config
	factory Factory[T]
	reset   ResetFunc[T]

	mu            sync.Mutex
	free          *list.List // of T
	allocated     int
	inUse         int
	hits          uint64
	misses        uint64
	highWaterMark   int
	lowWaterMark    int
	lowWaterMarkSet bool
	waiters         []chan struct{}
}

// New creates a Pool bounded by cfg.MaxSize, constructing new objects
// with factory and resetting released objects with reset. reset may be
// nil if T needs no reset step.
func New[T any](cfg Config, factory Factory[T], reset ResetFunc[T]) (*Pool[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if reset == nil {
		reset = func(T) {}
	}
	return &Pool[T]{cfg: cfg, factory: factory, reset: reset, free: list.New()}, nil
}

// Acquire returns a free object if one exists, otherwise constructs a
// new one via the factory (subject to MaxSize). If the pool is at
// MaxSize with nothing free, Acquire blocks (StrategyBlock) or fails
// with errors.ErrPoolExhausted (StrategyError).
func (p *Pool[T]) Acquire() (T, error) {
	for {
		p.mu.Lock()
		if el := p.free.Front(); el != nil {
			p.free.Remove(el)
			p.inUse++
			p.hits++
			p.recordHighWaterLocked()
			v := el.Value.(T)
			p.mu.Unlock()
			return v, nil
		}
		if p.allocated < p.cfg.MaxSize {
			p.allocated++
			p.inUse++
			p.misses++
			p.recordHighWaterLocked()
			p.mu.Unlock()
			v, err := p.factory()
			if err != nil {
				p.mu.Lock()
				p.allocated--
				p.inUse--
				p.mu.Unlock()
				var zero T
				return zero, err
			}
			return v, nil
		}
		if p.cfg.Strategy == StrategyError {
			p.mu.Unlock()
			var zero T
			return zero, pkgerrors.ErrPoolExhausted
		}
		wait := make(chan struct{})
		p.waiters = append(p.waiters, wait)
		p.mu.Unlock()
		<-wait
	}
}

// recordHighWaterLocked must be called with p.mu held, immediately
// after inUse/free have changed. The high water mark is the largest
// inUse count seen; the low water mark is the smallest free-list length
// seen at these calls.
func (p *Pool[T]) recordHighWaterLocked() {
	if p.inUse > p.highWaterMark {
		p.highWaterMark = p.inUse
	}
	if avail := p.free.Len(); p.lowWaterMarkSet {
		if avail < p.lowWaterMark {
			p.lowWaterMark = avail
		}
	} else {
		p.lowWaterMark = p.free.Len()
		p.lowWaterMarkSet = true
	}
}

// Release runs reset(obj) and returns obj to the free list, waking one
// blocked Acquire if any. Releasing beyond MaxSize silently drops the
// excess (allocated is decremented instead).
func (p *Pool[T]) Release(obj T) {
	p.reset(obj)
	p.mu.Lock()
	p.inUse--
	if p.free.Len() >= p.cfg.MaxSize {
		p.allocated--
		p.mu.Unlock()
		return
	}
	p.free.PushBack(obj)
	var wake chan struct{}
	if len(p.waiters) > 0 {
		wake = p.waiters[0]
		p.waiters = p.waiters[1:]
	}
	p.mu.Unlock()
	if wake != nil {
		close(wake)
	}
}

// Scoped is an RAII-style holder returned by AcquireScoped; Release
// returns the held object to the pool exactly once.
type Scoped[T any] struct {
	pool     *Pool[T]
	value    T
	released bool
}

// Value returns the held object.
func (s *Scoped[T]) Value() T { return s.value }

// Release returns the object to the pool. Safe to call more than once;
// only the first call has an effect.
func (s *Scoped[T]) Release() {
	if s.released {
		return
	}
	s.released = true
	s.pool.Release(s.value)
}

// AcquireScoped is Acquire wrapped in a Scoped holder for defer-style
// release (spec.md §4.H "acquire_scoped").
func (p *Pool[T]) AcquireScoped() (*Scoped[T], error) {
	v, err := p.Acquire()
	if err != nil {
		return nil, err
	}
	return &Scoped[T]{pool: p, value: v}, nil
}

// PreAllocate constructs up to n objects and seats them in the free
// list immediately, subject to MaxSize.
func (p *Pool[T]) PreAllocate(n int) error {
	for i := 0; i < n; i++ {
		p.mu.Lock()
		if p.allocated >= p.cfg.MaxSize {
			p.mu.Unlock()
			return nil
		}
		p.allocated++
		p.mu.Unlock()

		v, err := p.factory()
		if err != nil {
			p.mu.Lock()
			p.allocated--
			p.mu.Unlock()
			return err
		}
		p.mu.Lock()
		p.free.PushBack(v)
		p.mu.Unlock()
	}
	return nil
}

// ShrinkTo drops free objects until at most n remain free, decrementing
// allocated accordingly. In-use objects are unaffected.
func (p *Pool[T]) ShrinkTo(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.free.Len() > n {
		el := p.free.Front()
		p.free.Remove(el)
		p.allocated--
	}
}

// Clear drops every free object.
func (p *Pool[T]) Clear() {
	p.ShrinkTo(0)
}

// Stats returns a point-in-time snapshot.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		TotalAllocated:   p.allocated,
		CurrentAvailable: p.free.Len(),
		CurrentInUse:     p.inUse,
		Hits:             p.hits,
		Misses:           p.misses,
		HighWaterMark:    p.highWaterMark,
		LowWaterMark:     p.lowWaterMark,
	}
}
