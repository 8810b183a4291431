// Package context provides the per-request execution context every
// pipeline, middleware and handler in PipelineKit shares: immutable
// metadata, a typed key/value store, an event emitter handle, and a
// cooperative-cancellation flag.
//
// This is a distinct type from the standard library's context.Context
// (embedded here for deadline/cancellation propagation) — spec.md §3.4
// calls it "Context" and that name is kept even though it shadows the
// stdlib package name; callers import this package as pipelinectx or
// similar when both are needed in the same file.
package context

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/gifton/pipelinekit/events"
)

// Metadata is set once at Context creation and is read-only thereafter
// (spec.md §3.4). CorrelationID is inherited from the caller when
// present, otherwise generated fresh alongside RequestID.
type Metadata struct {
	RequestID     string
	CorrelationID string
	UserID        string
	Timestamp     time.Time
	Hints         map[string]string
}

// Emitter is the event-sink handle a Context forwards events to.
// events.Hub implements this interface; tests may substitute a capturing
// stub.
type Emitter interface {
	Publish(evt events.Event)
}

type noopEmitter struct{}

func (noopEmitter) Publish(events.Event) {}

// Context is exclusively owned by one in-flight pipeline execution
// (spec.md §3.4 invariant); concurrent mutation from outside the
// execution tree is forbidden. Reads are wait-free when there is no
// concurrent writer; writes serialize against reads via mu, a
// lightweight single-writer lock rather than an actor boundary, per
// spec.md §4.A's explicit preference.
type Context struct {
	std context.Context

	meta Metadata

	mu      sync.RWMutex
	store   map[any]any
	emitter Emitter

	cancelled atomic.Bool

	span trace.SpanContext
}

// Key identifies a typed storage slot. Key identity is (name, V) —
// two Key[int] and Key[string] values with the same name are distinct
// keys because they are different Go types, which is what gives
// "set with the wrong type" a compile error instead of a runtime panic.
type Key[V any] struct {
	name string
}

// NewKey creates a typed key. name is used only for debugging/printing;
// uniqueness comes from the (name, V) pair being a distinct Go type at
// each call site that declares its own Key[V] variable.
func NewKey[V any](name string) Key[V] {
	return Key[V]{name: name}
}

func (k Key[V]) String() string { return k.name }

// New creates a Context with fresh metadata. If parentCorrelationID is
// non-empty it is inherited (spec.md §3.4); otherwise a fresh
// correlation id is generated alongside the request id.
func New(std context.Context, parentCorrelationID, userID string) *Context {
	if std == nil {
		std = context.Background()
	}
	correlationID := parentCorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return &Context{
		std: std,
		meta: Metadata{
			RequestID:     uuid.NewString(),
			CorrelationID: correlationID,
			UserID:        userID,
			Timestamp:     time.Now(),
			Hints:         make(map[string]string),
		},
		store:   make(map[any]any),
		emitter: noopEmitter{},
		span:    trace.SpanContextFromContext(std),
	}
}

// Std returns the embedded standard library context, for passing to
// APIs that expect one (handler I/O, context.WithTimeout, etc).
func (c *Context) Std() context.Context { return c.std }

// Metadata returns the context's immutable metadata.
func (c *Context) Metadata() Metadata { return c.meta }

// SpanContext returns the OTel span context captured when this Context
// was created, or an empty (invalid) SpanContext if none was active.
func (c *Context) SpanContext() trace.SpanContext { return c.span }

// SetEmitter attaches the event hub this context forwards events to.
// Idempotent: calling it again simply replaces the handle.
func (c *Context) SetEmitter(e Emitter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e == nil {
		e = noopEmitter{}
	}
	c.emitter = e
}

// Emit forwards evt to the attached hub, best-effort and non-blocking —
// the hub itself is responsible for never blocking a slow subscriber
// (events.Hub.Publish never blocks the caller).
func (c *Context) Emit(evt events.Event) {
	c.mu.RLock()
	e := c.emitter
	c.mu.RUnlock()
	e.Publish(evt)
}

// Set stores v under key k, replacing any previous value.
func Set[V any](c *Context, k Key[V], v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[k] = v
}

// Get returns the value stored under k, or the zero value and false if
// absent. Never panics on a missing key (spec.md §3.4 invariant).
func Get[V any](c *Context, k Key[V]) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.store[k]
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

// Remove drops k. Removing an absent key is a no-op.
func Remove[V any](c *Context, k Key[V]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.store, k)
}

// Contains reports whether k has a stored value.
func Contains[V any](c *Context, k Key[V]) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.store[k]
	return ok
}

// Cancel flips the cooperative-cancellation flag. Retry checks
// Cancelled() before each attempt and returns errors.ErrCancelled; the
// semaphore's Acquire and Retry's backoff wait do not read this flag,
// they only watch the standard library context's Done channel.
func (c *Context) Cancel() { c.cancelled.Store(true) }

// Cancelled reports whether Cancel has been called.
func (c *Context) Cancelled() bool { return c.cancelled.Load() }

// reset clears all storage and the cancellation flag while preserving
// the map's structural capacity, for Context pooling (spec.md §3.4
// "reset-on-release clears all storage but preserves structural
// capacity"). Metadata and emitter are NOT reset here; they carry over
// to the next use (SetEmitter can replace the emitter).
func (c *Context) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.store {
		delete(c.store, k)
	}
	c.cancelled.Store(false)
}

// Reset is the exported form of reset, used by a pipeline's context
// pool between executions.
func (c *Context) Reset() { c.reset() }

// --- scoped convenience helpers (spec.md §4.A) ---

// RequestID returns the immutable request id from Metadata.
func (c *Context) RequestID() string { return c.meta.RequestID }

// CorrelationID returns the immutable correlation id from Metadata.
func (c *Context) CorrelationID() string { return c.meta.CorrelationID }

// UserID returns the optional user id from Metadata, or "" if unset.
func (c *Context) UserID() string { return c.meta.UserID }
