package events

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gifton/pipelinekit/logging"
)

// Handle identifies a subscription returned from Subscribe. Unsubscribe
// is O(1) given a Handle (spec.md §4.C).
type Handle uint64

// Handler processes one delivered event. It runs on the hub's own
// per-subscriber goroutine, never on the publisher's — a slow handler
// only backs up its own subscriber's queue, never the publisher.
type Handler func(Event)

const defaultSubscriberBuffer = 256

type subscriber struct {
	handle   Handle
	pattern  string
	ch       chan Event
	overflow atomic.Uint64
}

// matches reports whether name satisfies pattern. A pattern is either
// an exact event name, "*" (match everything), or a "prefix.*" glob
// (match any name starting with "prefix.").
func matches(pattern, name string) bool {
	if pattern == "*" || pattern == name {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

// Hub is an in-process, best-effort, non-blocking publish/subscribe
// bus. Delivery to a subscriber whose inbox is full is dropped and
// counted (subscriber.overflow) rather than blocking the publisher —
// spec.md §4.C is explicit that posts must never block.
type Hub struct {
	mu       sync.RWMutex
	subs     map[Handle]*subscriber
	seq      atomic.Uint64
	nextID   atomic.Uint64
	closed   atomic.Bool
	wg       sync.WaitGroup
	overflow atomic.Uint64 // global subscriber.overflow counter
	log      logging.Logger
}

// NewHub creates an empty, open event hub. Log lines are discarded
// until WithLogger attaches a real one.
func NewHub() *Hub {
	return &Hub{subs: make(map[Handle]*subscriber), log: logging.NoOpLogger{}.WithComponent("pipelinekit/events")}
}

// WithLogger attaches logger to the hub, tagging every line with the
// "pipelinekit/events" component, and returns h for chaining.
func (h *Hub) WithLogger(logger logging.ComponentAwareLogger) *Hub {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	h.log = logger.WithComponent("pipelinekit/events")
	return h
}

// Subscribe registers handler to receive events whose name matches
// pattern (an exact name, "*", or a "prefix.*" glob). Returns a Handle
// for Unsubscribe. bufferSize <= 0 uses a sensible default.
func (h *Hub) Subscribe(pattern string, handler Handler, bufferSize int) Handle {
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	sub := &subscriber{
		handle:  Handle(h.nextID.Add(1)),
		pattern: pattern,
		ch:      make(chan Event, bufferSize),
	}

	h.mu.Lock()
	if h.closed.Load() {
		h.mu.Unlock()
		close(sub.ch)
		return sub.handle
	}
	h.subs[sub.handle] = sub
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for evt := range sub.ch {
			handler(evt)
		}
	}()

	return sub.handle
}

// Unsubscribe removes the subscription identified by handle. O(1).
// Unsubscribing an unknown or already-removed handle is a no-op.
func (h *Hub) Unsubscribe(handle Handle) {
	h.mu.Lock()
	sub, ok := h.subs[handle]
	if ok {
		delete(h.subs, handle)
	}
	h.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Publish delivers evt to every subscriber whose pattern matches
// evt.Name, assigning the next monotonic sequence id. Publish never
// blocks: a full subscriber inbox drops the event and increments both
// that subscriber's overflow counter and the hub-wide
// subscriber.overflow counter. Post-shutdown, Publish is a no-op.
func (h *Hub) Publish(evt Event) {
	if h.closed.Load() {
		return
	}
	evt.Seq = h.seq.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !matches(sub.pattern, evt.Name) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			sub.overflow.Add(1)
			total := h.overflow.Add(1)
			h.log.Warn("subscriber inbox full, dropping event", map[string]interface{}{
				"event":             evt.Name,
				"subscriber_handle": uint64(sub.handle),
				"subscriber_dropped": sub.overflow.Load(),
				"total_dropped":     total,
			})
		}
	}
}

// Overflow returns the cumulative number of events dropped because a
// subscriber's inbox was full (the subscriber.overflow counter).
func (h *Hub) Overflow() uint64 { return h.overflow.Load() }

// Shutdown marks the hub closed so later Publish/Subscribe calls are
// no-ops, then closes every subscriber channel and waits for their
// delivery goroutines to drain. Shutdown-safe per spec.md §4.C.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	if h.closed.Load() {
		h.mu.Unlock()
		return
	}
	h.closed.Store(true)
	subs := h.subs
	h.subs = make(map[Handle]*subscriber)
	h.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
	h.wg.Wait()
}
