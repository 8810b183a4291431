package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHubPublishDeliversToMatchingSubscribers(t *testing.T) {
	h := NewHub()
	defer h.Shutdown()

	var mu sync.Mutex
	var received []Event
	done := make(chan struct{}, 1)

	h.Subscribe("pipeline.did_execute", func(evt Event) {
		mu.Lock()
		received = append(received, evt)
		mu.Unlock()
		done <- struct{}{}
	}, 0)

	h.Publish(Event{Name: PipelineDidExecute, Timestamp: time.Now()})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	require.Equal(t, PipelineDidExecute, received[0].Name)
	require.NotZero(t, received[0].Seq)
}

func TestHubMatchesPrefixGlobAndWildcard(t *testing.T) {
	require.True(t, matches("*", "anything.at.all"))
	require.True(t, matches("pipeline.did_execute", "pipeline.did_execute"))
	require.False(t, matches("pipeline.did_execute", "pipeline.did_fail"))
	require.True(t, matches("pipeline.*", "pipeline.did_execute"))
	require.True(t, matches("pipeline.*", "pipeline.did_fail"))
	require.False(t, matches("pipeline.*", "middleware.retry"))
	require.False(t, matches("pipeline.*", "pipeline"))
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	h := NewHub()
	defer h.Shutdown()

	var count atomicCounter
	handle := h.Subscribe("*", func(Event) { count.inc() }, 4)

	h.Publish(Event{Name: "test.one"})
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int64(1), count.get())

	h.Unsubscribe(handle)
	h.Publish(Event{Name: "test.two"})
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int64(1), count.get(), "no further delivery after Unsubscribe")

	// Unsubscribing an already-removed (or unknown) handle is a no-op.
	h.Unsubscribe(handle)
	h.Unsubscribe(Handle(999999))
}

// TestHubOverflowDropsAndCounts reproduces spec.md §4.C's "subscriber
// inbox full -> drop and count" rule: a subscriber with a buffer of 1
// whose handler blocks forever never drains its channel, so the second
// publish must be dropped and counted rather than blocking Publish.
func TestHubOverflowDropsAndCounts(t *testing.T) {
	h := NewHub()
	defer h.Shutdown()

	block := make(chan struct{})
	started := make(chan struct{}, 1)
	h.Subscribe("test.overflow", func(Event) {
		started <- struct{}{}
		<-block
	}, 1)

	h.Publish(Event{Name: "test.overflow"}) // fills the handler goroutine
	<-started
	h.Publish(Event{Name: "test.overflow"}) // fills the 1-slot buffer
	h.Publish(Event{Name: "test.overflow"}) // must be dropped, not block

	require.Eventually(t, func() bool {
		return h.Overflow() >= 1
	}, time.Second, 5*time.Millisecond)

	close(block)
}

func TestHubSeqIsMonotonicAcrossPublishes(t *testing.T) {
	h := NewHub()
	defer h.Shutdown()

	h.Subscribe("*", func(Event) {}, 8)

	var last uint64
	for i := 0; i < 5; i++ {
		seqCh := make(chan uint64, 1)
		handle := h.Subscribe("seq.probe", func(evt Event) { seqCh <- evt.Seq }, 1)
		h.Publish(Event{Name: "seq.probe"})
		select {
		case seq := <-seqCh:
			require.Greater(t, seq, last)
			last = seq
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
		h.Unsubscribe(handle)
	}
}

func TestHubShutdownIsIdempotentAndStopsPublish(t *testing.T) {
	h := NewHub()

	var count atomicCounter
	h.Subscribe("*", func(Event) { count.inc() }, 4)
	h.Publish(Event{Name: "before.shutdown"})
	time.Sleep(20 * time.Millisecond)

	h.Shutdown()
	h.Shutdown() // idempotent

	h.Publish(Event{Name: "after.shutdown"})
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int64(1), count.get(), "Publish after Shutdown must be a no-op")

	// Subscribe after shutdown returns a handle whose channel is
	// already closed; it must not panic or hang.
	handle := h.Subscribe("*", func(Event) {}, 1)
	require.NotZero(t, handle)
}

// atomicCounter avoids importing sync/atomic's typed counters just for
// a couple of test assertions.
type atomicCounter struct {
	mu sync.Mutex
	n  int64
}

func (c *atomicCounter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *atomicCounter) get() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
