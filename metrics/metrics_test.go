package metrics

import (
	"testing"
	"time"

	"github.com/gifton/pipelinekit/events"
)

func TestCounterGetAndReset(t *testing.T) {
	c := newCounter(nil)
	c.Increment(3)
	c.Increment(2)
	if got := c.GetAndReset(); got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}
	if got := c.GetAndReset(); got != 0 {
		t.Fatalf("expected reset counter to read 0, got %d", got)
	}
}

func TestCounterMonotonicAcrossWindow(t *testing.T) {
	c := newCounter(nil)
	prev := int64(0)
	for i := 0; i < 5; i++ {
		c.Increment(1)
		snap := c.acc.snapshot()
		if int64(snap.Sum) < prev {
			t.Fatalf("counter decreased within a window: %v < %v", snap.Sum, prev)
		}
		prev = int64(snap.Sum)
	}
}

func TestGaugeCompareAndSet(t *testing.T) {
	g := newGauge(nil)
	g.Set(10)
	if g.CompareAndSet(5, 20) {
		t.Fatal("CompareAndSet should fail when expected doesn't match")
	}
	if !g.CompareAndSet(10, 20) {
		t.Fatal("CompareAndSet should succeed when expected matches")
	}
	if g.Get() != 20 {
		t.Fatalf("expected 20, got %v", g.Get())
	}
}

func TestGaugeGetAndSet(t *testing.T) {
	g := newGauge(nil)
	g.Set(1)
	old := g.GetAndSet(2)
	if old != 1 {
		t.Fatalf("expected old value 1, got %v", old)
	}
	if g.Get() != 2 {
		t.Fatalf("expected 2, got %v", g.Get())
	}
}

func TestTimerMeasure(t *testing.T) {
	tm := newTimer(nil)
	d := tm.Measure(func() { time.Sleep(5 * time.Millisecond) })
	if d < 5*time.Millisecond {
		t.Fatalf("measured duration too short: %v", d)
	}
	snap := tm.acc.snapshot()
	if snap.Count != 1 {
		t.Fatalf("expected one observation, got %d", snap.Count)
	}
}

func TestCardinalityLimiterCapsDistinctValues(t *testing.T) {
	dropped := newCounter(nil)
	lim := NewCardinalityLimiter(map[string]int{"user_id": 2}, dropped)
	defer lim.Stop()

	if got := lim.CheckAndLimit("command.started", "user_id", "a"); got != "a" {
		t.Fatalf("expected first value through unchanged, got %s", got)
	}
	if got := lim.CheckAndLimit("command.started", "user_id", "b"); got != "b" {
		t.Fatalf("expected second value through unchanged, got %s", got)
	}
	if got := lim.CheckAndLimit("command.started", "user_id", "c"); got != "other" {
		t.Fatalf("expected third distinct value to be capped to other, got %s", got)
	}
	if got := lim.CheckAndLimit("command.started", "user_id", "a"); got != "a" {
		t.Fatalf("expected previously-seen value to still pass through, got %s", got)
	}
	if dropped.acc.snapshot().Count != 1 {
		t.Fatalf("expected exactly one dropped increment, got %d", dropped.acc.snapshot().Count)
	}
}

func TestBridgeTranslatesPipelineEvents(t *testing.T) {
	hub := events.NewHub()
	defer hub.Shutdown()
	reg := NoopRegistry{}
	bridge := NewBridge(hub, reg)
	defer bridge.Close()

	started := bridge.commandStarted.(*counter)
	completed := bridge.commandCompleted.(*counter)

	hub.Publish(events.Event{Name: events.PipelineWillExecute})
	hub.Publish(events.Event{Name: events.PipelineDidExecute, Properties: map[string]interface{}{"duration_ms": 12.5}})

	time.Sleep(20 * time.Millisecond) // subscriber goroutine delivery

	if got := started.acc.snapshot().Count; got != 1 {
		t.Fatalf("expected 1 started event observed, got %d", got)
	}
	if got := completed.acc.snapshot().Count; got != 1 {
		t.Fatalf("expected 1 completed event observed, got %d", got)
	}
}

func TestBridgeCircuitBreakerGauge(t *testing.T) {
	hub := events.NewHub()
	defer hub.Shutdown()
	bridge := NewBridge(hub, NoopRegistry{})
	defer bridge.Close()

	hub.Publish(events.Event{
		Name:       events.CircuitBreakerStateChanged,
		Properties: map[string]interface{}{"name": "downstream", "to": "open"},
	})
	time.Sleep(20 * time.Millisecond)

	g := bridge.circuitGauge("downstream").(*gauge)
	if g.Get() != CircuitStateOpen {
		t.Fatalf("expected gauge to read CircuitStateOpen, got %v", g.Get())
	}
}
