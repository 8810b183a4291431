package metrics

import (
	"time"

	"github.com/gifton/pipelinekit/events"
)

// Bridge subscribes to an events.Hub and translates canonical pipeline
// events into canonical metrics (spec.md §4.D "Event→metric bridge").
// It owns the Counter/Gauge/Timer instruments it creates from a
// Registry and keeps no other state.
type Bridge struct {
	hub      *events.Hub
	registry Registry

	commandStarted   Counter
	commandCompleted Counter
	commandFailed    Counter
	commandDuration  Timer
	circuitState     map[string]Gauge
	rateLimitHit     Counter

	stopPollers []func()
}

// NewBridge subscribes to hub and begins translating events into
// metrics recorded against registry. Call Close to stop any gauge
// pollers started with WatchGauge; Close does not remove the hub
// subscriptions.
func NewBridge(hub *events.Hub, registry Registry) *Bridge {
	b := &Bridge{
		hub:              hub,
		registry:         registry,
		commandStarted:   registry.Counter(MetricCommandStarted, nil),
		commandCompleted: registry.Counter(MetricCommandCompleted, nil),
		commandFailed:    registry.Counter(MetricCommandFailed, nil),
		commandDuration:  registry.Timer(MetricCommandDuration, nil),
		circuitState:     make(map[string]Gauge),
		rateLimitHit:     registry.Counter(MetricRateLimitHit, nil),
	}

	hub.Subscribe(events.PipelineWillExecute, func(events.Event) {
		b.commandStarted.Increment(1)
	}, 0)

	hub.Subscribe(events.PipelineDidExecute, func(evt events.Event) {
		b.commandCompleted.Increment(1)
		if ms, ok := evt.Properties["duration_ms"].(float64); ok {
			b.commandDuration.Observe(time.Duration(ms * float64(time.Millisecond)))
		}
	}, 0)

	hub.Subscribe(events.PipelineDidFail, func(evt events.Event) {
		b.commandFailed.Increment(1)
		if ms, ok := evt.Properties["duration_ms"].(float64); ok {
			b.commandDuration.Observe(time.Duration(ms * float64(time.Millisecond)))
		}
	}, 0)

	hub.Subscribe(events.CircuitBreakerStateChanged, func(evt events.Event) {
		name, _ := evt.Properties["name"].(string)
		to, _ := evt.Properties["to"].(string)
		b.circuitGauge(name).Set(circuitStateValue(to))
	}, 0)

	hub.Subscribe(events.RateLimitExceeded, func(events.Event) {
		b.rateLimitHit.Increment(1)
	}, 0)

	return b
}

func (b *Bridge) circuitGauge(name string) Gauge {
	if g, ok := b.circuitState[name]; ok {
		return g
	}
	g := b.registry.Gauge(MetricCircuitBreakerState, Tags{"name": name})
	b.circuitState[name] = g
	return g
}

func circuitStateValue(state string) float64 {
	switch state {
	case "closed":
		return CircuitStateClosed
	case "half_open":
		return CircuitStateHalfOpen
	case "open":
		return CircuitStateOpen
	default:
		return CircuitStateClosed
	}
}

// WatchGauge starts a goroutine that polls fn every interval and writes
// the result into a gauge named name — the poll-based analogue of the
// teacher's RegisterGauge(name, callback) observable-gauge pattern,
// for snapshot statistics (such as semaphore.queue_depth/queue_bytes
// or pool.hit_ratio) rather than discrete events.
func (b *Bridge) WatchGauge(name string, tags Tags, interval time.Duration, fn func() float64) {
	g := b.registry.Gauge(name, tags)
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.Set(fn())
			case <-stop:
				return
			}
		}
	}()
	b.stopPollers = append(b.stopPollers, func() { close(stop) })
}

// Close stops all gauge pollers started via WatchGauge. The hub
// subscriptions themselves are left in place; callers that also want
// those removed should capture and Unsubscribe the Handles returned
// from hub.Subscribe directly instead of going through NewBridge.
func (b *Bridge) Close() {
	for _, stop := range b.stopPollers {
		stop()
	}
}
