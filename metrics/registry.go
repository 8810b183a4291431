package metrics

import (
	"fmt"
	"sync"

	otelmetric "go.opentelemetry.io/otel/metric"
)

// Tags is an ordered-by-map label set attached at instrument-creation
// time. PipelineKit's typed instruments are per-(name,tags) — callers
// that need per-label-value breakdowns create one instrument per
// distinct tag set, same as the teacher's per-name instrument cache.
type Tags map[string]string

func tagKey(name string, tags Tags) string {
	key := name
	for k, v := range tags {
		key += "|" + k + "=" + v
	}
	return key
}

// Registry is the factory PipelineKit components use to obtain typed
// instruments (spec.md §4.D). The implementations in this package do
// not cache typed instruments by (name, tags): every call returns a new
// instrument with its own local accumulator (OTelSubstrate does share
// one underlying OTel instrument per name).
type Registry interface {
	Counter(name string, tags Tags) Counter
	Gauge(name string, tags Tags) Gauge
	Histogram(name string, tags Tags, policy BucketPolicy) Histogram
	Timer(name string, tags Tags) Timer
}

// OTelSubstrate is a Registry backed by an OpenTelemetry Meter: every
// typed instrument keeps its own local accumulator (so Counter.Rate,
// Gauge.CompareAndSet etc. work without round-tripping through OTel's
// export pipeline) and, best-effort, forwards each recorded value to a
// lazily-created OTel instrument of the matching kind. Grounded on the
// teacher's MetricInstruments (telemetry/metrics.go): same
// read-then-double-checked-write-lock instrument cache, generalized
// from a fixed agent-metric vocabulary to arbitrary caller-supplied
// names.
type OTelSubstrate struct {
	meter otelmetric.Meter

	mu         sync.RWMutex
	counters   map[string]otelmetric.Float64Counter
	gauges     map[string]otelmetric.Float64UpDownCounter
	histograms map[string]otelmetric.Float64Histogram

	cardinality *CardinalityLimiter
}

// NewOTelSubstrate creates a Registry using meter for the underlying
// OTel instruments. cardinality may be nil to disable tag-value
// limiting.
func NewOTelSubstrate(meter otelmetric.Meter, cardinality *CardinalityLimiter) *OTelSubstrate {
	return &OTelSubstrate{
		meter:       meter,
		counters:    make(map[string]otelmetric.Float64Counter),
		gauges:      make(map[string]otelmetric.Float64UpDownCounter),
		histograms:  make(map[string]otelmetric.Float64Histogram),
		cardinality: cardinality,
	}
}

func (s *OTelSubstrate) limitTags(name string, tags Tags) Tags {
	if s.cardinality == nil || len(tags) == 0 {
		return tags
	}
	limited := make(Tags, len(tags))
	for k, v := range tags {
		limited[k] = s.cardinality.CheckAndLimit(name, k, v)
	}
	return limited
}

func (s *OTelSubstrate) otelCounter(name string) otelmetric.Float64Counter {
	s.mu.RLock()
	c, ok := s.counters[name]
	s.mu.RUnlock()
	if ok {
		return c
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.counters[name]; ok {
		return c
	}
	c, err := s.meter.Float64Counter(name)
	if err != nil {
		panic(fmt.Sprintf("metrics: failed to create counter %s: %v", name, err))
	}
	s.counters[name] = c
	return c
}

func (s *OTelSubstrate) otelGauge(name string) otelmetric.Float64UpDownCounter {
	s.mu.RLock()
	g, ok := s.gauges[name]
	s.mu.RUnlock()
	if ok {
		return g
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok = s.gauges[name]; ok {
		return g
	}
	g, err := s.meter.Float64UpDownCounter(name)
	if err != nil {
		panic(fmt.Sprintf("metrics: failed to create gauge %s: %v", name, err))
	}
	s.gauges[name] = g
	return g
}

func (s *OTelSubstrate) otelHistogram(name string) otelmetric.Float64Histogram {
	s.mu.RLock()
	h, ok := s.histograms[name]
	s.mu.RUnlock()
	if ok {
		return h
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok = s.histograms[name]; ok {
		return h
	}
	h, err := s.meter.Float64Histogram(name)
	if err != nil {
		panic(fmt.Sprintf("metrics: failed to create histogram %s: %v", name, err))
	}
	s.histograms[name] = h
	return h
}

func (s *OTelSubstrate) Counter(name string, tags Tags) Counter {
	tags = s.limitTags(name, tags)
	inst := s.otelCounter(name)
	attrs := attrsFromTags(tags)
	return newCounter(func(delta float64) {
		if delta >= 0 {
			inst.Add(backgroundCtx, delta, otelmetric.WithAttributes(attrs...))
		}
	})
}

func (s *OTelSubstrate) Gauge(name string, tags Tags) Gauge {
	tags = s.limitTags(name, tags)
	inst := s.otelGauge(name)
	attrs := attrsFromTags(tags)
	var last float64
	var mu sync.Mutex
	return newGauge(func(v float64) {
		mu.Lock()
		delta := v - last
		last = v
		mu.Unlock()
		inst.Add(backgroundCtx, delta, otelmetric.WithAttributes(attrs...))
	})
}

func (s *OTelSubstrate) Histogram(name string, tags Tags, policy BucketPolicy) Histogram {
	tags = s.limitTags(name, tags)
	inst := s.otelHistogram(name)
	attrs := attrsFromTags(tags)
	return newHistogram(policy, func(v float64) {
		inst.Record(backgroundCtx, v, otelmetric.WithAttributes(attrs...))
	})
}

func (s *OTelSubstrate) Timer(name string, tags Tags) Timer {
	tags = s.limitTags(name, tags)
	inst := s.otelHistogram(name)
	attrs := attrsFromTags(tags)
	return newTimer(func(v float64) {
		inst.Record(backgroundCtx, v, otelmetric.WithAttributes(attrs...))
	})
}
