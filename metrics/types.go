// Package metrics implements PipelineKit's typed metrics substrate
// (spec.md §4.D): Counter/Gauge/Histogram/Timer instruments backed by a
// bounded local accumulator and, when a Registry is backed by
// OpenTelemetry, a lazily-created OTel instrument — grounded on the
// teacher's MetricInstruments cache (telemetry/metrics.go) generalized
// from a fixed set of agent metrics to an open, caller-named set.
package metrics

import "time"

// Counter is monotonic unless Decrement is used for an up/down counter
// (spec.md §4.D allows both).
type Counter interface {
	Increment(n int64)
	Decrement(n int64)
	GetAndReset() int64
	Rate(window time.Duration) float64
}

// Gauge holds an instantaneous value.
type Gauge interface {
	Set(v float64)
	Adjust(delta float64)
	CompareAndSet(expected, new float64) bool
	GetAndSet(v float64) float64
	Get() float64
}

// Timer observes durations, typically call latencies.
type Timer interface {
	Observe(d time.Duration)
	Measure(fn func()) time.Duration
}

// Histogram observes arbitrary value distributions under a bucketing
// policy.
type Histogram interface {
	Observe(v float64)
}

// BucketKind selects a Histogram's bucketing policy.
type BucketKind int

const (
	BucketLinear BucketKind = iota
	BucketExponential
	BucketLogarithmic
	BucketExplicit
)

// BucketPolicy configures a Histogram's buckets. For BucketExplicit,
// Bounds is used verbatim; for the others, Bounds is computed from
// Start/Factor/Count.
type BucketPolicy struct {
	Kind   BucketKind
	Start  float64
	Factor float64 // width (linear) or multiplier (exponential/logarithmic)
	Count  int
	Bounds []float64 // only consulted when Kind == BucketExplicit
}

// Bucketize computes bucket upper bounds from a BucketPolicy.
func Bucketize(p BucketPolicy) []float64 {
	if p.Kind == BucketExplicit {
		return p.Bounds
	}
	bounds := make([]float64, 0, p.Count)
	v := p.Start
	for i := 0; i < p.Count; i++ {
		bounds = append(bounds, v)
		switch p.Kind {
		case BucketLinear:
			v += p.Factor
		case BucketExponential:
			v *= p.Factor
		case BucketLogarithmic:
			if v <= 0 {
				v = p.Factor
			} else {
				v *= p.Factor
			}
		}
	}
	return bounds
}

// Snapshot is the bounded statistical summary an accumulator keeps
// instead of raw samples (spec.md §4.D storage model): count, sum,
// min, max, last.
type Snapshot struct {
	Count int64
	Sum   float64
	Min   float64
	Max   float64
	Last  float64
}
