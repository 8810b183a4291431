package metrics

import "sync/atomic"

// NoopRegistry discards everything. Each call still returns a live
// local-accumulator-backed instrument (so Counter.Rate/Gauge.Get etc.
// behave sensibly in tests that don't wire a real Registry), it simply
// never forwards to OTel.
type NoopRegistry struct{}

func (NoopRegistry) Counter(string, Tags) Counter   { return newCounter(nil) }
func (NoopRegistry) Gauge(string, Tags) Gauge       { return newGauge(nil) }
func (NoopRegistry) Timer(string, Tags) Timer       { return newTimer(nil) }
func (NoopRegistry) Histogram(_ string, _ Tags, p BucketPolicy) Histogram {
	return newHistogram(p, nil)
}

var global atomic.Value // holds Registry

func init() {
	global.Store(registryBox{NoopRegistry{}})
}

// registryBox exists because atomic.Value requires every Store to use
// the same concrete type, and Registry is an interface.
type registryBox struct{ Registry }

// SetGlobalRegistry installs the process-wide default registry
// (spec.md §9: "global mutable state... provide a default singleton
// plus explicit injection"). GlobalRegistry returns it; the pipelines
// and middlewares in this module do not read it themselves, they only
// record metrics against a Registry passed to them explicitly.
func SetGlobalRegistry(r Registry) {
	if r == nil {
		r = NoopRegistry{}
	}
	global.Store(registryBox{r})
}

// GlobalRegistry returns the current process-wide default registry.
func GlobalRegistry() Registry {
	return global.Load().(registryBox).Registry
}
