package metrics

import (
	"sync"
	"time"
)

// CardinalityLimiter bounds the distinct tag values recorded per
// metric/label pair, substituting "other" once a label's configured
// limit is reached. Adapted from the teacher's CardinalityLimiter
// (telemetry/cardinality.go): same LoadOrStore-per-label sync.Map
// design and background cleanup sweep, generalized from a fixed
// agent-metric vocabulary: limits are keyed by label name and apply to
// that label on every metric, while seen values are tracked separately
// per "metric.label".
type CardinalityLimiter struct {
	limits map[string]int
	seen   sync.Map // map[metric.label]*sync.Map[value]time.Time

	stopChan chan struct{}
	stopped  sync.Once
	dropped  Counter
}

// NewCardinalityLimiter creates a limiter with per-label caps. dropped,
// if non-nil, is incremented every time a value is replaced with
// "other" — wired to the canonical `cardinality.dropped` counter
// (spec.md §4.D).
func NewCardinalityLimiter(limits map[string]int, dropped Counter) *CardinalityLimiter {
	c := &CardinalityLimiter{
		limits:   limits,
		stopChan: make(chan struct{}),
		dropped:  dropped,
	}
	go c.cleanupLoop()
	return c
}

// CheckAndLimit returns value unchanged if under the label's
// cardinality cap, or "other" once the cap is reached and value isn't
// already one of the tracked values.
func (c *CardinalityLimiter) CheckAndLimit(metric, label, value string) string {
	limit, hasLimit := c.limits[label]
	if !hasLimit {
		return value
	}

	key := metric + "." + label
	valMapI, _ := c.seen.LoadOrStore(key, &sync.Map{})
	valMap := valMapI.(*sync.Map)

	if _, exists := valMap.Load(value); exists {
		valMap.Store(value, time.Now())
		return value
	}

	count := 0
	valMap.Range(func(_, _ interface{}) bool {
		count++
		return count < limit
	})
	if count >= limit {
		if c.dropped != nil {
			c.dropped.Increment(1)
		}
		return "other"
	}

	valMap.Store(value, time.Now())
	return value
}

// CurrentCardinality returns the total number of distinct values
// currently tracked across all labels.
func (c *CardinalityLimiter) CurrentCardinality() int {
	total := 0
	c.seen.Range(func(_, valMapI interface{}) bool {
		valMap := valMapI.(*sync.Map)
		valMap.Range(func(_, _ interface{}) bool {
			total++
			return true
		})
		return true
	})
	return total
}

func (c *CardinalityLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopChan:
			return
		}
	}
}

func (c *CardinalityLimiter) cleanup() {
	cutoff := time.Now().Add(-10 * time.Minute)
	c.seen.Range(func(_, valMapI interface{}) bool {
		valMap := valMapI.(*sync.Map)
		valMap.Range(func(val, tI interface{}) bool {
			if tI.(time.Time).Before(cutoff) {
				valMap.Delete(val)
			}
			return true
		})
		return true
	})
}

// Stop stops the cleanup goroutine. Idempotent.
func (c *CardinalityLimiter) Stop() {
	c.stopped.Do(func() { close(c.stopChan) })
}
