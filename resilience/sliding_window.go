package resilience

import (
	"sync"
	"sync/atomic"
	"time"
)

// bucket holds one time-sliced accumulation of success/failure counts.
type bucket struct {
	timestamp time.Time
	success   uint64
	failure   uint64
}

// slidingWindow is a bucketed error-rate accumulator: windowSize is
// divided into bucketCount buckets, each covering windowSize/bucketCount.
// Adapted from the teacher's resilience.SlidingWindow (circuit_breaker.go)
// — same rotate-on-access shape, generalized without the teacher's
// name/logger fields (this package's CircuitBreaker logs separately).
type slidingWindow struct {
	mu           sync.Mutex
	buckets      []bucket
	windowSize   time.Duration
	bucketSize   time.Duration
	currentIdx   int
	lastRotation time.Time
}

func newSlidingWindow(windowSize time.Duration, bucketCount int) *slidingWindow {
	if bucketCount <= 0 {
		bucketCount = 10
	}
	if windowSize <= 0 {
		windowSize = 60 * time.Second
	}
	now := nowFunc()
	buckets := make([]bucket, bucketCount)
	for i := range buckets {
		buckets[i].timestamp = now
	}
	return &slidingWindow{
		buckets:      buckets,
		windowSize:   windowSize,
		bucketSize:   windowSize / time.Duration(bucketCount),
		lastRotation: now,
	}
}

// rotate must be called with sw.mu held. A clock that has jumped
// backward (rare, but possible under NTP correction) resets the window
// rather than risk rotating a negative number of buckets.
func (sw *slidingWindow) rotate() {
	now := nowFunc()
	elapsed := now.Sub(sw.lastRotation)
	if elapsed < 0 {
		sw.resetLocked(now)
		return
	}
	if elapsed < sw.bucketSize {
		return
	}
	toRotate := int(elapsed / sw.bucketSize)
	if toRotate > len(sw.buckets) {
		toRotate = len(sw.buckets)
	}
	for i := 0; i < toRotate; i++ {
		sw.currentIdx = (sw.currentIdx + 1) % len(sw.buckets)
		sw.buckets[sw.currentIdx] = bucket{timestamp: now}
	}
	sw.lastRotation = now
}

func (sw *slidingWindow) resetLocked(now time.Time) {
	for i := range sw.buckets {
		sw.buckets[i] = bucket{timestamp: now}
	}
	sw.currentIdx = 0
	sw.lastRotation = now
}

func (sw *slidingWindow) RecordSuccess() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotate()
	atomic.AddUint64(&sw.buckets[sw.currentIdx].success, 1)
}

func (sw *slidingWindow) RecordFailure() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotate()
	atomic.AddUint64(&sw.buckets[sw.currentIdx].failure, 1)
}

func (sw *slidingWindow) Counts() (success, failure uint64) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	cutoff := nowFunc().Add(-sw.windowSize)
	for i := range sw.buckets {
		b := &sw.buckets[i]
		if b.timestamp.After(cutoff) {
			success += atomic.LoadUint64(&b.success)
			failure += atomic.LoadUint64(&b.failure)
		}
	}
	return success, failure
}

func (sw *slidingWindow) ErrorRate() float64 {
	success, failure := sw.Counts()
	total := success + failure
	if total == 0 {
		return 0
	}
	return float64(failure) / float64(total)
}

func (sw *slidingWindow) Total() uint64 {
	success, failure := sw.Counts()
	return success + failure
}

func (sw *slidingWindow) Reset() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.resetLocked(nowFunc())
}
