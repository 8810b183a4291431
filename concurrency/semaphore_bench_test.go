package concurrency

import (
	"context"
	"testing"
	"time"
)

// BenchmarkTryAcquireFastPath measures the uncontended TryAcquire fast path:
// MaxConcurrency is large enough that every TryAcquire/Release pair
// never touches the wait queue.
func BenchmarkTryAcquireFastPath(b *testing.B) {
	sem := New(Config{MaxConcurrency: 1 << 20})
	defer sem.Shutdown()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		tok, err := sem.TryAcquire(Normal)
		if err != nil {
			b.Fatal(err)
		}
		tok.Release()
	}
}

// BenchmarkTryAcquireFastPathParallel runs the same fast path from many
// goroutines to measure contention on the mutex guarding the permit count.
func BenchmarkTryAcquireFastPathParallel(b *testing.B) {
	sem := New(Config{MaxConcurrency: 1 << 20})
	defer sem.Shutdown()

	b.ResetTimer()
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			tok, err := sem.TryAcquire(Normal)
			if err != nil {
				b.Fatal(err)
			}
			tok.Release()
		}
	})
}

// BenchmarkAcquireContendedSlow forces every Acquire through the
// priority-heap wait path by holding MaxConcurrency to 1 permit against
// many concurrent callers, measuring enqueue/release/wake overhead.
func BenchmarkAcquireContendedSlow(b *testing.B) {
	sem := New(Config{MaxConcurrency: 1})
	defer sem.Shutdown()
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			tok, err := sem.Acquire(ctx, Normal, 0, time.Time{})
			if err != nil {
				b.Fatal(err)
			}
			tok.Release()
		}
	})
}

// BenchmarkReleaseWakesWaiter measures the cost of handing a permit
// directly to a queued waiter, the path release() takes when the heap
// is non-empty: one held permit, one goroutine parked in Acquire, and
// a release/re-acquire cycle repeated b.N times.
func BenchmarkReleaseWakesWaiter(b *testing.B) {
	sem := New(Config{MaxConcurrency: 1})
	defer sem.Shutdown()
	ctx := context.Background()

	held, err := sem.TryAcquire(Normal)
	if err != nil {
		b.Fatal(err)
	}

	granted := make(chan *Token)
	errs := make(chan error, 1)
	go func() {
		for i := 0; i < b.N; i++ {
			tok, err := sem.Acquire(ctx, Normal, 0, time.Time{})
			if err != nil {
				errs <- err
				return
			}
			granted <- tok
		}
	}()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		held.Release()
		select {
		case held = <-granted:
		case err := <-errs:
			b.Fatal(err)
		}
	}
}
