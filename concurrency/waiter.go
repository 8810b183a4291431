package concurrency

import "time"

// waiterState is the one-shot state machine every queued waiter moves
// through exactly once: Waiting -> {Granted, Cancelled, Timeout,
// Evicted, Shutdown}. The transition is a single atomic
// compare-and-swap away from Waiting; whichever of release(), the
// per-waiter deadline timer, ctx.Done(), the eviction path, or
// Shutdown wins that CAS owns sending exactly one value on resume.
type waiterState int32

const (
	waiterWaiting waiterState = iota
	waiterGranted
	waiterCancelled
	waiterTimeout
	waiterEvicted
	waiterShutdown
)

// waiter is one queued acquire request. The identity fields are fixed
// at enqueue time and index changes only under Semaphore.mu; state and
// resume are the lock-free handoff between the owning goroutine and
// whoever resolves the wait.
type waiter struct {
	id         uint64
	priority   Priority
	enqueueSeq uint64
	enqueueAt  time.Time
	deadline   time.Time // zero value means no deadline
	sizeBytes  int64

	state atomicWaiterState

	// resume carries the outcome: nil means a permit was granted
	// (transferred from whoever resolved the wait), non-nil is the
	// terminal error. Buffered 1 so the resolver never blocks on delivery.
	resume chan error

	// index is maintained by heap.Interface's Swap so that removeWaiter
	// and the cleanup sweep can heap.Remove this waiter in O(log n)
	// without a linear search, per other_examples' priority_semaphore.go.
	index int
}

// priorityHeap orders waiters highest-priority-first, and within equal
// priority, earliest enqueueSeq first (FIFO), giving a min-heap whose
// root is always "the next waiter release() should grant".
type priorityHeap []*waiter

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].enqueueSeq < h[j].enqueueSeq
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}
