package concurrency

import (
	"container/heap"
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	pkgerrors "github.com/gifton/pipelinekit/errors"
	"github.com/gifton/pipelinekit/logging"
)

// Semaphore is the bounded-concurrency backpressure gate described in
// spec.md §4.B. MaxConcurrency permits are handed out via TryAcquire's
// non-blocking fast path, which checks and increments the in-use count
// under s.mu (there is no lock-free CAS counter); callers that don't
// get a permit immediately join a
// priority wait queue governed by Config.Strategy, Config.MaxOutstanding
// and Config.MaxQueueMemoryBytes.
type Semaphore struct {
	config Config
	log    logging.Logger

	mu         sync.Mutex
	used       int
	queueBytes int64
	pq         priorityHeap
	index      map[uint64]*waiter
	enqueueSeq uint64
	waiterID   uint64
	shutdown   bool

	stopCleanup chan struct{}
	cleanupDone chan struct{}

	totalAcquired  atomic.Uint64
	totalTimedOut  atomic.Uint64
	totalEvicted   atomic.Uint64
	totalCancelled atomic.Uint64
	totalRejected  atomic.Uint64
}

// New creates a Semaphore from cfg. cfg.MaxConcurrency must be > 0.
func New(cfg Config) *Semaphore {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NoOpLogger{}
	}
	s := &Semaphore{
		config: cfg,
		log:    cfg.Logger.WithComponent("pipelinekit/concurrency"),
		index:  make(map[uint64]*waiter),
	}
	heap.Init(&s.pq)
	if cfg.CleanupInterval > 0 {
		s.stopCleanup = make(chan struct{})
		s.cleanupDone = make(chan struct{})
		go s.cleanupLoop()
	}
	return s
}

// Token represents a held permit. Release is idempotent: calling it
// more than once (or from more than one goroutine) only releases the
// permit once.
type Token struct {
	sem      *Semaphore
	released atomic.Bool
}

// Release returns the permit to the semaphore, waking the
// highest-priority queued waiter if any. Safe to call more than once.
func (t *Token) Release() {
	if t.released.CompareAndSwap(false, true) {
		t.sem.release()
	}
}

// TryAcquire attempts the non-blocking fast path: a free permit is
// handed out immediately, otherwise errors.ErrQueueFull is returned
// without enqueueing anything.
func (s *Semaphore) TryAcquire(priority Priority) (*Token, error) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil, pkgerrors.ErrShuttingDown
	}
	if s.used < s.config.MaxConcurrency {
		s.used++
		s.mu.Unlock()
		s.totalAcquired.Add(1)
		return &Token{sem: s}, nil
	}
	s.mu.Unlock()
	return nil, pkgerrors.ErrQueueFull
}

// Acquire blocks until a permit is granted, ctx is cancelled, or
// deadline passes (a zero deadline means no deadline). priority governs
// this waiter's place in the overflow queue; sizeBytes is this waiter's
// contribution to the queue's byte budget (pass 0 if the caller doesn't
// track request size).
func (s *Semaphore) Acquire(ctx context.Context, priority Priority, sizeBytes int64, deadline time.Time) (*Token, error) {
	if tok, err := s.TryAcquire(priority); err == nil {
		return tok, nil
	} else if !stderrors.Is(err, pkgerrors.ErrQueueFull) {
		return nil, err
	}

	if deadline.IsZero() && s.config.WaiterTimeout > 0 {
		deadline = time.Now().Add(s.config.WaiterTimeout)
	}

	w, err := s.enqueue(priority, sizeBytes, deadline)
	if err != nil {
		return nil, err
	}

	var timerC <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case werr := <-w.resume:
		if werr != nil {
			return nil, werr
		}
		return &Token{sem: s}, nil
	case <-timerC:
		if w.state.CompareAndSwap(waiterWaiting, waiterTimeout) {
			s.removeWaiter(w)
			s.totalTimedOut.Add(1)
			s.log.WarnContext(ctx, "waiter timed out", map[string]interface{}{
				"waiter_id": w.id,
				"priority":  priority.String(),
			})
			return nil, pkgerrors.ErrAcquireTimeout
		}
		werr := <-w.resume
		if werr != nil {
			return nil, werr
		}
		return &Token{sem: s}, nil
	case <-ctx.Done():
		if w.state.CompareAndSwap(waiterWaiting, waiterCancelled) {
			s.removeWaiter(w)
			s.totalCancelled.Add(1)
			s.log.DebugContext(ctx, "waiter cancelled", map[string]interface{}{
				"waiter_id": w.id,
				"priority":  priority.String(),
			})
			return nil, pkgerrors.ErrCancelled
		}
		werr := <-w.resume
		if werr != nil {
			return nil, werr
		}
		return &Token{sem: s}, nil
	}
}

// enqueue admits a new waiter, applying Config.Strategy if the
// MaxOutstanding or MaxQueueMemoryBytes cap would otherwise be exceeded.
func (s *Semaphore) enqueue(priority Priority, sizeBytes int64, deadline time.Time) (*waiter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return nil, pkgerrors.ErrShuttingDown
	}

	outstanding := s.used + s.pq.Len()
	if s.config.MaxOutstanding > 0 && outstanding >= s.config.MaxOutstanding {
		switch s.config.Strategy {
		case StrategyDropOldest:
			s.evictLowest()
		default:
			s.totalRejected.Add(1)
			s.log.Warn("semaphore queue full, rejecting acquire", map[string]interface{}{
				"outstanding":     outstanding,
				"max_outstanding": s.config.MaxOutstanding,
				"priority":        priority.String(),
			})
			return nil, pkgerrors.ErrQueueFull
		}
	}

	if s.config.MaxQueueMemoryBytes > 0 && s.queueBytes+sizeBytes > s.config.MaxQueueMemoryBytes {
		switch s.config.Strategy {
		case StrategyDropOldest:
			s.evictLowest()
		default:
			s.totalRejected.Add(1)
			s.log.Warn("semaphore queue memory budget exceeded, rejecting acquire", map[string]interface{}{
				"queue_bytes":     s.queueBytes,
				"size_bytes":      sizeBytes,
				"max_queue_bytes": s.config.MaxQueueMemoryBytes,
			})
			return nil, pkgerrors.ErrMemoryLimitExceeded
		}
	}

	s.waiterID++
	s.enqueueSeq++
	w := &waiter{
		id:         s.waiterID,
		priority:   priority,
		enqueueSeq: s.enqueueSeq,
		enqueueAt:  time.Now(),
		deadline:   deadline,
		sizeBytes:  sizeBytes,
		resume:     make(chan error, 1),
	}
	w.state.Store(waiterWaiting)
	heap.Push(&s.pq, w)
	s.index[w.id] = w
	s.queueBytes += sizeBytes
	s.log.Debug("waiter enqueued", map[string]interface{}{
		"waiter_id": w.id,
		"priority":  priority.String(),
		"queued":    s.pq.Len(),
	})
	return w, nil
}

// evictLowest must be called with s.mu held. It finds the lowest
// priority, oldest-enqueued waiter currently in the heap and resolves
// it with errors.ErrEvicted, making room for a new arrival
// (StrategyDropOldest, spec.md §4.B).
func (s *Semaphore) evictLowest() {
	if len(s.pq) == 0 {
		return
	}
	worst := 0
	for i := 1; i < len(s.pq); i++ {
		if s.pq[i].priority < s.pq[worst].priority ||
			(s.pq[i].priority == s.pq[worst].priority && s.pq[i].enqueueSeq < s.pq[worst].enqueueSeq) {
			worst = i
		}
	}
	w := s.pq[worst]
	if !w.state.CompareAndSwap(waiterWaiting, waiterEvicted) {
		return
	}
	heap.Remove(&s.pq, w.index)
	delete(s.index, w.id)
	s.queueBytes -= w.sizeBytes
	s.totalEvicted.Add(1)
	s.log.Warn("waiter evicted to make room for higher-priority arrival", map[string]interface{}{
		"waiter_id": w.id,
		"priority":  w.priority.String(),
	})
	w.resume <- pkgerrors.ErrEvicted
}

// removeWaiter unlinks w from the heap/index if it is still present.
// Safe to call after w's state already moved off Waiting; a no-op if
// release() or evictLowest already removed it.
func (s *Semaphore) removeWaiter(w *waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[w.id]; !ok {
		return
	}
	if w.index >= 0 && w.index < len(s.pq) && s.pq[w.index] == w {
		heap.Remove(&s.pq, w.index)
	}
	delete(s.index, w.id)
	s.queueBytes -= w.sizeBytes
}

// release hands the permit to the highest-priority queued waiter, or
// decrements the in-use count if the queue is empty. If the waiter at
// the head of the heap already resolved via cancellation/timeout/
// eviction (lost the handoff race), release keeps popping until it
// finds a live one or the queue empties.
func (s *Semaphore) release() {
	s.mu.Lock()
	for s.pq.Len() > 0 {
		w := heap.Pop(&s.pq).(*waiter)
		delete(s.index, w.id)
		s.queueBytes -= w.sizeBytes
		if w.state.CompareAndSwap(waiterWaiting, waiterGranted) {
			s.mu.Unlock()
			s.totalAcquired.Add(1)
			w.resume <- nil
			return
		}
	}
	s.used--
	s.mu.Unlock()
}

// cleanupLoop periodically sweeps the heap for waiters whose deadline
// has already passed but whose own per-Acquire timer has not yet fired
// (scheduling jitter) or who otherwise were never positively confirmed
// expired — spec.md §9 calls out that the comparison here must be
// strictly ">" (now is after deadline) and not the inverted sense,
// since an inverted comparison would silently never evict anyone.
func (s *Semaphore) cleanupLoop() {
	defer close(s.cleanupDone)
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *Semaphore) sweep() {
	now := time.Now()
	s.mu.Lock()
	var won []*waiter
	for _, w := range s.pq {
		if w.deadline.IsZero() || !now.After(w.deadline) {
			continue
		}
		if w.state.CompareAndSwap(waiterWaiting, waiterTimeout) {
			won = append(won, w)
		}
	}
	for _, w := range won {
		heap.Remove(&s.pq, w.index)
		delete(s.index, w.id)
		s.queueBytes -= w.sizeBytes
	}
	s.mu.Unlock()

	if len(won) > 0 {
		s.log.Debug("cleanup sweep evicted expired waiters", map[string]interface{}{
			"count": len(won),
		})
	}
	for _, w := range won {
		s.totalTimedOut.Add(1)
		w.resume <- pkgerrors.ErrAcquireTimeout
	}
}

// Shutdown stops admitting new acquires, resolves every queued waiter
// with errors.ErrShuttingDown, and stops the cleanup goroutine if one
// is running. Idempotent.
func (s *Semaphore) Shutdown() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	pending := s.pq
	s.pq = nil
	s.index = make(map[uint64]*waiter)
	s.queueBytes = 0
	s.mu.Unlock()

	for _, w := range pending {
		if w.state.CompareAndSwap(waiterWaiting, waiterShutdown) {
			w.resume <- pkgerrors.ErrShuttingDown
		}
	}

	if s.stopCleanup != nil {
		close(s.stopCleanup)
		<-s.cleanupDone
	}
}

// Stats returns a point-in-time snapshot.
func (s *Semaphore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Available:      s.config.MaxConcurrency - s.used,
		InFlight:       s.used,
		Queued:         s.pq.Len(),
		QueuedBytes:    s.queueBytes,
		TotalAcquired:  s.totalAcquired.Load(),
		TotalTimedOut:  s.totalTimedOut.Load(),
		TotalEvicted:   s.totalEvicted.Load(),
		TotalCancelled: s.totalCancelled.Load(),
		TotalRejected:  s.totalRejected.Load(),
	}
}
