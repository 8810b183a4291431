package concurrency

import "sync/atomic"

// atomicWaiterState is a typed thin wrapper over atomic.Int32, matching
// the teacher's preference for typed atomics over bare int32 + the
// sync/atomic free functions.
type atomicWaiterState struct {
	v atomic.Int32
}

func (a *atomicWaiterState) Load() waiterState {
	return waiterState(a.v.Load())
}

func (a *atomicWaiterState) Store(s waiterState) {
	a.v.Store(int32(s))
}

func (a *atomicWaiterState) CompareAndSwap(old, new waiterState) bool {
	return a.v.CompareAndSwap(int32(old), int32(new))
}
