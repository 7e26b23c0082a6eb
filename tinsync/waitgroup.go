package tinsync

import (
	"sync/atomic"

	"github.com/joeycumines/go-tin"
)

// WaitGroup waits for a collection of tasks to finish.
//
// The state packs the counter (high 32 bits) and the number of waiters (low
// 32 bits), so that reaching zero releases every waiter in one shot.
type WaitGroup struct {
	state atomic.Uint64
	sema  uint32
}

// Add adds delta, which may be negative, to the counter. If the counter
// becomes zero, all tasks blocked in Wait are released. A negative counter is
// a fatal error. t is the calling task, or nil outside any task.
func (wg *WaitGroup) Add(t *tin.Task, delta int) {
	state := wg.state.Add(uint64(delta) << 32)
	v := int32(state >> 32)
	w := uint32(state)
	if v < 0 {
		tin.Fatal(t, "tinsync: negative WaitGroup counter")
	}
	if w != 0 && delta > 0 && v == int32(delta) {
		tin.Fatal(t, "tinsync: WaitGroup misuse: Add called concurrently with Wait")
	}
	if v > 0 || w == 0 {
		return
	}
	// This task has set counter to 0 when there are waiters. Now there
	// can't be concurrent mutations of state:
	// - Adds must not happen concurrently with Wait,
	// - Wait does not increment waiters if it sees counter == 0.
	// Still do a cheap sanity check to detect WaitGroup misuse.
	if wg.state.Load() != state {
		tin.Fatal(t, "tinsync: WaitGroup misuse: Add called concurrently with Wait")
	}
	// Reset waiters count to 0.
	wg.state.Store(0)
	for ; w != 0; w-- {
		tin.Semrelease(t, &wg.sema)
	}
}

// Done decrements the counter by one.
func (wg *WaitGroup) Done(t *tin.Task) {
	wg.Add(t, -1)
}

// Wait parks t until the counter is zero. Waiting on a non-zero counter with
// a nil t is a fatal error.
func (wg *WaitGroup) Wait(t *tin.Task) {
	for {
		state := wg.state.Load()
		v := int32(state >> 32)
		if v == 0 {
			// Counter is 0, no need to wait.
			return
		}
		// Increment waiters count.
		if wg.state.CompareAndSwap(state, state+1) {
			semacquire(t, &wg.sema)
			if wg.state.Load() != 0 {
				tin.Fatal(t, "tinsync: WaitGroup is reused before previous Wait has returned")
			}
			return
		}
	}
}
