package tinsync

import (
	"sync/atomic"

	"github.com/joeycumines/go-tin"
)

// Cond is a condition variable: a rendezvous point for tasks waiting for, or
// announcing, the occurrence of an event.
//
// Waiters are counted, and signalling releases a semaphore once per waiter
// woken. Since the semaphore counts, a signal that races ahead of a waiter's
// sleep is not lost.
type Cond struct {
	// L is held while observing or changing the condition.
	L Locker

	waiters atomic.Uint32
	sema    uint32
}

// NewCond returns a new Cond with Locker l.
func NewCond(l Locker) *Cond {
	return &Cond{L: l}
}

// Wait atomically unlocks c.L and parks t. After later resuming, Wait locks
// c.L before returning. Because c.L is not locked while Wait is parked, the
// caller typically cannot assume that the condition is true when Wait
// returns, and should Wait in a loop.
func (c *Cond) Wait(t *tin.Task) {
	c.waiters.Add(1)
	c.L.Unlock(t)
	semacquire(t, &c.sema)
	c.L.Lock(t)
}

// Signal wakes one task waiting on c, if there is any. t is the calling
// task, or nil outside any task.
func (c *Cond) Signal(t *tin.Task) {
	c.signal(t, false)
}

// Broadcast wakes all tasks waiting on c.
func (c *Cond) Broadcast(t *tin.Task) {
	c.signal(t, true)
}

func (c *Cond) signal(t *tin.Task, all bool) {
	for {
		old := c.waiters.Load()
		if old == 0 {
			return
		}
		next := old - 1
		if all {
			next = 0
		}
		if c.waiters.CompareAndSwap(old, next) {
			for n := old - next; n > 0; n-- {
				tin.Semrelease(t, &c.sema)
			}
			return
		}
	}
}
