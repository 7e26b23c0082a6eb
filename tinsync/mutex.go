package tinsync

import (
	"sync/atomic"

	"github.com/joeycumines/go-tin"
)

const (
	mutexLocked = 1 << iota // mutex is locked
	mutexWoken
	mutexWaiterShift = iota
)

// Mutex is a mutual exclusion lock for tasks.
//
// The state word packs the locked bit, the woken bit (a waiter was woken and
// is competing, so Unlock need not wake another) and the number of waiters.
// Contenders spin briefly while other contexts are busy, then sleep on a
// semaphore.
type Mutex struct {
	state int32
	sema  uint32
}

// Lock locks m, parking t until it is available. With a nil t, Lock only
// succeeds on an unlocked mutex; having to wait is a fatal error.
func (m *Mutex) Lock(t *tin.Task) {
	// Fast path: grab unlocked mutex.
	if atomic.CompareAndSwapInt32(&m.state, 0, mutexLocked) {
		return
	}

	awoke := false
	iter := 0
	for {
		old := atomic.LoadInt32(&m.state)
		next := old | mutexLocked
		if old&mutexLocked != 0 {
			if tin.CanSpin(t, iter) {
				// Active spinning makes sense. Try to set the woken flag
				// to inform Unlock to not wake other blocked tasks.
				if !awoke && old&mutexWoken == 0 && old>>mutexWaiterShift != 0 &&
					atomic.CompareAndSwapInt32(&m.state, old, old|mutexWoken) {
					awoke = true
				}
				tin.DoSpin()
				iter++
				continue
			}
			next = old + 1<<mutexWaiterShift
		}
		if awoke {
			// The task has been woken from sleep, so we need to reset the
			// flag in either case.
			if next&mutexWoken == 0 {
				tin.Fatal(t, "tinsync: inconsistent mutex state")
			}
			next &^= mutexWoken
		}
		if atomic.CompareAndSwapInt32(&m.state, old, next) {
			if old&mutexLocked == 0 {
				break
			}
			semacquire(t, &m.sema)
			awoke = true
			iter = 0
		}
	}
}

// TryLock tries to lock m without blocking, reporting whether it succeeded.
func (m *Mutex) TryLock() bool {
	for {
		old := atomic.LoadInt32(&m.state)
		if old&mutexLocked != 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(&m.state, old, old|mutexLocked) {
			return true
		}
	}
}

// Unlock unlocks m. Unlocking an unlocked mutex is a fatal error. A locked
// Mutex is not associated with a particular task: t is the calling task, or
// nil outside any task.
func (m *Mutex) Unlock(t *tin.Task) {
	// Fast path: drop lock bit.
	next := atomic.AddInt32(&m.state, -mutexLocked)
	if (next+mutexLocked)&mutexLocked == 0 {
		tin.Fatal(t, "tinsync: unlock of unlocked mutex")
	}

	old := next
	for {
		// If there are no waiters or a task has already been woken or
		// grabbed the lock, no need to wake anyone.
		if old>>mutexWaiterShift == 0 || old&(mutexLocked|mutexWoken) != 0 {
			return
		}
		// Grab the right to wake someone.
		next = (old - 1<<mutexWaiterShift) | mutexWoken
		if atomic.CompareAndSwapInt32(&m.state, old, next) {
			tin.Semrelease(t, &m.sema)
			return
		}
		old = atomic.LoadInt32(&m.state)
	}
}

// Locker is a lock locked and unlocked on behalf of a task. It is
// implemented by [*Mutex] and [*RWMutex].
type Locker interface {
	Lock(t *tin.Task)
	Unlock(t *tin.Task)
}

// semacquire parks t on addr. Blocking outside a task is a fatal error: the
// caller could otherwise proceed without holding what it waited for.
func semacquire(t *tin.Task, addr *uint32) {
	if err := tin.Semacquire(t, addr); err != nil {
		tin.Fatal(t, "tinsync: cannot block: "+err.Error())
	}
}
