package tin

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

// semTabSize is the number of semaphore buckets. Prime, to spread addresses.
const semTabSize = 251

// Active spinning parameters, see CanSpin.
const (
	activeSpin    = 4
	activeSpinCnt = 30
)

// sudog is a task waiting on a semaphore.
type sudog struct {
	t        *Task
	addr     *uint32
	next     *sudog
	prev     *sudog
	queued   bool
	timedOut bool
}

// semaRoot is a bucket of waiters, for the addresses that hash to it. Waiters
// are queued in FIFO order.
type semaRoot struct {
	lock  sync.Mutex
	head  *sudog
	tail  *sudog
	nwait atomic.Uint32 // number of waiters, read without the lock
}

// semtable holds the semaphore buckets. It is shared by all runtimes: a
// waiter records its task, which knows its runtime.
var semtable [semTabSize]struct {
	root semaRoot
	_    [sizeOfCacheLine - unsafe.Sizeof(semaRoot{})%sizeOfCacheLine]byte
}

func semroot(addr *uint32) *semaRoot {
	return &semtable[(uintptr(unsafe.Pointer(addr))>>3)%semTabSize].root
}

// queue appends s to the bucket's waiters.
func (root *semaRoot) queue(s *sudog) {
	s.next = nil
	s.prev = root.tail
	if root.tail != nil {
		root.tail.next = s
	} else {
		root.head = s
	}
	root.tail = s
	s.queued = true
}

// dequeue removes s from the bucket's waiters.
func (root *semaRoot) dequeue(s *sudog) {
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		root.head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	} else {
		root.tail = s.prev
	}
	s.next = nil
	s.prev = nil
	s.queued = false
}

// dequeueAddr removes and returns the first waiter on addr, or nil.
func (root *semaRoot) dequeueAddr(addr *uint32) *sudog {
	for s := root.head; s != nil; s = s.next {
		if s.addr == addr {
			root.dequeue(s)
			return s
		}
	}
	return nil
}

func cansemacquire(addr *uint32) bool {
	for {
		v := atomic.LoadUint32(addr)
		if v == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(addr, v, v-1) {
			return true
		}
	}
}

// semacquire decrements *addr, parking t while it is zero. A positive
// deadline (nanotime) bounds the wait, returning ErrTimeout.
func (rt *Runtime) semacquire(t *Task, addr *uint32, deadline int64) error {
	if cansemacquire(addr) {
		return nil
	}

	// Harder case:
	//	increment waiter count
	//	try cansemacquire one more time, return if succeeded
	//	enqueue itself as a waiter
	//	sleep
	//	(waiter descriptor is dequeued by signaler)
	s := &sudog{t: t, addr: addr}
	root := semroot(addr)
	for {
		root.lock.Lock()
		// add ourselves to nwait to disable "easy case" in semrelease
		root.nwait.Add(1)
		// check cansemacquire to avoid missed wakeup
		if cansemacquire(addr) {
			root.nwait.Add(^uint32(0))
			root.lock.Unlock()
			return nil
		}
		if deadline > 0 && rt.nanotime() >= deadline {
			root.nwait.Add(^uint32(0))
			root.lock.Unlock()
			return ErrTimeout
		}
		root.queue(s)
		if deadline > 0 {
			if t.timer == nil {
				t.timer = newTimer()
			}
			tm := t.timer
			tm.f = semaTimeout
			tm.arg = s
			tm.period = 0
			tm.seq = 0
			tm.when = deadline
			rt.addtimer(tm, t)
		}
		t.park(func(*Task) bool {
			root.lock.Unlock()
			return true
		}, WaitReasonSemacquire)
		if deadline > 0 {
			rt.deltimer(t.timer)
		}
		if s.timedOut {
			return ErrTimeout
		}
		if cansemacquire(addr) {
			return nil
		}
	}
}

// semaTimeout dequeues a waiter whose deadline passed, if it is still queued.
func semaTimeout(cur *Task, arg any, _ uintptr) {
	s := arg.(*sudog)
	rt := s.t.rt
	root := semroot(s.addr)
	root.lock.Lock()
	if !s.queued {
		root.lock.Unlock()
		return
	}
	root.dequeue(s)
	root.nwait.Add(^uint32(0))
	s.timedOut = true
	root.lock.Unlock()
	rt.ready(s.t, cur, false)
}

// semrelease increments *addr, readying the first waiter on it. cur may be
// nil.
func semrelease(cur *Task, addr *uint32) {
	root := semroot(addr)
	atomic.AddUint32(addr, 1)

	// Easy case: no waiters?
	// This check must happen after the add, to avoid a missed wakeup
	// (see loop in semacquire).
	if root.nwait.Load() == 0 {
		return
	}

	// Harder case: search for a waiter and wake it.
	root.lock.Lock()
	if root.nwait.Load() == 0 {
		// The count is already consumed by another task, so no need to
		// wake up another task.
		root.lock.Unlock()
		return
	}
	s := root.dequeueAddr(addr)
	if s != nil {
		root.nwait.Add(^uint32(0))
	}
	root.lock.Unlock()
	if s != nil {
		s.t.rt.ready(s.t, cur, true)
	}
}

// Semacquire waits until *addr is positive, then decrements it. It is the
// sleep primitive of higher level synchronization.
func Semacquire(t *Task, addr *uint32) error {
	if t == nil {
		return ErrNotTask
	}
	return t.rt.semacquire(t, addr, 0)
}

// SemacquireTimeout is Semacquire with a bound on the wait. It returns
// [ErrTimeout] if the semaphore could not be acquired within timeout.
func SemacquireTimeout(t *Task, addr *uint32, timeout time.Duration) error {
	if t == nil {
		return ErrNotTask
	}
	if timeout <= 0 {
		if cansemacquire(addr) {
			return nil
		}
		return ErrTimeout
	}
	return t.rt.semacquire(t, addr, t.rt.when(timeout))
}

// Semrelease increments *addr and wakes a task waiting on it, if any. t is
// the calling task, or nil outside any task.
func Semrelease(t *Task, addr *uint32) {
	semrelease(t, addr)
}

// CanSpin reports whether a task contending for a lock may busy-wait on
// iteration i rather than sleep. Spinning only pays off on a multicore
// machine with other busy contexts (one of which is likely the lock holder),
// when t's own context has nothing else to run. A nil t never spins.
func CanSpin(t *Task, i int) bool {
	if t == nil {
		return false
	}
	rt := t.rt
	if i >= activeSpin || runtime.NumCPU() <= 1 {
		return false
	}
	if int32(len(rt.procs)) <= rt.sched.npidle.Load()+rt.sched.nmspinning.Load()+1 {
		return false
	}
	if p := t.heldProc(); p == nil || !runqempty(p) {
		return false
	}
	return true
}

// DoSpin busy-waits for a short, fixed number of iterations.
func DoSpin() {
	for i := 0; i < activeSpinCnt; i++ {
		spinSink.Add(1)
	}
}

var spinSink atomic.Uint32
