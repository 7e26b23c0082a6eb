package tin

import (
	"runtime"
	"sync/atomic"
	"time"
)

// runqSize is the capacity of a context's local run queue.
const runqSize = 256

// proc is a scheduling context: the right to execute tasks. A worker must hold
// a proc to run a task, so the number of procs bounds parallelism.
//
// The local run queue is a single-producer, multi-consumer ring: only the
// owning worker pushes (runqput), while the owner and thieves pop.
type proc struct {
	id     int32
	status atomicState[procStatus]
	// m is the id of the owning worker, or -1.
	m atomic.Int32
	// link chains idle procs, guarded by sched.lock.
	link int32

	// schedtick is incremented on every non-inherited execute. Owner only.
	schedtick uint32

	_        [sizeOfCacheLine]byte
	runqhead atomic.Uint32
	_        [sizeOfCacheLine - sizeOfAtomicUint32]byte
	runqtail atomic.Uint32
	_        [sizeOfCacheLine - sizeOfAtomicUint32]byte
	runq     [runqSize]atomic.Pointer[Task]
	// runnext, if non-nil, is run before anything in runq. It holds a task
	// readied by the running task, which inherits the remaining time slice.
	runnext atomic.Pointer[Task]
}

func newProc(id int32) *proc {
	p := &proc{id: id, link: -1}
	p.m.Store(-1)
	p.status.Store(procIdle)
	return p
}

// runqempty reports whether p has no tasks on its local run queue.
// It never returns true spuriously.
func runqempty(p *proc) bool {
	// Observing head == tail then runnext == nil is not enough: runqput may
	// have kicked runnext into the ring between the two loads. Retry until
	// tail is stable across the runnext load.
	for {
		head := p.runqhead.Load()
		tail := p.runqtail.Load()
		runnext := p.runnext.Load()
		if tail == p.runqtail.Load() {
			return head == tail && runnext == nil
		}
	}
}

// runqlen is the number of tasks in the ring, excluding runnext.
func runqlen(p *proc) int {
	return int(p.runqtail.Load() - p.runqhead.Load())
}

// runqput tries to put t on the local run queue. If next is true it puts t
// in p.runnext, kicking any previous occupant to the tail of the ring. If the
// ring is full, half of it moves to the global queue.
// Executed only by the owner of p.
func (rt *Runtime) runqput(p *proc, t *Task, next bool) {
	if next {
		for {
			old := p.runnext.Load()
			if !p.runnext.CompareAndSwap(old, t) {
				continue
			}
			if old == nil {
				return
			}
			t = old
			break
		}
	}

	for {
		h := p.runqhead.Load()
		tail := p.runqtail.Load()
		if tail-h < runqSize {
			p.runq[tail%runqSize].Store(t)
			p.runqtail.Store(tail + 1)
			return
		}
		if rt.runqputslow(p, t, h, tail) {
			return
		}
		// the queue is not full, now the put above must succeed
	}
}

// runqputslow moves t and a batch of work from the local queue to the global
// queue. Executed only by the owner of p.
func (rt *Runtime) runqputslow(p *proc, t *Task, h, tail uint32) bool {
	var batch [runqSize/2 + 1]*Task

	n := tail - h
	n = n / 2
	if n != runqSize/2 {
		rt.fatal("runqputslow: queue is not full")
	}
	for i := uint32(0); i < n; i++ {
		batch[i] = p.runq[(h+i)%runqSize].Load()
	}
	if !p.runqhead.CompareAndSwap(h, h+n) {
		// consumers stole some, the ring has room again
		return false
	}
	batch[n] = t

	var q taskQueue
	for _, b := range batch[:n+1] {
		q.pushBack(b)
	}

	rt.sched.lock.Lock()
	rt.globrunqputbatch(&q, int32(n+1))
	rt.sched.lock.Unlock()
	return true
}

// runqget gets a task from the local run queue. If inheritTime is true, the
// task should inherit the remaining time in the current time slice.
// Executed only by the owner of p.
func runqget(p *proc) (t *Task, inheritTime bool) {
	for {
		next := p.runnext.Load()
		if next == nil {
			break
		}
		if p.runnext.CompareAndSwap(next, nil) {
			return next, true
		}
	}

	for {
		h := p.runqhead.Load()
		tail := p.runqtail.Load()
		if tail == h {
			return nil, false
		}
		t := p.runq[h%runqSize].Load()
		if p.runqhead.CompareAndSwap(h, h+1) {
			return t, false
		}
	}
}

// runqgrab copies half of the tasks on p's local queue into batch, starting
// at batchHead, returning the number grabbed. With stealRunNext, runnext is
// taken when the ring is empty.
// Can be executed by any worker.
func runqgrab(p *proc, batch *[runqSize]atomic.Pointer[Task], batchHead uint32, stealRunNext bool) uint32 {
	for {
		h := p.runqhead.Load()
		tail := p.runqtail.Load()
		n := tail - h
		n = n - n/2
		if n == 0 {
			if stealRunNext {
				if next := p.runnext.Load(); next != nil {
					if p.status.Load() == procRunning {
						// The owner likely just readied next and is about to
						// block. Back off so it gets the chance to run it,
						// instead of bouncing the task between contexts.
						backoff()
					}
					if !p.runnext.CompareAndSwap(next, nil) {
						continue
					}
					batch[batchHead%runqSize].Store(next)
					return 1
				}
			}
			return 0
		}
		if n > runqSize/2 {
			// inconsistent h and tail
			continue
		}
		for i := uint32(0); i < n; i++ {
			batch[(batchHead+i)%runqSize].Store(p.runq[(h+i)%runqSize].Load())
		}
		if p.runqhead.CompareAndSwap(h, h+n) {
			return n
		}
	}
}

// runqsteal steals half of the tasks from victim's local queue, putting them
// on p's, and returns one of them (or nil).
// Executed only by the owner of p.
func (rt *Runtime) runqsteal(p, victim *proc, stealRunNext bool) *Task {
	tail := p.runqtail.Load()
	n := runqgrab(victim, &p.runq, tail, stealRunNext)
	if n == 0 {
		return nil
	}
	rt.stats.steals.Add(1)
	n--
	t := p.runq[(tail+n)%runqSize].Load()
	if n == 0 {
		return t
	}
	h := p.runqhead.Load()
	if tail-h+n >= runqSize {
		rt.fatal("runqsteal: runq overflow")
	}
	p.runqtail.Store(tail + n)
	return t
}

// backoff briefly pauses a thief about to take a running context's runnext.
func backoff() {
	if runtime.GOOS == "windows" {
		runtime.Gosched()
		return
	}
	time.Sleep(3 * time.Microsecond)
}
