package tin

import (
	"math/rand/v2"
	"sync/atomic"
)

// worker executes tasks while holding a proc. Workers are goroutines that
// switch into task continuations, and park on a note when there is no work.
//
// Fields other than p are only accessed by the worker itself, or by the task
// it is currently running (which executes synchronously with the worker),
// or under sched.lock while the worker is idle.
type worker struct {
	rt *Runtime
	id int32

	// p is the id of the held proc, or -1.
	p atomic.Int32
	// nextp is the proc to acquire when woken.
	nextp int32
	// oldp is the proc held before entering a syscall.
	oldp int32
	// schedlink chains idle workers, guarded by sched.lock.
	schedlink int32

	spinning bool
	exiting  bool
	curg     *Task
	lockedg  *Task

	// park is the worker's sleep note.
	park chan struct{}

	// dead holds exited tasks whose stacks are released on the next switch.
	dead []*Task
}

func newWorker(rt *Runtime, id int32) *worker {
	w := &worker{
		rt:        rt,
		id:        id,
		nextp:     -1,
		oldp:      -1,
		schedlink: -1,
		park:      make(chan struct{}, 1),
	}
	w.p.Store(-1)
	return w
}

func (w *worker) main() {
	defer w.rt.workerWG.Done()
	w.rt.logWorker(w, "worker started")

	if w.nextp >= 0 {
		w.acquirep(w.rt.procs[w.nextp])
		w.nextp = -1
	}

	w.schedule()

	w.drainDead()
	if w.spinning {
		w.spinning = false
		w.rt.sched.nmspinning.Add(-1)
	}
	if p := w.proc(); p != nil {
		w.releasep()
		w.rt.sched.lock.Lock()
		w.rt.pidleput(p)
		w.rt.sched.lock.Unlock()
	}
	w.rt.logWorker(w, "worker exited")
}

// wakeup signals the worker's note.
func (w *worker) wakeup() {
	select {
	case w.park <- struct{}{}:
	default:
	}
}

// proc returns the held proc, or nil.
func (w *worker) proc() *proc {
	id := w.p.Load()
	if id < 0 {
		return nil
	}
	return w.rt.procs[id]
}

// acquirep associates p with the worker.
func (w *worker) acquirep(p *proc) {
	if w.p.Load() >= 0 {
		w.rt.fatal("acquirep: already holding a context")
	}
	if p.m.Load() >= 0 || p.status.Load() == procRunning {
		w.rt.fatal("acquirep: invalid context state " + p.status.Load().String())
	}
	p.m.Store(w.id)
	p.status.Store(procRunning)
	w.p.Store(p.id)
}

// releasep disassociates the held proc from the worker, returning it idle.
func (w *worker) releasep() *proc {
	p := w.proc()
	if p == nil {
		w.rt.fatal("releasep: not holding a context")
	}
	if p.m.Load() != w.id || p.status.Load() != procRunning {
		w.rt.fatal("releasep: invalid context state " + p.status.Load().String())
	}
	w.p.Store(-1)
	p.m.Store(-1)
	p.status.Store(procIdle)
	return p
}

// schedule runs one round of the scheduler loop after another, until the
// runtime stops.
func (w *worker) schedule() {
	var next *Task
	for !w.exiting {
		if next != nil {
			t := next
			next = w.execute(t, true)
			continue
		}

		if w.lockedg != nil {
			if !w.stoplockedm() {
				return
			}
			next = w.execute(w.lockedg, false)
			continue
		}

		t, inheritTime := w.pick()
		if t == nil {
			return
		}

		// This worker is going to run a task, so it is no longer spinning,
		// and if it was the last spinner another one may be needed.
		if w.spinning {
			w.resetspinning()
		}

		if t.lockedm.Load() >= 0 {
			// Hands off own proc to the locked worker, then blocks waiting
			// for a new proc.
			w.startlockedm(t)
			if !w.stopm() {
				return
			}
			continue
		}

		next = w.execute(t, inheritTime)
	}
}

// pick finds a runnable task, blocking until one is available. It returns nil
// once the runtime is stopping.
func (w *worker) pick() (*Task, bool) {
	p := w.proc()
	// Check the global queue once in a while to ensure fairness. Otherwise
	// two tasks can completely occupy the local queue by constantly
	// readying each other.
	if p.schedtick%61 == 0 && w.rt.sched.runqsize.Load() > 0 {
		w.rt.sched.lock.Lock()
		t := w.rt.globrunqget(p, 1)
		w.rt.sched.lock.Unlock()
		if t != nil {
			return t, false
		}
	}
	if t, inheritTime := runqget(p); t != nil {
		return t, inheritTime
	}
	return w.findRunnable()
}

// findRunnable tries to find a task to run: from the local and global run
// queues, the network poller, or by stealing from other procs. When there is
// none, the worker gives up its proc and sleeps.
func (w *worker) findRunnable() (*Task, bool) {
	for {
		if w.rt.sched.stopping.Load() {
			return nil, false
		}
		if t, inheritTime := w.findReady(); t != nil {
			return t, inheritTime
		}
		if t := w.steal(); t != nil {
			return t, false
		}
		t, ok := w.idle()
		if t != nil {
			return t, false
		}
		if !ok {
			return nil, false
		}
	}
}

// findReady checks the local and global run queues, and polls the network
// without blocking.
func (w *worker) findReady() (*Task, bool) {
	rt := w.rt
	p := w.proc()

	if t, inheritTime := runqget(p); t != nil {
		return t, inheritTime
	}

	if rt.sched.runqsize.Load() != 0 {
		rt.sched.lock.Lock()
		t := rt.globrunqget(p, 0)
		rt.sched.lock.Unlock()
		if t != nil {
			return t, false
		}
	}

	// This is purely an optimization: it avoids a worker blocking on the
	// poller when there are ready descriptors.
	if rt.netpoll.ready() && rt.netpoll.waiters.Load() > 0 && rt.sched.lastpoll.Load() != 0 {
		if list := rt.pollNetwork(0); !list.empty() {
			t := list.pop()
			rt.injectglist(&list)
			w.markRunnable(t)
			return t, false
		}
	}

	return nil, false
}

// steal tries to take work from other procs, returning nil if there was none
// or if enough workers are already spinning.
func (w *worker) steal() *Task {
	rt := w.rt
	p := w.proc()
	nprocs := int32(len(rt.procs))

	// If number of spinning workers is at least the number of busy procs,
	// block. This is necessary to prevent excessive CPU consumption when
	// parallelism is high but the program parallelism is low.
	if !w.spinning && 2*rt.sched.nmspinning.Load() >= nprocs-rt.sched.npidle.Load() {
		return nil
	}
	if !w.spinning {
		w.spinning = true
		rt.sched.nmspinning.Add(1)
	}

	for i := 0; i < 4; i++ {
		for enum := rt.stealOrder.start(rand.Uint32()); !enum.done(); enum.next() {
			victim := rt.procs[enum.position()]
			if victim == p {
				continue
			}
			// first look for ready queues with more than 1 task
			if t := rt.runqsteal(p, victim, i > 2); t != nil {
				return t
			}
		}
	}
	return nil
}

// idle is the tail of findRunnable: it releases the proc, rechecks every
// source of work, blocks in the network poller if anyone waits on I/O, and
// otherwise stops the worker. It returns a task to run, or whether the search
// should be retried.
func (w *worker) idle() (*Task, bool) {
	rt := w.rt
	p := w.proc()

	// return the proc and block
	rt.sched.lock.Lock()
	if rt.sched.runqsize.Load() != 0 {
		t := rt.globrunqget(p, 0)
		rt.sched.lock.Unlock()
		return t, true
	}
	if w.releasep() != p {
		rt.fatal("findRunnable: wrong context")
	}
	rt.pidleput(p)
	rt.sched.lock.Unlock()

	// Delicate dance: the worker must drop spinning state before the
	// rechecks below, otherwise work submitted between the rechecks and
	// the drop would not wake anyone. Conversely, if any run queue is
	// found to be non-empty, spinning resumes.
	wasSpinning := w.spinning
	if w.spinning {
		w.spinning = false
		if rt.sched.nmspinning.Add(-1) < 0 {
			rt.fatal("findRunnable: negative nmspinning")
		}
	}

	// Check the global queue again: it may have been filled by a goroutine
	// outside the runtime, which saw this worker spinning and so did not
	// wake anyone.
	if rt.sched.runqsize.Load() != 0 {
		rt.sched.lock.Lock()
		p = rt.pidleget()
		rt.sched.lock.Unlock()
		if p != nil {
			w.acquirep(p)
			if wasSpinning {
				w.spinning = true
				rt.sched.nmspinning.Add(1)
			}
			return nil, true
		}
	}

	// check all run queues once again
	for _, victim := range rt.procs {
		if runqempty(victim) {
			continue
		}
		rt.sched.lock.Lock()
		p = rt.pidleget()
		rt.sched.lock.Unlock()
		if p != nil {
			w.acquirep(p)
			if wasSpinning {
				w.spinning = true
				rt.sched.nmspinning.Add(1)
			}
			return nil, true
		}
		break
	}

	// poll network until the next event
	if rt.netpoll.ready() && rt.netpoll.waiters.Load() > 0 && rt.sched.lastpoll.Swap(0) != 0 {
		if w.p.Load() >= 0 {
			rt.fatal("findRunnable: netpoll with context")
		}
		if w.spinning {
			rt.fatal("findRunnable: netpoll with spinning")
		}
		list := rt.pollNetwork(-1)
		rt.sched.lastpoll.Store(rt.nanotime())
		rt.sched.lock.Lock()
		p = rt.pidleget()
		rt.sched.lock.Unlock()
		if p == nil {
			rt.injectglist(&list)
		} else {
			w.acquirep(p)
			if !list.empty() {
				t := list.pop()
				rt.injectglist(&list)
				w.markRunnable(t)
				return t, true
			}
			if wasSpinning {
				w.spinning = true
				rt.sched.nmspinning.Add(1)
			}
			return nil, true
		}
	}

	return nil, w.stopm()
}

// markRunnable transitions a task returned by the poller.
func (w *worker) markRunnable(t *Task) {
	if !t.state.TryTransition(TaskWaiting, TaskRunnable) {
		w.rt.fatal("findRunnable: bad task state " + t.state.Load().String())
	}
}

// resetspinning ends the worker's spinning state, waking another spinner if
// this was the last one and procs are idle.
func (w *worker) resetspinning() {
	if !w.spinning {
		w.rt.fatal("resetspinning: not a spinning worker")
	}
	w.spinning = false
	nmspinning := w.rt.sched.nmspinning.Add(-1)
	if nmspinning < 0 {
		w.rt.fatal("resetspinning: negative nmspinning")
	}
	if nmspinning == 0 && w.rt.sched.npidle.Load() > 0 {
		w.rt.wakep()
	}
}

// stopm puts the worker on the idle list and sleeps until it is handed a
// proc. It returns false if the runtime is stopping.
func (w *worker) stopm() bool {
	rt := w.rt
	if w.p.Load() >= 0 {
		rt.fatal("stopm: holding context")
	}
	if w.spinning {
		rt.fatal("stopm: spinning")
	}

	w.drainDead()

	rt.sched.lock.Lock()
	if rt.sched.stopping.Load() {
		rt.sched.lock.Unlock()
		w.exiting = true
		return false
	}
	rt.mput(w)
	rt.sched.lock.Unlock()

	<-w.park

	if w.nextp < 0 {
		// woken to exit
		w.exiting = true
		return false
	}
	w.acquirep(rt.procs[w.nextp])
	w.nextp = -1
	return true
}

// execute runs t until it switches out, then completes the switch. It
// returns a task that must run next on this worker, if any.
func (w *worker) execute(t *Task, inheritTime bool) *Task {
	p := w.proc()
	if !t.state.TryTransition(TaskRunnable, TaskRunning) {
		w.rt.fatal("execute: bad task state " + t.state.Load().String())
	}
	if !inheritTime {
		p.schedtick++
	}
	w.curg = t
	t.m.Store(w.id)

	w.drainDead()

	if !t.co.Resume() {
		w.curg = nil
		w.goexit(t)
		return nil
	}
	w.curg = nil

	switch t.reason {
	case switchPark:
		return w.parkDone(t)
	case switchYield:
		w.yieldDone(t)
		return nil
	case switchSyscall:
		return w.exitsyscall0(t)
	default:
		w.rt.fatal("execute: bad switch reason")
		return nil
	}
}

// parkDone completes a park: it marks the task waiting, then lets its unlock
// callback decide whether it stays parked.
func (w *worker) parkDone(t *Task) *Task {
	t.m.Store(-1)
	if !t.state.TryTransition(TaskRunning, TaskWaiting) {
		w.rt.fatal("park: bad task state " + t.state.Load().String())
	}
	unlock := t.parkUnlock
	t.parkUnlock = nil
	if unlock != nil && !unlock(t) {
		if !t.state.TryTransition(TaskWaiting, TaskRunnable) {
			w.rt.fatal("park: bad task state " + t.state.Load().String())
		}
		return t
	}
	return nil
}

// yieldDone puts a yielding task on the global run queue.
func (w *worker) yieldDone(t *Task) {
	t.m.Store(-1)
	if !t.state.TryTransition(TaskRunning, TaskRunnable) {
		w.rt.fatal("yield: bad task state " + t.state.Load().String())
	}
	w.rt.sched.lock.Lock()
	w.rt.globrunqput(t)
	w.rt.sched.lock.Unlock()
}

// goexit finishes a task whose entry function returned.
func (w *worker) goexit(t *Task) {
	t.m.Store(-1)
	if t.state.Load() == TaskInSyscall {
		// exited without leaving the syscall
		w.oldp = -1
		w.reacquire()
	}
	if t.lockedm.Load() >= 0 {
		t.lockedm.Store(-1)
		t.lockCount = 0
		w.lockedg = nil
	}
	t.state.Store(TaskExited)
	w.dead = append(w.dead, t)
	w.rt.taskExited(t, w.proc())
}

// reacquire gets the worker a proc after it lost one, sleeping if needed.
func (w *worker) reacquire() {
	w.rt.sched.lock.Lock()
	p := w.rt.pidleget()
	w.rt.sched.lock.Unlock()
	if p != nil {
		w.acquirep(p)
		return
	}
	w.stopm()
}

// drainDead releases the stacks of exited tasks.
func (w *worker) drainDead() {
	for i, t := range w.dead {
		w.rt.releaseStack(t)
		w.dead[i] = nil
	}
	w.dead = w.dead[:0]
}
