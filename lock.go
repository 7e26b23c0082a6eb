package tin

// LockWorker wires t to its current worker: until a matching number of
// UnlockWorker calls, t runs only on this worker, and the worker runs no
// other task. Calls nest.
//
// Pinning is useful for code that depends on per-worker state, e.g. when a
// worker is itself locked to an OS thread for a C library.
func (t *Task) LockWorker() {
	w := t.worker()
	t.lockCount++
	if t.lockCount == 1 {
		t.lockedm.Store(w.id)
		w.lockedg = t
	}
}

// UnlockWorker undoes an earlier LockWorker. Calling it without a matching
// LockWorker is a no-op.
func (t *Task) UnlockWorker() {
	if t.lockCount == 0 {
		return
	}
	t.lockCount--
	if t.lockCount == 0 {
		w := t.worker()
		w.lockedg = nil
		t.lockedm.Store(-1)
	}
}

// LockedWorker returns the id of the worker t is pinned to, or -1.
func (t *Task) LockedWorker() int {
	return int(t.lockedm.Load())
}

// stoplockedm stops a worker whose pinned task is not runnable, handing its
// proc off, until another worker hands the task (and a proc) back. It returns
// false if the runtime is stopping.
func (w *worker) stoplockedm() bool {
	rt := w.rt
	if w.lockedg == nil || w.lockedg.lockedm.Load() != w.id {
		rt.fatal("stoplockedm: inconsistent locking")
	}
	if p := w.proc(); p != nil {
		w.releasep()
		rt.handoffp(p)
	}

	w.drainDead()
	<-w.park

	if w.nextp < 0 {
		w.exiting = true
		return false
	}
	w.acquirep(rt.procs[w.nextp])
	w.nextp = -1
	return true
}

// startlockedm passes t, which is pinned to another worker, back to that
// worker along with the current proc. The caller then stops.
func (w *worker) startlockedm(t *Task) {
	rt := w.rt
	owner := rt.workers[t.lockedm.Load()].Load()
	if owner == w {
		rt.fatal("startlockedm: locked to me")
	}
	if owner.nextp >= 0 {
		rt.fatal("startlockedm: worker has context")
	}
	p := w.releasep()
	owner.nextp = p.id
	owner.wakeup()
}
