package tin

// EnterSyscall tells the runtime that t is about to block outside of the
// runtime's control, e.g. in a blocking system call. The context held by the
// task's worker is handed off immediately, so other tasks keep running. The
// task keeps its worker, and must call [Task.ExitSyscall] before using any
// other runtime operation.
func (t *Task) EnterSyscall() {
	w := t.worker()
	if !t.state.TryTransition(TaskRunning, TaskInSyscall) {
		t.rt.fatal("EnterSyscall: bad task state " + t.state.Load().String())
	}
	p := w.releasep()
	p.status.Store(procInSyscall)
	w.oldp = p.id
	t.rt.stats.syscalls.Add(1)
	t.rt.handoffp(p)
}

// ExitSyscall returns t from a blocking call. If a context is idle, preferably
// the one the task held before, the task continues immediately. Otherwise it
// is queued, and resumes once a worker picks it up.
func (t *Task) ExitSyscall() {
	w := t.worker()
	if t.state.Load() != TaskInSyscall {
		t.rt.fatal("ExitSyscall: bad task state " + t.state.Load().String())
	}
	if w.exitsyscallfast() {
		if !t.state.TryTransition(TaskInSyscall, TaskRunning) {
			t.rt.fatal("ExitSyscall: bad task state " + t.state.Load().String())
		}
		return
	}
	t.switchOut(switchSyscall)
}

// Syscall runs fn between EnterSyscall and ExitSyscall.
func (t *Task) Syscall(fn func() error) error {
	t.EnterSyscall()
	err := fn()
	t.ExitSyscall()
	return err
}

// exitsyscallfast tries to get a proc without switching, the previous one if
// it is still idle.
func (w *worker) exitsyscallfast() bool {
	rt := w.rt
	oldp := w.oldp
	w.oldp = -1

	rt.sched.lock.Lock()
	var p *proc
	if oldp >= 0 && rt.pidleremove(rt.procs[oldp]) {
		p = rt.procs[oldp]
	} else {
		p = rt.pidleget()
	}
	rt.sched.lock.Unlock()

	if p == nil {
		return false
	}
	w.acquirep(p)
	return true
}

// exitsyscall0 is the slow path of ExitSyscall, run by the worker once the
// task switched out: the task runs here if a proc became idle, or is queued
// while the worker stops.
func (w *worker) exitsyscall0(t *Task) *Task {
	rt := w.rt
	t.m.Store(-1)
	if !t.state.TryTransition(TaskInSyscall, TaskRunnable) {
		rt.fatal("exitsyscall: bad task state " + t.state.Load().String())
	}

	rt.sched.lock.Lock()
	p := rt.pidleget()
	if p == nil {
		rt.globrunqput(t)
	}
	rt.sched.lock.Unlock()

	if p != nil {
		w.acquirep(p)
		return t
	}
	if w.lockedg != nil {
		// Wait until another worker schedules t, and so this one.
		if !w.stoplockedm() {
			return nil
		}
		return t
	}
	w.stopm()
	return nil
}
