package tin

import (
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-tin/internal/coro"
	"github.com/joeycumines/go-tin/stack"
)

// switchReason records why a task handed control back to its worker.
type switchReason uint8

const (
	switchNone switchReason = iota
	switchPark
	switchYield
	switchSyscall
)

// WaitReason describes what a waiting task is blocked on.
type WaitReason uint32

const (
	WaitReasonZero WaitReason = iota
	WaitReasonSleep
	WaitReasonSemacquire
	WaitReasonIOWait
	WaitReasonJoin
	WaitReasonOffload
	WaitReasonTimerIdle
)

// String returns a human-readable representation of the reason.
func (r WaitReason) String() string {
	switch r {
	case WaitReasonZero:
		return ""
	case WaitReasonSleep:
		return "sleep"
	case WaitReasonSemacquire:
		return "semacquire"
	case WaitReasonIOWait:
		return "IO wait"
	case WaitReasonJoin:
		return "join"
	case WaitReasonOffload:
		return "offload"
	case WaitReasonTimerIdle:
		return "timer goroutine (idle)"
	default:
		return "unknown"
	}
}

// Task is a lightweight thread of execution, multiplexed onto the runtime's
// workers. Every blocking operation takes the calling task as its first
// argument, and must only be called from that task's own entry function.
type Task struct {
	id     uint64
	name   string
	rt     *Runtime
	fn     func(t *Task)
	system bool

	state atomicState[TaskState]
	// m is the id of the worker running the task, or -1.
	m atomic.Int32
	// lockedm is the id of the worker the task is pinned to, or -1.
	lockedm   atomic.Int32
	lockCount int

	stk stack.Stack
	co  *coro.Coro

	// timer is lazily allocated for Sleep and timed semaphores.
	timer *timer

	// schedlink chains the task on a run or wait queue.
	schedlink *Task

	// set by the task before switching out, consumed by the worker
	reason     switchReason
	parkUnlock func(t *Task) bool
	waitReason atomicState[WaitReason]

	joinMu  sync.Mutex
	exited  bool
	joiners []*Task
	done    chan struct{}
	err     error

	lastErr error
}

func (rt *Runtime) newTask(fn func(t *Task), opts *spawnOptions, system bool) (*Task, error) {
	size := opts.stackSize
	if size == 0 {
		size = rt.config.StackSize
	}
	stk, err := rt.stacks.Allocate(size, rt.config.StackGuard)
	if err != nil {
		return nil, err
	}
	t := &Task{
		id:     rt.nextTaskID.Add(1),
		name:   opts.name,
		rt:     rt,
		fn:     fn,
		system: system,
		stk:    stk,
		done:   make(chan struct{}),
	}
	t.m.Store(-1)
	t.lockedm.Store(-1)
	t.co = coro.New(t.main)
	return t, nil
}

// main is the entry function of the task's continuation.
func (t *Task) main(*coro.Coro) {
	defer func() {
		if v := recover(); v != nil {
			if isFatal(v) {
				panic(v)
			}
			t.err = &PanicError{Value: v, Stack: debug.Stack()}
			t.rt.stats.panicked.Add(1)
			t.rt.logTaskPanicked(t, v)
		}
	}()
	t.fn(t)
}

// Spawn starts a new task running fn. When called from a running task, the
// new task goes on that task's context and runs next; during shutdown, tasks
// may still spawn children until the last task exits.
func (t *Task) Spawn(fn func(t *Task), opts ...SpawnOption) (*Task, error) {
	return t.rt.spawn(t, fn, opts, false)
}

func (rt *Runtime) spawn(parent *Task, fn func(t *Task), opts []SpawnOption, system bool) (*Task, error) {
	if fn == nil {
		return nil, ErrNilFunc
	}
	o, err := resolveSpawnOptions(opts)
	if err != nil {
		return nil, err
	}
	t, err := rt.newTask(fn, o, system)
	if err != nil {
		return nil, err
	}
	if err := rt.tasks.add(t, parent != nil); err != nil {
		rt.releaseStack(t)
		return nil, err
	}
	rt.stats.spawned.Add(1)

	t.state.Store(TaskRunnable)
	if p := parent.heldProc(); p != nil {
		rt.runqput(p, t, true)
	} else {
		rt.sched.lock.Lock()
		rt.globrunqput(t)
		rt.sched.lock.Unlock()
	}
	rt.maybeWakep()
	return t, nil
}

// taskExited completes the exit of t, readying any joiners on p (which may be
// nil).
func (rt *Runtime) taskExited(t *Task, p *proc) {
	rt.stats.exited.Add(1)

	t.joinMu.Lock()
	t.exited = true
	joiners := t.joiners
	t.joiners = nil
	t.joinMu.Unlock()

	for _, j := range joiners {
		rt.readyp(j, p, false)
	}

	rt.tasks.remove(t)
	close(t.done)
}

// releaseStack returns the stack of an exited task to the provider.
func (rt *Runtime) releaseStack(t *Task) {
	if t.stk == nil {
		return
	}
	if err := rt.stacks.Free(t.stk); err != nil {
		rt.log.logger.Err().
			Uint64("task", t.id).
			Err(err).
			Log("failed to free task stack")
	}
	t.stk = nil
}

// ID returns the unique id of the task.
func (t *Task) ID() uint64 { return t.id }

// Name returns the name given at spawn time, if any.
func (t *Task) Name() string { return t.name }

// Runtime returns the runtime the task belongs to.
func (t *Task) Runtime() *Runtime { return t.rt }

// State returns the current scheduling state.
func (t *Task) State() TaskState { return t.state.Load() }

// Stack returns the task's stack region. It must only be called by the task
// itself: the region is released once the task exits.
func (t *Task) Stack() []byte {
	if t.stk == nil {
		return nil
	}
	return t.stk.Bytes()
}

// SetLastError records err in the task's last-error slot, for code that
// reports failures out of band, errno style.
func (t *Task) SetLastError(err error) { t.lastErr = err }

// LastError returns the error recorded by SetLastError.
func (t *Task) LastError() error { return t.lastErr }

// WorkerID returns the id of the worker running the task, or -1.
func (t *Task) WorkerID() int { return int(t.m.Load()) }

// WaitReason describes what the task is waiting for, while it is Waiting.
func (t *Task) WaitReason() WaitReason { return t.waitReason.Load() }

// Done returns a channel closed once the task exits.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns a [*PanicError] if the task's entry function panicked. It is
// only meaningful after Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Join blocks cur until t exits, then returns [Task.Err]. With a nil cur the
// calling goroutine blocks instead, which is how code outside the runtime
// waits for a task.
func (t *Task) Join(cur *Task) error {
	if cur == nil {
		<-t.done
		return t.err
	}
	if cur == t {
		t.rt.fatal("Join: task joining itself")
	}
	t.joinMu.Lock()
	if t.exited {
		t.joinMu.Unlock()
		return t.err
	}
	t.joiners = append(t.joiners, cur)
	cur.park(func(*Task) bool {
		t.joinMu.Unlock()
		return true
	}, WaitReasonJoin)
	return t.err
}

// Yield puts t at the back of the global run queue, letting other tasks run.
func (t *Task) Yield() {
	t.mustBeRunning("Yield")
	t.rt.stats.yields.Add(1)
	t.switchOut(switchYield)
}

// park suspends t until another party readies it. The worker marks t Waiting,
// then calls unlock (if non-nil): if it returns false, t resumes immediately.
// Anything that may ready t must be published before unlock returns true.
func (t *Task) park(unlock func(t *Task) bool, reason WaitReason) {
	t.mustBeRunning("park")
	t.parkUnlock = unlock
	t.waitReason.Store(reason)
	t.switchOut(switchPark)
	t.waitReason.Store(WaitReasonZero)
}

// switchOut suspends the continuation, returning control to the worker.
func (t *Task) switchOut(reason switchReason) {
	t.reason = reason
	t.co.Suspend()
	t.reason = switchNone
}

func (t *Task) mustBeRunning(op string) {
	if s := t.state.Load(); s != TaskRunning {
		t.rt.fatal(op + ": bad task state " + s.String())
	}
}

// worker returns the worker running t.
func (t *Task) worker() *worker {
	id := t.m.Load()
	if id < 0 {
		t.rt.fatal("task is not running on a worker")
	}
	return t.rt.workers[id].Load()
}

// heldProc returns the proc held by the worker running t, or nil if t is nil,
// not running, or in a syscall. t must be the calling task.
func (t *Task) heldProc() *proc {
	if t == nil {
		return nil
	}
	id := t.m.Load()
	if id < 0 {
		return nil
	}
	return t.rt.workers[id].Load().proc()
}

// readyp is ready with an explicit proc: t goes on p's run queue, or the
// global queue if p is nil. p must be held by the caller.
func (rt *Runtime) readyp(t *Task, p *proc, next bool) {
	if !t.state.TryTransition(TaskWaiting, TaskRunnable) {
		rt.fatal("ready: bad task state " + t.state.Load().String())
	}
	if p != nil {
		rt.runqput(p, t, next)
	} else {
		rt.sched.lock.Lock()
		rt.globrunqput(t)
		rt.sched.lock.Unlock()
	}
	rt.maybeWakep()
}

// taskRegistry tracks live tasks, and whether the runtime accepts new ones.
type taskRegistry struct {
	mu      sync.Mutex
	all     map[uint64]*Task
	user    int
	closing bool
	drained chan struct{}
	closed  bool
}

func (r *taskRegistry) init() {
	r.all = make(map[uint64]*Task)
	r.drained = make(chan struct{})
}

// add registers t. Once closing, only tasks spawned by a live user task are
// accepted.
func (r *taskRegistry) add(t *Task, fromTask bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing && (!fromTask || r.user == 0) {
		return ErrRuntimeClosed
	}
	r.all[t.id] = t
	if !t.system {
		r.user++
	}
	return nil
}

func (r *taskRegistry) remove(t *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.all, t.id)
	if !t.system {
		r.user--
	}
	r.checkDrainedLocked()
}

// close stops accepting tasks from outside the runtime, returning a channel
// closed once no user tasks remain.
func (r *taskRegistry) close() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closing = true
	r.checkDrainedLocked()
	return r.drained
}

func (r *taskRegistry) checkDrainedLocked() {
	if r.closing && r.user == 0 && !r.closed {
		r.closed = true
		close(r.drained)
	}
}

func (r *taskRegistry) counts() (all, user int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.all), r.user
}
