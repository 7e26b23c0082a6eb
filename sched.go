package tin

import (
	"sync"
	"sync/atomic"
)

// scheduler is the global scheduling state shared by all workers.
type scheduler struct {
	lock sync.Mutex

	// idle workers, linked through worker.schedlink
	midle  int32
	nmidle int32
	// mcount is the number of workers ever created, bounded by MaxWorkers.
	mcount int32

	// idle procs, linked through proc.link
	pidle  int32
	npidle atomic.Int32
	// nmspinning is the number of workers looking for work while holding a
	// proc. At most one worker is woken at a time while any are spinning.
	nmspinning atomic.Int32

	// global run queue, written under lock
	runq     taskQueue
	runqsize atomic.Int32

	// lastpoll is the time of the last network poll, or 0 while a worker is
	// blocked in one.
	lastpoll atomic.Int64

	// stopping is set once no tasks remain and workers must exit.
	stopping atomic.Bool
}

// globrunqput puts t on the tail of the global run queue.
// sched.lock must be held.
func (rt *Runtime) globrunqput(t *Task) {
	rt.sched.runq.pushBack(t)
	rt.sched.runqsize.Add(1)
}

// globrunqputbatch moves a batch of n tasks onto the global run queue.
// sched.lock must be held.
func (rt *Runtime) globrunqputbatch(batch *taskQueue, n int32) {
	rt.sched.runq.pushBackAll(batch)
	rt.sched.runqsize.Add(n)
}

// globrunqget takes a fair share of the global run queue onto p's local
// queue, returning one task to run. max bounds the batch, 0 meaning no bound.
// sched.lock must be held.
func (rt *Runtime) globrunqget(p *proc, max int32) *Task {
	size := rt.sched.runqsize.Load()
	if size == 0 {
		return nil
	}

	n := size/int32(len(rt.procs)) + 1
	if n > size {
		n = size
	}
	if max > 0 && n > max {
		n = max
	}
	if n > runqSize/2 {
		n = runqSize / 2
	}

	rt.sched.runqsize.Add(-n)

	t := rt.sched.runq.pop()
	n--
	for ; n > 0; n-- {
		rt.runqput(p, rt.sched.runq.pop(), false)
	}
	return t
}

// pidleput puts p on the idle list.
// sched.lock must be held.
func (rt *Runtime) pidleput(p *proc) {
	if !runqempty(p) {
		rt.fatal("pidleput: context has non-empty run queue")
	}
	p.status.Store(procIdle)
	p.link = rt.sched.pidle
	rt.sched.pidle = p.id
	rt.sched.npidle.Add(1)
}

// pidleget takes a proc off the idle list, or returns nil.
// sched.lock must be held.
func (rt *Runtime) pidleget() *proc {
	id := rt.sched.pidle
	if id < 0 {
		return nil
	}
	p := rt.procs[id]
	rt.sched.pidle = p.link
	p.link = -1
	rt.sched.npidle.Add(-1)
	return p
}

// pidleremove takes a specific proc off the idle list, reporting whether it
// was there.
// sched.lock must be held.
func (rt *Runtime) pidleremove(p *proc) bool {
	for prev, id := int32(-1), rt.sched.pidle; id >= 0; prev, id = id, rt.procs[id].link {
		if id != p.id {
			continue
		}
		if prev < 0 {
			rt.sched.pidle = p.link
		} else {
			rt.procs[prev].link = p.link
		}
		p.link = -1
		rt.sched.npidle.Add(-1)
		return true
	}
	return false
}

// mput puts w on the idle worker list.
// sched.lock must be held.
func (rt *Runtime) mput(w *worker) {
	w.schedlink = rt.sched.midle
	rt.sched.midle = w.id
	rt.sched.nmidle++
}

// mget takes a worker off the idle list, or returns nil.
// sched.lock must be held.
func (rt *Runtime) mget() *worker {
	id := rt.sched.midle
	if id < 0 {
		return nil
	}
	w := rt.workers[id].Load()
	rt.sched.midle = w.schedlink
	w.schedlink = -1
	rt.sched.nmidle--
	return w
}

// startm schedules some worker to run p, creating one if necessary. If p is
// nil an idle proc is used, and if there is none startm does nothing. With
// spinning, the caller has already incremented nmspinning and the started
// worker will look for work.
func (rt *Runtime) startm(p *proc, spinning bool) {
	rt.sched.lock.Lock()
	if p == nil {
		p = rt.pidleget()
		if p == nil {
			rt.sched.lock.Unlock()
			if spinning {
				// the caller incremented nmspinning, but there are no idle
				// procs, so it's okay to just undo the increment and give up
				if rt.sched.nmspinning.Add(-1) < 0 {
					rt.fatal("startm: negative nmspinning")
				}
			}
			return
		}
	}
	w := rt.mget()
	if w == nil {
		w = rt.newm(p, spinning)
		rt.sched.lock.Unlock()
		rt.workerWG.Add(1)
		go w.main()
		return
	}
	rt.sched.lock.Unlock()
	if w.spinning {
		rt.fatal("startm: worker is spinning")
	}
	if w.nextp >= 0 {
		rt.fatal("startm: worker has context")
	}
	if spinning && !runqempty(p) {
		rt.fatal("startm: context has runnable tasks")
	}
	w.spinning = spinning
	w.nextp = p.id
	w.wakeup()
}

// newm allocates a worker that will start with p.
// sched.lock must be held.
func (rt *Runtime) newm(p *proc, spinning bool) *worker {
	id := rt.sched.mcount
	if int(id) >= len(rt.workers) {
		rt.sched.lock.Unlock()
		rt.fatal("worker limit exceeded")
	}
	rt.sched.mcount++
	w := newWorker(rt, id)
	w.nextp = p.id
	w.spinning = spinning
	rt.workers[id].Store(w)
	return w
}

// handoffp passes a proc released by a worker entering a syscall or blocking
// on a pinned task to another worker, or puts it on the idle list.
func (rt *Runtime) handoffp(p *proc) {
	// if it has local work, start it straight away
	if !runqempty(p) || rt.sched.runqsize.Load() != 0 {
		rt.startm(p, false)
		return
	}
	// no local work, check that there are no spinning/idle workers,
	// otherwise our help is not required
	if rt.sched.nmspinning.Load()+rt.sched.npidle.Load() == 0 && rt.sched.nmspinning.CompareAndSwap(0, 1) {
		rt.startm(p, true)
		return
	}
	rt.sched.lock.Lock()
	if rt.sched.stopping.Load() {
		rt.pidleput(p)
		rt.sched.lock.Unlock()
		return
	}
	if rt.sched.runqsize.Load() != 0 {
		rt.sched.lock.Unlock()
		rt.startm(p, false)
		return
	}
	// if this is the last running proc and nobody is polling the network,
	// need to wake up another worker to poll
	if int(rt.sched.npidle.Load()) == len(rt.procs)-1 && rt.netpoll.waiters.Load() > 0 && rt.sched.lastpoll.Load() != 0 {
		rt.sched.lock.Unlock()
		rt.startm(p, false)
		return
	}
	rt.pidleput(p)
	rt.sched.lock.Unlock()
}

// wakep tries to add one more worker to look for work, when tasks became
// runnable and a proc is idle.
func (rt *Runtime) wakep() {
	// be conservative about spinning workers, if one is spinning it will
	// find the work, and wake another if there's more
	if !rt.sched.nmspinning.CompareAndSwap(0, 1) {
		return
	}
	rt.startm(nil, true)
}

// maybeWakep calls wakep if there is an idle proc and no spinning worker.
func (rt *Runtime) maybeWakep() {
	if rt.sched.npidle.Load() != 0 && rt.sched.nmspinning.Load() == 0 {
		rt.wakep()
	}
}

// injectglist makes every task on list runnable, adding them to the global
// queue and starting up to one worker per task on idle procs.
func (rt *Runtime) injectglist(list *taskList) {
	if list.empty() {
		return
	}
	var q taskQueue
	var n int32
	for t := list.pop(); t != nil; t = list.pop() {
		if !t.state.TryTransition(TaskWaiting, TaskRunnable) {
			rt.fatal("injectglist: bad task state " + t.state.Load().String())
		}
		q.pushBack(t)
		n++
	}
	rt.sched.lock.Lock()
	rt.globrunqputbatch(&q, n)
	rt.sched.lock.Unlock()
	for ; n != 0 && rt.sched.npidle.Load() != 0; n-- {
		rt.startm(nil, false)
	}
}

// ready marks a waiting task runnable. If cur is the calling task, of the
// same runtime, and holds a proc, t goes on that proc's run queue (in runnext
// if next is set), otherwise on the global queue. cur may be nil.
func (rt *Runtime) ready(t *Task, cur *Task, next bool) {
	if cur != nil && cur.rt != rt {
		cur = nil
	}
	rt.readyp(t, cur.heldProc(), next)
}

// stealOrder enumerates all procs in a pseudo-random order, by stepping
// through them with a stride coprime to their count.
type stealOrder struct {
	count   uint32
	coprime []uint32
}

func newStealOrder(count uint32) stealOrder {
	o := stealOrder{count: count}
	for i := uint32(1); i <= count; i++ {
		if gcd(i, count) == 1 {
			o.coprime = append(o.coprime, i)
		}
	}
	return o
}

func (o *stealOrder) start(r uint32) stealEnum {
	return stealEnum{
		count: o.count,
		pos:   r % o.count,
		inc:   o.coprime[r%uint32(len(o.coprime))],
	}
}

type stealEnum struct {
	i     uint32
	count uint32
	pos   uint32
	inc   uint32
}

func (e *stealEnum) done() bool {
	return e.i == e.count
}

func (e *stealEnum) next() {
	e.i++
	e.pos = (e.pos + e.inc) % e.count
}

func (e *stealEnum) position() uint32 {
	return e.pos
}

func gcd(a, b uint32) uint32 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
