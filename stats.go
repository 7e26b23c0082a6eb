package tin

import (
	"sync/atomic"
)

// counters are cumulative runtime statistics, updated atomically.
type counters struct {
	spawned     atomic.Uint64
	exited      atomic.Uint64
	panicked    atomic.Uint64
	yields      atomic.Uint64
	steals      atomic.Uint64
	syscalls    atomic.Uint64
	offloaded   atomic.Uint64
	timersFired atomic.Uint64
	netpolls    atomic.Uint64
	pollOpened  atomic.Uint64
}

// Stats is a point in time snapshot of the runtime. Fields are read without
// stopping the world, so they need not be mutually consistent.
type Stats struct {
	// Tasks is the number of live tasks, including runtime-internal ones.
	Tasks     int
	// UserTasks excludes runtime-internal tasks.
	UserTasks int

	Spawned   uint64
	Exited    uint64
	Panicked  uint64
	Yields    uint64
	Steals    uint64
	Syscalls  uint64
	Offloaded uint64

	// Workers is the number of workers created so far, IdleWorkers the
	// number sleeping, and SpinningWorkers the number looking for work.
	Workers         int
	IdleWorkers     int
	SpinningWorkers int

	// Contexts is the number of scheduling contexts, IdleContexts the
	// number not held by a worker.
	Contexts     int
	IdleContexts int

	// GlobalQueue is the length of the global run queue, and LocalQueues
	// the length of each context's local run queue (including runnext).
	GlobalQueue int
	LocalQueues []int

	Timers      int
	TimersFired uint64
	PollWaiters int
	Polls       uint64
	PollsOpened uint64
}

// Stats returns a snapshot of the runtime's statistics.
func (rt *Runtime) Stats() Stats {
	s := Stats{
		Spawned:         rt.stats.spawned.Load(),
		Exited:          rt.stats.exited.Load(),
		Panicked:        rt.stats.panicked.Load(),
		Yields:          rt.stats.yields.Load(),
		Steals:          rt.stats.steals.Load(),
		Syscalls:        rt.stats.syscalls.Load(),
		Offloaded:       rt.stats.offloaded.Load(),
		SpinningWorkers: int(rt.sched.nmspinning.Load()),
		Contexts:        len(rt.procs),
		IdleContexts:    int(rt.sched.npidle.Load()),
		GlobalQueue:     int(rt.sched.runqsize.Load()),
		LocalQueues:     make([]int, len(rt.procs)),
		TimersFired:     rt.stats.timersFired.Load(),
		PollWaiters:     int(rt.netpoll.waiters.Load()),
		Polls:           rt.stats.netpolls.Load(),
		PollsOpened:     rt.stats.pollOpened.Load(),
	}
	s.Tasks, s.UserTasks = rt.tasks.counts()

	rt.sched.lock.Lock()
	s.Workers = int(rt.sched.mcount)
	s.IdleWorkers = int(rt.sched.nmidle)
	rt.sched.lock.Unlock()

	for i, p := range rt.procs {
		n := runqlen(p)
		if p.runnext.Load() != nil {
			n++
		}
		s.LocalQueues[i] = n
	}

	rt.timers.mu.Lock()
	s.Timers = len(rt.timers.heap)
	rt.timers.mu.Unlock()

	return s
}
