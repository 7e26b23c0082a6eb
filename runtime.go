package tin

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-tin/stack"
)

// Runtime is an M:N scheduler: it multiplexes tasks onto a bounded set of
// workers, at most Parallelism of which execute tasks at any instant.
//
// A Runtime is created with [New], and must be shut down with
// [Runtime.Shutdown] or [Runtime.Close] to release its workers. Multiple
// runtimes may coexist in one process.
type Runtime struct {
	config Config
	log    logState
	stacks stack.Provider
	epoch  time.Time

	procs      []*proc
	workers    []atomic.Pointer[worker]
	workerWG   sync.WaitGroup
	sched      scheduler
	stealOrder stealOrder

	tasks      taskRegistry
	nextTaskID atomic.Uint64
	timers     timers
	netpoll    netpollState
	offload    offloadPool

	sysmonStop chan struct{}
	sysmonDone chan struct{}

	stats counters

	shutdownMu sync.Mutex
	terminated bool
}

// New creates and starts a runtime.
func New(opts ...Option) (*Runtime, error) {
	o, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		config: o.config,
		log:    newLogState(o.logger),
		stacks: o.stackProvider,
		epoch:  time.Now(),
	}
	rt.netpoll.factory = o.pollerFactory

	n := rt.config.Parallelism
	rt.procs = make([]*proc, n)
	for i := range rt.procs {
		rt.procs[i] = newProc(int32(i))
	}
	rt.workers = make([]atomic.Pointer[worker], rt.config.MaxWorkers)
	rt.stealOrder = newStealOrder(uint32(n))

	rt.sched.midle = -1
	rt.sched.pidle = -1
	// every context starts idle, workers are created on demand
	for i := n - 1; i >= 0; i-- {
		rt.pidleput(rt.procs[i])
	}
	// zero means a worker is polling
	rt.sched.lastpoll.Store(1)

	rt.tasks.init()
	rt.timers.init()

	if rt.config.IgnoreSIGPIPE {
		ignoreSIGPIPE()
	}

	rt.startOffload(rt.config.BlockingPoolSize)
	if rt.config.Sysmon {
		rt.startSysmon()
	}

	driver, err := rt.spawn(nil, rt.timerproc, []SpawnOption{WithTaskName("timers")}, true)
	if err != nil {
		rt.stopSysmon()
		rt.stopOffload()
		return nil, err
	}
	rt.timers.driver = driver

	rt.logStarted()
	return rt, nil
}

// nanotime returns the monotonic time since the runtime started.
func (rt *Runtime) nanotime() int64 {
	return int64(time.Since(rt.epoch))
}

// Config returns the resolved configuration.
func (rt *Runtime) Config() Config {
	return rt.config
}

// Spawn starts a new task running fn. It fails with [ErrRuntimeClosed] once
// shutdown began.
func (rt *Runtime) Spawn(fn func(t *Task), opts ...SpawnOption) (*Task, error) {
	return rt.spawn(nil, fn, opts, false)
}

// Run spawns a task running fn, waits for it, then shuts the runtime down,
// waiting for any other tasks. It returns the task's [Task.Err], or the
// shutdown error.
func (rt *Runtime) Run(fn func(t *Task), opts ...SpawnOption) error {
	t, err := rt.Spawn(fn, opts...)
	if err != nil {
		return err
	}
	<-t.Done()
	if err := rt.Close(); err != nil {
		return err
	}
	return t.Err()
}

// Shutdown gracefully stops the runtime: it stops accepting tasks from
// outside (running tasks may still spawn children), waits for every task to
// exit, then stops the timer driver, the blocking pool, the monitor, the
// workers and the poller, in that order.
//
// If ctx is done first, Shutdown returns ctx.Err() and the runtime keeps
// draining; Shutdown may be called again. Once the runtime terminated,
// Shutdown returns [ErrRuntimeClosed].
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.shutdownMu.Lock()
	terminated := rt.terminated
	rt.shutdownMu.Unlock()
	if terminated {
		return ErrRuntimeClosed
	}

	start := time.Now()
	select {
	case <-rt.tasks.close():
	case <-ctx.Done():
		err := ctx.Err()
		rt.logShutdown(time.Since(start), err)
		return err
	}

	rt.shutdownMu.Lock()
	defer rt.shutdownMu.Unlock()
	if rt.terminated {
		return ErrRuntimeClosed
	}
	rt.teardown()
	rt.terminated = true
	rt.logShutdown(time.Since(start), nil)
	return nil
}

// Close is Shutdown without a deadline.
func (rt *Runtime) Close() error {
	return rt.Shutdown(context.Background())
}

// teardown stops everything once no user tasks remain.
func (rt *Runtime) teardown() {
	rt.stopTimers()
	rt.stopOffload()
	rt.stopSysmon()

	rt.sched.lock.Lock()
	rt.sched.stopping.Store(true)
	for w := rt.mget(); w != nil; w = rt.mget() {
		w.wakeup()
	}
	rt.sched.lock.Unlock()
	rt.wakeNetwork()

	rt.workerWG.Wait()
	rt.shutdownNetwork()
}
