// Package tin is a user-mode M:N concurrency runtime: lightweight tasks with
// their own stack regions are multiplexed onto a bounded pool of workers,
// with work stealing, timers, semaphores and network readiness polling.
//
// # Architecture
//
// A [Runtime] owns a fixed number of scheduling contexts ([WithParallelism]).
// A worker must hold a context to run a task, so the number of contexts is
// the maximum parallelism. Each context has a 256-slot lock-free local run
// queue plus a runnext slot for the task most recently readied by the
// running one. Overflow goes to a global queue, which is also polled every
// 61 scheduling rounds for fairness.
//
// Idle workers steal half of another context's queue. At most half the busy
// contexts may have a spinning (searching) worker at any time; the rest park
// until new work readies a context.
//
// Tasks block through a park/ready protocol: the task registers itself with
// whatever will wake it, then switches to its worker, which marks it Waiting
// and only then releases the lock protecting the registration. A wakeup can
// therefore never be missed.
//
// # Blocking
//
// Blocking primitives are built on a hashed semaphore table ([Semacquire],
// [Semrelease]); package tinsync provides mutexes, wait groups, condition
// variables and channels on top of it. Timers ([Task.Sleep],
// [Runtime.AfterFunc], [Runtime.Every]) live in a 4-ary heap served by a
// dedicated driver task. I/O readiness is multiplexed by package poller
// (epoll or kqueue), through per-descriptor [PollDesc] values with deadlines.
//
// Code that must block the underlying goroutine brackets the call with
// [Task.EnterSyscall] and [Task.ExitSyscall], which hand the task's context
// to another worker for the duration, or uses [Task.Offload].
//
// # Errors
//
// Operations return [ErrClosed] and [ErrTimeout] as values. Corruption of
// the runtime's own bookkeeping (e.g. a task readied twice) is a
// [*FatalError]: it is logged and the process exits with status 2.
//
// # Usage
//
//	rt, err := tin.New(tin.WithParallelism(4))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = rt.Run(func(t *tin.Task) {
//	    var wg tinsync.WaitGroup
//	    for i := 0; i < 10; i++ {
//	        wg.Add(t, 1)
//	        t.Spawn(func(t *tin.Task) {
//	            defer wg.Done(t)
//	            t.Sleep(10 * time.Millisecond)
//	        })
//	    }
//	    wg.Wait(t)
//	})
package tin
