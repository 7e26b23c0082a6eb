package tin

import (
	"fmt"
	"sync"

	"github.com/eapache/queue"
)

// offloadJob is a function run by the blocking pool on behalf of a parked
// task.
type offloadJob struct {
	t   *Task
	fn  func() error
	err error
}

// offloadPool runs blocking functions on a fixed set of goroutines, outside
// any worker, so they hold neither a context nor a worker.
type offloadPool struct {
	mu     sync.Mutex
	cond   sync.Cond
	jobs   *queue.Queue
	closed bool
	wg     sync.WaitGroup
}

func (rt *Runtime) startOffload(size int) {
	op := &rt.offload
	op.cond.L = &op.mu
	op.jobs = queue.New()
	op.wg.Add(size)
	for i := 0; i < size; i++ {
		go rt.offloadWorker()
	}
}

func (rt *Runtime) offloadWorker() {
	op := &rt.offload
	defer op.wg.Done()
	for {
		op.mu.Lock()
		for op.jobs.Length() == 0 && !op.closed {
			op.cond.Wait()
		}
		if op.jobs.Length() == 0 {
			op.mu.Unlock()
			return
		}
		job := op.jobs.Remove().(*offloadJob)
		op.mu.Unlock()

		job.err = rt.runOffloaded(job)
		rt.ready(job.t, nil, false)
	}
}

func (rt *Runtime) runOffloaded(job *offloadJob) (err error) {
	defer func() {
		if v := recover(); v != nil {
			rt.logOffloadPanicked(job.t, v)
			err = &PanicError{Value: v}
		}
	}()
	return job.fn()
}

func (rt *Runtime) stopOffload() {
	op := &rt.offload
	op.mu.Lock()
	op.closed = true
	op.cond.Broadcast()
	op.mu.Unlock()
	op.wg.Wait()
}

// Offload runs fn on the runtime's blocking pool, parking t until it returns.
// Unlike EnterSyscall, the task's worker is released too, so a bounded
// number of goroutines absorbs any amount of blocking work. A panic in fn is
// returned as a [*PanicError].
func (t *Task) Offload(fn func() error) error {
	if fn == nil {
		return ErrNilFunc
	}
	rt := t.rt
	job := &offloadJob{t: t, fn: fn}
	op := &rt.offload
	t.park(func(*Task) bool {
		op.mu.Lock()
		defer op.mu.Unlock()
		if op.closed {
			job.err = fmt.Errorf("offload: %w", ErrRuntimeClosed)
			return false
		}
		op.jobs.Add(job)
		op.cond.Signal()
		return true
	}, WaitReasonOffload)
	rt.stats.offloaded.Add(1)
	return job.err
}
