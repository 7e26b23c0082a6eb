package tin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRuntime creates a runtime closed when the test ends.
func newTestRuntime(t *testing.T, opts ...Option) *Runtime {
	t.Helper()
	rt, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Shutdown(ctx); err != nil && !errors.Is(err, ErrRuntimeClosed) {
			t.Errorf("shutdown: %v", err)
		}
	})
	return rt
}

// busy spins for d without yielding.
func busy(d time.Duration) {
	for start := time.Now(); time.Since(start) < d; {
	}
}

func TestRuntime_Run(t *testing.T) {
	rt, err := New(WithParallelism(2))
	require.NoError(t, err)

	var ran atomic.Bool
	require.NoError(t, rt.Run(func(task *Task) {
		assert.Same(t, rt, task.Runtime())
		assert.Equal(t, TaskRunning, task.State())
		assert.GreaterOrEqual(t, task.WorkerID(), 0)
		ran.Store(true)
	}))
	assert.True(t, ran.Load())

	_, err = rt.Spawn(func(*Task) {})
	assert.ErrorIs(t, err, ErrRuntimeClosed)
	assert.ErrorIs(t, rt.Close(), ErrRuntimeClosed)
}

func TestRuntime_RunPanic(t *testing.T) {
	rt, err := New(WithParallelism(1))
	require.NoError(t, err)

	err = rt.Run(func(*Task) { panic("boom") })
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "boom", pe.Value)
	assert.NotEmpty(t, pe.Stack)
	assert.Equal(t, uint64(1), rt.Stats().Panicked)
}

func TestRuntime_SpawnMany(t *testing.T) {
	for _, parallelism := range []int{1, 2, 8} {
		t.Run(fmt.Sprintf("parallelism=%d", parallelism), func(t *testing.T) {
			rt := newTestRuntime(t, WithParallelism(parallelism))

			const n = 1000
			var count atomic.Int32
			tasks := make([]*Task, n)
			for i := range tasks {
				task, err := rt.Spawn(func(*Task) { count.Add(1) })
				require.NoError(t, err)
				tasks[i] = task
			}
			for _, task := range tasks {
				require.NoError(t, task.Join(nil))
				assert.Equal(t, TaskExited, task.State())
			}
			assert.Equal(t, int32(n), count.Load())
		})
	}
}

func TestRuntime_SpawnErrors(t *testing.T) {
	rt := newTestRuntime(t)

	_, err := rt.Spawn(nil)
	assert.ErrorIs(t, err, ErrNilFunc)

	_, err = rt.Spawn(func(*Task) {}, WithTaskStackSize(1024))
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "task stack size", ce.Option)

	task, err := rt.Spawn(func(task *Task) {
		assert.GreaterOrEqual(t, len(task.Stack()), 64<<10)
	}, WithTaskName("big"), WithTaskStackSize(64<<10))
	require.NoError(t, err)
	assert.Equal(t, "big", task.Name())
	require.NoError(t, task.Join(nil))
}

func TestTask_SpawnChildren(t *testing.T) {
	rt := newTestRuntime(t, WithParallelism(4))

	var count atomic.Int32
	var spawn func(task *Task, depth int)
	spawn = func(task *Task, depth int) {
		count.Add(1)
		if depth == 0 {
			return
		}
		var children []*Task
		for range 3 {
			child, err := task.Spawn(func(task *Task) { spawn(task, depth-1) })
			require.NoError(t, err)
			children = append(children, child)
		}
		for _, child := range children {
			require.NoError(t, child.Join(task))
		}
	}
	task, err := rt.Spawn(func(task *Task) { spawn(task, 4) })
	require.NoError(t, err)
	require.NoError(t, task.Join(nil))
	// 1 + 3 + 9 + 27 + 81
	assert.Equal(t, int32(121), count.Load())
}

func TestTask_JoinPanicked(t *testing.T) {
	rt := newTestRuntime(t, WithParallelism(2))

	cause := errors.New("cause")
	var joined error
	task, err := rt.Spawn(func(task *Task) {
		child, err := task.Spawn(func(*Task) { panic(cause) })
		require.NoError(t, err)
		joined = child.Join(task)
		// joining an exited task returns immediately
		assert.Equal(t, joined, child.Join(task))
	})
	require.NoError(t, err)
	require.NoError(t, task.Join(nil))

	var pe *PanicError
	require.ErrorAs(t, joined, &pe)
	assert.ErrorIs(t, joined, cause)
	assert.NoError(t, task.Err())
}

func TestTask_Yield(t *testing.T) {
	rt := newTestRuntime(t, WithParallelism(1))

	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	const rounds = 5
	parent, err := rt.Spawn(func(task *Task) {
		for _, name := range []string{"a", "b"} {
			_, err := task.Spawn(func(task *Task) {
				for range rounds {
					record(name)
					task.Yield()
				}
			})
			require.NoError(t, err)
		}
	})
	require.NoError(t, err)
	require.NoError(t, parent.Join(nil))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2*rounds
	}, 5*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// on a single context, yielding interleaves the two tasks
	first := order[:rounds]
	assert.Contains(t, first, "a")
	assert.Contains(t, first, "b")
	assert.GreaterOrEqual(t, rt.Stats().Yields, uint64(2*rounds))
}

func TestRuntime_ParallelismBound(t *testing.T) {
	const parallelism = 2
	rt := newTestRuntime(t, WithParallelism(parallelism))

	var running, peak atomic.Int32
	tasks := make([]*Task, 16)
	for i := range tasks {
		task, err := rt.Spawn(func(*Task) {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			busy(5 * time.Millisecond)
			running.Add(-1)
		})
		require.NoError(t, err)
		tasks[i] = task
	}
	for _, task := range tasks {
		require.NoError(t, task.Join(nil))
	}
	assert.LessOrEqual(t, peak.Load(), int32(parallelism))
}

func TestRuntime_WorkStealing(t *testing.T) {
	rt := newTestRuntime(t, WithParallelism(2))

	var mu sync.Mutex
	procs := make(map[int32]int)
	parent, err := rt.Spawn(func(task *Task) {
		var children []*Task
		for range 10 {
			child, err := task.Spawn(func(task *Task) {
				p := task.heldProc()
				mu.Lock()
				procs[p.id]++
				mu.Unlock()
				busy(20 * time.Millisecond)
			})
			require.NoError(t, err)
			children = append(children, child)
		}
		for _, child := range children {
			require.NoError(t, child.Join(task))
		}
	})
	require.NoError(t, err)
	require.NoError(t, parent.Join(nil))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, procs, 2)
	assert.GreaterOrEqual(t, rt.Stats().Steals, uint64(1))
}

// queuedOnce reports how many times each task appears across all run queues.
// Only meaningful while the queues are quiescent.
func queuedOnce(rt *Runtime) map[*Task]int {
	seen := make(map[*Task]int)
	rt.sched.lock.Lock()
	for t := rt.sched.runq.head; t != nil; t = t.schedlink {
		seen[t]++
	}
	rt.sched.lock.Unlock()
	for _, p := range rt.procs {
		for i := p.runqhead.Load(); i != p.runqtail.Load(); i++ {
			seen[p.runq[i%runqSize].Load()]++
		}
		if t := p.runnext.Load(); t != nil {
			seen[t]++
		}
	}
	return seen
}

func TestRuntime_AccountingGlobalQueue(t *testing.T) {
	rt := newTestRuntime(t, WithParallelism(1), WithSysmon(false))

	var release atomic.Bool
	blocker, err := rt.Spawn(func(*Task) {
		for !release.Load() {
		}
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return blocker.State() == TaskRunning }, 5*time.Second, time.Millisecond)

	tasks := make([]*Task, 20)
	for i := range tasks {
		task, err := rt.Spawn(func(*Task) {})
		require.NoError(t, err)
		tasks[i] = task
	}

	// the only context is busy, so every task sits in the global queue
	seen := queuedOnce(rt)
	for _, task := range tasks {
		assert.Equal(t, 1, seen[task])
		assert.Equal(t, TaskRunnable, task.State())
	}
	assert.GreaterOrEqual(t, rt.Stats().GlobalQueue, len(tasks))
	assert.Zero(t, seen[blocker])

	release.Store(true)
	for _, task := range tasks {
		require.NoError(t, task.Join(nil))
	}
	require.NoError(t, blocker.Join(nil))
}

func TestRuntime_AccountingSemaphore(t *testing.T) {
	rt := newTestRuntime(t, WithParallelism(2))

	const n = 20
	sems := make([]uint32, n)
	tasks := make([]*Task, n)
	for i := range tasks {
		task, err := rt.Spawn(func(task *Task) {
			require.NoError(t, Semacquire(task, &sems[i]))
		})
		require.NoError(t, err)
		tasks[i] = task
	}
	require.Eventually(t, func() bool {
		for _, task := range tasks {
			if task.State() != TaskWaiting {
				return false
			}
		}
		return true
	}, 5*time.Second, time.Millisecond)

	for i, task := range tasks {
		assert.Equal(t, WaitReasonSemacquire, task.WaitReason())
		root := semroot(&sems[i])
		root.lock.Lock()
		var found int
		for s := root.head; s != nil; s = s.next {
			if s.t == task {
				found++
				assert.Same(t, &sems[i], s.addr)
			}
		}
		root.lock.Unlock()
		assert.Equal(t, 1, found)
	}
	seen := queuedOnce(rt)
	for _, task := range tasks {
		assert.Zero(t, seen[task])
	}

	for i := range sems {
		Semrelease(nil, &sems[i])
	}
	for _, task := range tasks {
		require.NoError(t, task.Join(nil))
	}
}

func TestTask_LockWorker(t *testing.T) {
	rt := newTestRuntime(t, WithParallelism(2))

	var locked atomic.Bool
	var pinned atomic.Int32
	pinned.Store(-1)
	var violations atomic.Int32

	others := make([]*Task, 8)
	for i := range others {
		task, err := rt.Spawn(func(task *Task) {
			for range 20 {
				if locked.Load() && int32(task.WorkerID()) == pinned.Load() {
					violations.Add(1)
				}
				task.Sleep(time.Millisecond)
			}
		})
		require.NoError(t, err)
		others[i] = task
	}

	task, err := rt.Spawn(func(task *Task) {
		task.LockWorker()
		task.LockWorker()
		id := task.WorkerID()
		pinned.Store(int32(id))
		locked.Store(true)
		assert.Equal(t, id, task.LockedWorker())

		for range 5 {
			task.Sleep(2 * time.Millisecond)
			assert.Equal(t, id, task.WorkerID())
			task.Yield()
			assert.Equal(t, id, task.WorkerID())
		}

		task.UnlockWorker()
		assert.Equal(t, id, task.LockedWorker())
		locked.Store(false)
		task.UnlockWorker()
		assert.Equal(t, -1, task.LockedWorker())
		// unbalanced unlock is a no-op
		task.UnlockWorker()
	})
	require.NoError(t, err)
	require.NoError(t, task.Join(nil))
	for _, task := range others {
		require.NoError(t, task.Join(nil))
	}
	assert.Zero(t, violations.Load())
}

func TestTask_ExitWhileLocked(t *testing.T) {
	rt := newTestRuntime(t, WithParallelism(1))

	task, err := rt.Spawn(func(task *Task) { task.LockWorker() })
	require.NoError(t, err)
	require.NoError(t, task.Join(nil))

	// the worker is free to run other tasks
	task, err = rt.Spawn(func(task *Task) { task.Sleep(time.Millisecond) })
	require.NoError(t, err)
	require.NoError(t, task.Join(nil))
}

func TestTask_Syscall(t *testing.T) {
	rt := newTestRuntime(t, WithParallelism(1))

	errSyscall := errors.New("syscall failed")
	task, err := rt.Spawn(func(task *Task) {
		unblocked := make(chan struct{})
		_, err := task.Spawn(func(*Task) { close(unblocked) })
		require.NoError(t, err)

		// the only context is handed off, so the child runs meanwhile
		err = task.Syscall(func() error {
			select {
			case <-unblocked:
				return errSyscall
			case <-time.After(5 * time.Second):
				return errors.New("context was not handed off")
			}
		})
		assert.ErrorIs(t, err, errSyscall)
		assert.Equal(t, TaskRunning, task.State())
		assert.NotNil(t, task.heldProc())
	})
	require.NoError(t, err)
	require.NoError(t, task.Join(nil))
	assert.GreaterOrEqual(t, rt.Stats().Syscalls, uint64(1))
}

func TestTask_SyscallManyBlocked(t *testing.T) {
	rt := newTestRuntime(t, WithParallelism(2))

	const n = 8
	gate := make(chan struct{})
	var entered atomic.Int32
	tasks := make([]*Task, n)
	for i := range tasks {
		task, err := rt.Spawn(func(task *Task) {
			task.EnterSyscall()
			assert.Equal(t, TaskInSyscall, task.State())
			entered.Add(1)
			<-gate
			task.ExitSyscall()
			task.Yield()
		})
		require.NoError(t, err)
		tasks[i] = task
	}
	// more tasks are blocked than there are contexts
	require.Eventually(t, func() bool { return entered.Load() == n }, 5*time.Second, time.Millisecond)
	close(gate)
	for _, task := range tasks {
		require.NoError(t, task.Join(nil))
	}
}

func TestTask_Offload(t *testing.T) {
	rt := newTestRuntime(t, WithParallelism(1), WithBlockingPoolSize(2))

	errOffload := errors.New("offload failed")
	task, err := rt.Spawn(func(task *Task) {
		unblocked := make(chan struct{})
		_, err := task.Spawn(func(*Task) { close(unblocked) })
		require.NoError(t, err)

		err = task.Offload(func() error {
			select {
			case <-unblocked:
				return errOffload
			case <-time.After(5 * time.Second):
				return errors.New("context was not released")
			}
		})
		assert.ErrorIs(t, err, errOffload)

		err = task.Offload(func() error { panic("offloaded") })
		var pe *PanicError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "offloaded", pe.Value)

		assert.ErrorIs(t, task.Offload(nil), ErrNilFunc)
	})
	require.NoError(t, err)
	require.NoError(t, task.Join(nil))
	assert.Equal(t, uint64(2), rt.Stats().Offloaded)
}

func TestTask_LastError(t *testing.T) {
	rt := newTestRuntime(t)

	errLast := errors.New("last")
	task, err := rt.Spawn(func(task *Task) {
		assert.NoError(t, task.LastError())
		task.SetLastError(errLast)
		task.Yield()
		assert.Same(t, errLast, task.LastError())
	})
	require.NoError(t, err)
	require.NoError(t, task.Join(nil))
}

func TestRuntime_ShutdownTimeout(t *testing.T) {
	rt, err := New(WithParallelism(1))
	require.NoError(t, err)

	task, err := rt.Spawn(func(task *Task) { task.Sleep(200 * time.Millisecond) })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, rt.Shutdown(ctx), context.DeadlineExceeded)

	_, err = rt.Spawn(func(*Task) {})
	assert.ErrorIs(t, err, ErrRuntimeClosed)

	require.NoError(t, rt.Close())
	assert.Equal(t, TaskExited, task.State())
	assert.ErrorIs(t, rt.Close(), ErrRuntimeClosed)
}

func TestRuntime_ShutdownWaitsForChildren(t *testing.T) {
	rt, err := New(WithParallelism(2))
	require.NoError(t, err)

	started := make(chan struct{})
	var childRan atomic.Bool
	_, err = rt.Spawn(func(task *Task) {
		close(started)
		task.Sleep(50 * time.Millisecond)
		_, err := task.Spawn(func(task *Task) {
			task.Sleep(10 * time.Millisecond)
			childRan.Store(true)
		})
		assert.NoError(t, err)
	})
	require.NoError(t, err)
	<-started

	require.NoError(t, rt.Close())
	assert.True(t, childRan.Load())

	s := rt.Stats()
	assert.Zero(t, s.Tasks)
	assert.Equal(t, s.Spawned, s.Exited)
}

func TestRuntime_PendingTimersDoNotBlockShutdown(t *testing.T) {
	rt, err := New()
	require.NoError(t, err)

	var fired atomic.Bool
	rt.AfterFunc(time.Hour, func(*Task) { fired.Store(true) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rt.Shutdown(ctx))
	assert.False(t, fired.Load())
}

func TestRuntime_MultipleRuntimes(t *testing.T) {
	a := newTestRuntime(t, WithParallelism(1))
	b := newTestRuntime(t, WithParallelism(1))

	// a semaphore shared across runtimes
	var sem uint32
	waiter, err := a.Spawn(func(task *Task) {
		require.NoError(t, Semacquire(task, &sem))
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return waiter.State() == TaskWaiting }, 5*time.Second, time.Millisecond)

	releaser, err := b.Spawn(func(task *Task) { Semrelease(task, &sem) })
	require.NoError(t, err)
	require.NoError(t, releaser.Join(nil))
	require.NoError(t, waiter.Join(nil))
}

func TestRuntime_Stats(t *testing.T) {
	rt := newTestRuntime(t, WithParallelism(3))

	task, err := rt.Spawn(func(task *Task) { task.Yield() })
	require.NoError(t, err)
	require.NoError(t, task.Join(nil))

	s := rt.Stats()
	assert.Equal(t, 3, s.Contexts)
	assert.Len(t, s.LocalQueues, 3)
	// the timer driver
	assert.GreaterOrEqual(t, s.Tasks, 1)
	assert.Zero(t, s.UserTasks)
	assert.GreaterOrEqual(t, s.Spawned, uint64(2))
	assert.GreaterOrEqual(t, s.Exited, uint64(1))
	assert.GreaterOrEqual(t, s.Yields, uint64(1))
	assert.GreaterOrEqual(t, s.Workers, 1)
	assert.LessOrEqual(t, s.IdleContexts, 3)
}
