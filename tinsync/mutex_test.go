package tinsync

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/joeycumines/go-tin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutex_Exclusion(t *testing.T) {
	for _, parallelism := range parallelisms {
		t.Run(fmt.Sprintf("parallelism=%d", parallelism), func(t *testing.T) {
			rt := newRuntime(t, parallelism)

			const (
				tasks = 1000
				iters = 10
			)
			var (
				mu      Mutex
				counter int
				inside  atomic.Int32
				overlap atomic.Int32
			)
			joinAll(t, spawnN(t, rt, tasks, func(task *tin.Task, i int) {
				for j := range iters {
					mu.Lock(task)
					if inside.Add(1) != 1 {
						overlap.Add(1)
					}
					counter++
					if (i+j)%7 == 0 {
						// hold the lock across a reschedule
						task.Yield()
					}
					inside.Add(-1)
					mu.Unlock(task)
				}
			}))
			assert.Equal(t, tasks*iters, counter)
			assert.Zero(t, overlap.Load())
		})
	}
}

func TestMutex_TryLock(t *testing.T) {
	var mu Mutex
	require.True(t, mu.TryLock())
	assert.False(t, mu.TryLock())
	mu.Unlock(nil)
	assert.True(t, mu.TryLock())
	mu.Unlock(nil)
}

func TestMutex_BlocksTask(t *testing.T) {
	rt := newRuntime(t, 2)

	var mu Mutex
	mu.Lock(nil)
	var acquired atomic.Bool
	waiter := spawnN(t, rt, 1, func(task *tin.Task, _ int) {
		mu.Lock(task)
		acquired.Store(true)
		mu.Unlock(task)
	})
	waitParked(t, waiter...)
	assert.Equal(t, tin.WaitReasonSemacquire, waiter[0].WaitReason())
	assert.False(t, acquired.Load())

	mu.Unlock(nil)
	joinAll(t, waiter)
	assert.True(t, acquired.Load())
}

func TestMutex_UnlockUnlocked(t *testing.T) {
	expectFatalExit(t, "tin: fatal error: tinsync: unlock of unlocked mutex", func() {
		var mu Mutex
		mu.Unlock(nil)
	})
}

func TestMutex_WithoutTask(t *testing.T) {
	var mu Mutex
	mu.Lock(nil)
	assert.False(t, mu.TryLock())

	expectFatalExit(t, "tinsync: cannot block: "+tin.ErrNotTask.Error(), func() {
		mu.Lock(nil)
	})
	mu.Unlock(nil)
	assert.True(t, mu.TryLock())
}
