//go:build linux || darwin

package tin

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// newPipe returns a non-blocking pipe, closed when the test ends.
func newPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	return fds[0], fds[1]
}

// readPoll reads from fd, waiting on pd while it would block.
func readPoll(task *Task, pd *PollDesc, fd int, buf []byte) (int, error) {
	if err := pd.PrepareRead(); err != nil {
		return 0, err
	}
	for {
		n, err := unix.Read(fd, buf)
		if !errors.Is(err, unix.EAGAIN) {
			return n, err
		}
		if err := pd.WaitRead(task); err != nil {
			return 0, err
		}
	}
}

func TestPollDesc_Readiness(t *testing.T) {
	rt := newTestRuntime(t, WithParallelism(2))
	r, w := newPipe(t)

	pd, err := rt.OpenPoll(uintptr(r))
	require.NoError(t, err)
	assert.Equal(t, uintptr(r), pd.Fd())

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = unix.Write(w, []byte("hello"))
	}()

	var got string
	task, err := rt.Spawn(func(task *Task) {
		buf := make([]byte, 16)
		n, err := readPoll(task, pd, r, buf)
		assert.NoError(t, err)
		got = string(buf[:n])
	})
	require.NoError(t, err)
	require.NoError(t, task.Join(nil))
	assert.Equal(t, "hello", got)

	require.NoError(t, pd.Close())
	assert.ErrorIs(t, pd.Close(), ErrClosed)

	s := rt.Stats()
	assert.Equal(t, uint64(1), s.PollsOpened)
	assert.GreaterOrEqual(t, s.Polls, uint64(1))
	assert.Zero(t, s.PollWaiters)
}

func TestPollDesc_ReadDeadline(t *testing.T) {
	rt := newTestRuntime(t, WithParallelism(2))
	r, _ := newPipe(t)

	pd, err := rt.OpenPoll(uintptr(r))
	require.NoError(t, err)
	defer pd.Close()

	task, err := rt.Spawn(func(task *Task) {
		require.NoError(t, pd.PrepareRead())
		start := time.Now()
		err := pd.WaitReadable(task, start.Add(50*time.Millisecond))
		elapsed := time.Since(start)
		assert.ErrorIs(t, err, ErrTimeout)
		var timeout interface{ Timeout() bool }
		if assert.ErrorAs(t, err, &timeout) {
			assert.True(t, timeout.Timeout())
		}
		assert.GreaterOrEqual(t, elapsed, 45*time.Millisecond)
		assert.Less(t, elapsed, 150*time.Millisecond)

		// the deadline sticks until it is changed
		assert.ErrorIs(t, pd.PrepareRead(), ErrTimeout)
		pd.SetReadDeadline(time.Time{})
		assert.NoError(t, pd.PrepareRead())
		// the write side has no deadline
		assert.NoError(t, pd.PrepareWrite())
	})
	require.NoError(t, err)
	require.NoError(t, task.Join(nil))
}

func TestPollDesc_PastDeadline(t *testing.T) {
	rt := newTestRuntime(t)
	r, _ := newPipe(t)

	pd, err := rt.OpenPoll(uintptr(r))
	require.NoError(t, err)
	defer pd.Close()

	task, err := rt.Spawn(func(task *Task) {
		pd.SetDeadline(time.Now().Add(-time.Second))
		assert.ErrorIs(t, pd.PrepareRead(), ErrTimeout)
		assert.ErrorIs(t, pd.PrepareWrite(), ErrTimeout)
		assert.ErrorIs(t, pd.WaitRead(task), ErrTimeout)
	})
	require.NoError(t, err)
	require.NoError(t, task.Join(nil))
}

func TestPollDesc_DeadlineShortened(t *testing.T) {
	rt := newTestRuntime(t, WithParallelism(2))
	r, _ := newPipe(t)

	pd, err := rt.OpenPoll(uintptr(r))
	require.NoError(t, err)
	defer pd.Close()

	// both directions share one timer while the deadlines match
	pd.SetDeadline(time.Now().Add(time.Hour))

	task, err := rt.Spawn(func(task *Task) {
		require.NoError(t, pd.PrepareRead())
		assert.ErrorIs(t, pd.WaitRead(task), ErrTimeout)
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return task.State() == TaskWaiting }, 5*time.Second, time.Millisecond)
	assert.Equal(t, WaitReasonIOWait, task.WaitReason())

	pd.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
	require.NoError(t, task.Join(nil))
	// the write deadline is unaffected
	assert.NoError(t, pd.PrepareWrite())
}

func TestPollDesc_CloseWakesWaiter(t *testing.T) {
	rt := newTestRuntime(t, WithParallelism(1))
	r, _ := newPipe(t)

	pd, err := rt.OpenPoll(uintptr(r))
	require.NoError(t, err)

	task, err := rt.Spawn(func(task *Task) {
		buf := make([]byte, 1)
		_, err := readPoll(task, pd, r, buf)
		assert.ErrorIs(t, err, ErrClosed)
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return task.State() == TaskWaiting }, 5*time.Second, time.Millisecond)

	require.NoError(t, pd.Close())
	require.NoError(t, task.Join(nil))
	assert.ErrorIs(t, pd.PrepareRead(), ErrClosed)
}

func TestPollDesc_Reuse(t *testing.T) {
	rt := newTestRuntime(t)
	r, w := newPipe(t)

	pd, err := rt.OpenPoll(uintptr(r))
	require.NoError(t, err)
	token := pd.token
	pd.SetReadDeadline(time.Now().Add(-time.Second))
	require.NoError(t, pd.Close())

	pd2, err := rt.OpenPoll(uintptr(w))
	require.NoError(t, err)
	defer pd2.Close()
	// the slot is recycled under a new generation, with fresh state
	assert.NotSame(t, pd, pd2)
	assert.Equal(t, pd.index, pd2.index)
	assert.NotEqual(t, token, pd2.token)
	assert.Nil(t, rt.netpoll.lookup(token))
	assert.Same(t, pd2, rt.netpoll.lookup(pd2.token))
	assert.NoError(t, pd2.PrepareRead())
}

func TestPollDesc_StaleHandle(t *testing.T) {
	rt := newTestRuntime(t, WithParallelism(2))
	r, w := newPipe(t)

	pd, err := rt.OpenPoll(uintptr(r))
	require.NoError(t, err)
	require.NoError(t, pd.Close())

	pd2, err := rt.OpenPoll(uintptr(r))
	require.NoError(t, err)
	defer pd2.Close()

	// the old handle stays closed, and cannot touch the new registration
	assert.ErrorIs(t, pd.Close(), ErrClosed)
	assert.ErrorIs(t, pd.PrepareRead(), ErrClosed)
	pd.Unblock()
	pd.SetDeadline(time.Now().Add(-time.Second))
	assert.NoError(t, pd2.PrepareRead())
	assert.NoError(t, pd2.PrepareWrite())

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = unix.Write(w, []byte("again"))
	}()
	var got string
	task, err := rt.Spawn(func(task *Task) {
		buf := make([]byte, 16)
		n, err := readPoll(task, pd2, r, buf)
		assert.NoError(t, err)
		got = string(buf[:n])
	})
	require.NoError(t, err)
	require.NoError(t, task.Join(nil))
	assert.Equal(t, "again", got)
}
