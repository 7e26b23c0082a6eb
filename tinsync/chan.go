package tinsync

import (
	"errors"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/joeycumines/go-tin"
)

// ErrWouldBlock is returned by the non-blocking channel operations when they
// cannot proceed immediately.
var ErrWouldBlock = errors.New("tinsync: operation would block")

// Chan is a bounded FIFO channel between tasks.
//
// Two counting semaphores track free and filled slots, and a Mutex guards the
// backing deque. Close drops any buffered values and releases each semaphore
// once: every woken task sees the channel closed and passes the release on,
// so all waiters wake in a chain.
type Chan[T any] struct {
	free   uint32
	filled uint32
	mu     Mutex
	buf    *queue.Queue
	len    atomic.Int32
	cap    int
	closed atomic.Bool
}

// NewChan returns a channel holding up to capacity values, which must be
// positive.
func NewChan[T any](capacity int) *Chan[T] {
	if capacity <= 0 || capacity > 1<<31-1 {
		panic("tinsync: channel capacity out of range")
	}
	return &Chan[T]{
		free: uint32(capacity),
		buf:  queue.New(),
		cap:  capacity,
	}
}

// Push appends v, parking t while the channel is full. It returns
// [tin.ErrClosed] if the channel is, or becomes, closed.
func (c *Chan[T]) Push(t *tin.Task, v T) error {
	if c.closed.Load() {
		return tin.ErrClosed
	}
	if err := tin.Semacquire(t, &c.free); err != nil {
		return err
	}
	return c.push(t, v)
}

// TryPush is Push without blocking: it returns [ErrWouldBlock] if the channel
// is full.
func (c *Chan[T]) TryPush(t *tin.Task, v T) error {
	if c.closed.Load() {
		return tin.ErrClosed
	}
	if err := tin.SemacquireTimeout(t, &c.free, 0); err != nil {
		if errors.Is(err, tin.ErrTimeout) {
			return ErrWouldBlock
		}
		return err
	}
	return c.push(t, v)
}

// push completes a push, having acquired a free slot.
func (c *Chan[T]) push(t *tin.Task, v T) error {
	c.mu.Lock(t)
	ok := !c.closed.Load()
	if ok {
		c.buf.Add(v)
		c.len.Add(1)
	}
	c.mu.Unlock(t)
	if !ok {
		// pass the wakeup on to the next waiter
		tin.Semrelease(t, &c.free)
		return tin.ErrClosed
	}
	tin.Semrelease(t, &c.filled)
	return nil
}

// Pop removes the oldest value, parking t while the channel is empty. It
// returns [tin.ErrClosed] if the channel is, or becomes, closed.
func (c *Chan[T]) Pop(t *tin.Task) (T, error) {
	if c.closed.Load() {
		var zero T
		return zero, tin.ErrClosed
	}
	if err := tin.Semacquire(t, &c.filled); err != nil {
		var zero T
		return zero, err
	}
	return c.pop(t)
}

// TryPop is Pop without blocking: it returns [ErrWouldBlock] if the channel
// is empty.
func (c *Chan[T]) TryPop(t *tin.Task) (T, error) {
	var zero T
	if c.closed.Load() {
		return zero, tin.ErrClosed
	}
	if err := tin.SemacquireTimeout(t, &c.filled, 0); err != nil {
		if errors.Is(err, tin.ErrTimeout) {
			return zero, ErrWouldBlock
		}
		return zero, err
	}
	return c.pop(t)
}

// pop completes a pop, having acquired a filled slot.
func (c *Chan[T]) pop(t *tin.Task) (T, error) {
	var v T
	c.mu.Lock(t)
	ok := !c.closed.Load()
	if ok {
		v, _ = c.buf.Remove().(T)
		c.len.Add(-1)
	}
	c.mu.Unlock(t)
	if !ok {
		tin.Semrelease(t, &c.filled)
		return v, tin.ErrClosed
	}
	tin.Semrelease(t, &c.free)
	return v, nil
}

// Close closes the channel, discarding buffered values. Blocked and future
// operations fail with [tin.ErrClosed]. Closing twice is a no-op.
func (c *Chan[T]) Close(t *tin.Task) {
	if c.closed.Swap(true) {
		return
	}
	c.mu.Lock(t)
	c.buf = queue.New()
	c.len.Store(0)
	c.mu.Unlock(t)
	tin.Semrelease(t, &c.free)
	tin.Semrelease(t, &c.filled)
}

// Closed reports whether Close was called.
func (c *Chan[T]) Closed() bool {
	return c.closed.Load()
}

// Len returns the number of buffered values.
func (c *Chan[T]) Len() int {
	return int(c.len.Load())
}

// Cap returns the capacity.
func (c *Chan[T]) Cap() int {
	return c.cap
}
