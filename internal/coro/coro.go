// Package coro implements the continuation switch used to run tasks: a
// suspended execution context that can be resumed by one goroutine at a time,
// and that hands control back to its resumer when it suspends.
//
// It is a thin layer over [iter.Pull], which the Go runtime implements as a
// direct goroutine handoff (coroswitch) rather than a channel rendezvous.
package coro

import (
	"iter"
)

// Coro is a stackful continuation.
//
// Resume must not be called concurrently, and Suspend must only be called
// from within the entry function (i.e. on the continuation itself). Resume
// may be called from different goroutines over the lifetime of the Coro,
// which is how tasks migrate between workers.
type Coro struct {
	next  func() (struct{}, bool)
	yield func(struct{}) bool
	done  bool
}

// New creates a suspended continuation that will run entry on the first call
// to Resume.
func New(entry func(c *Coro)) *Coro {
	c := new(Coro)
	c.next, _ = iter.Pull(func(yield func(struct{}) bool) {
		c.yield = yield
		entry(c)
	})
	return c
}

// Resume transfers control into the continuation, returning once it calls
// Suspend (true) or its entry function returns (false). A panic raised by the
// entry function propagates out of Resume.
func (c *Coro) Resume() bool {
	if c.done {
		return false
	}
	_, ok := c.next()
	if !ok {
		c.done = true
	}
	return ok
}

// Suspend transfers control back to the goroutine that called Resume, and
// returns once the continuation is resumed again.
func (c *Coro) Suspend() {
	c.yield(struct{}{})
}

// Done reports whether the entry function has returned.
func (c *Coro) Done() bool {
	return c.done
}
