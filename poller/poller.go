// Package poller provides the readiness multiplexers consulted by the
// scheduler when it looks for work.
//
// A [Poller] associates file descriptors with opaque 64-bit tokens. Every
// descriptor is registered for both read and write readiness in
// edge-triggered mode, so a backend only reports transitions, and the caller
// is expected to retry the I/O until it would block before waiting again.
//
// Backends:
//   - Linux: epoll (poller_linux.go)
//   - Darwin/BSD: kqueue (poller_kqueue.go)
//
// Other platforms build, but [New] returns [ErrUnsupported].
package poller

import (
	"errors"
	"time"
)

// Mode is a set of readiness directions.
type Mode uint8

const (
	// ModeRead indicates the descriptor is readable (or hung up).
	ModeRead Mode = 1 << iota
	// ModeWrite indicates the descriptor is writable (or hung up).
	ModeWrite
	// ModeError indicates the backend reported an error condition.
	ModeError
)

// String returns a compact representation, e.g. "rw" or "r-e".
func (m Mode) String() string {
	b := [3]byte{'-', '-', '-'}
	if m&ModeRead != 0 {
		b[0] = 'r'
	}
	if m&ModeWrite != 0 {
		b[1] = 'w'
	}
	if m&ModeError != 0 {
		b[2] = 'e'
	}
	if b[2] == '-' {
		return string(b[:2])
	}
	return string(b[:])
}

// Event is a single readiness notification.
type Event struct {
	Token uint64
	Mode  Mode
}

var (
	ErrUnsupported = errors.New("poller: not supported on this platform")
	ErrClosed      = errors.New("poller: closed")
	ErrInvalidFD   = errors.New("poller: invalid fd")
)

// Poller is a readiness multiplexer.
//
// Wait may be called by one goroutine at a time, while Open, Close and Wakeup
// may be called concurrently with it.
type Poller interface {
	// Open registers fd, reporting its events with the given token.
	Open(fd uintptr, token uint64) error
	// Close deregisters fd. It does not close the descriptor.
	Close(fd uintptr) error
	// Wait fills events with ready notifications. A negative timeout blocks
	// until at least one event arrives or Wakeup is called, zero polls
	// without blocking. Interrupted waits return zero events and no error.
	Wait(timeout time.Duration, events []Event) (int, error)
	// Wakeup interrupts a blocking Wait, or makes the next one return
	// immediately.
	Wakeup() error
	// Shutdown releases the backend. Calling it more than once is a no-op.
	Shutdown() error
}

// Factory constructs a Poller.
type Factory func() (Poller, error)

// timeoutMillis converts a Wait timeout to the millisecond granularity of the
// platform APIs, rounding positive sub-millisecond timeouts up.
func timeoutMillis(timeout time.Duration) int {
	switch {
	case timeout < 0:
		return -1
	case timeout == 0:
		return 0
	case timeout > 1e9*60*60:
		return 1e3 * 60 * 60
	}
	ms := int(timeout / time.Millisecond)
	if time.Duration(ms)*time.Millisecond < timeout {
		ms++
	}
	return ms
}
