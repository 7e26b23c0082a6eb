// Package stack provides the fixed-size memory regions handed to tasks.
//
// Two strategies are supported: a plain heap block, and a guarded mapping
// whose lowest page is made inaccessible, so that running off the end of the
// region faults immediately instead of corrupting a neighbouring allocation.
package stack

import (
	"errors"
	"sync/atomic"
)

var (
	ErrInvalidSize      = errors.New("stack: invalid size")
	ErrGuardUnsupported = errors.New("stack: guard pages not supported on this platform")
	ErrStackFreed       = errors.New("stack: already freed")
	ErrForeignStack     = errors.New("stack: not allocated by this provider")
)

// Stack is a region of memory owned by a single task.
type Stack interface {
	// Bytes returns the usable region, excluding any guard page.
	Bytes() []byte
	// Size returns len(Bytes()).
	Size() int
	// Guarded reports whether an inaccessible guard page sits below the region.
	Guarded() bool
}

// Provider allocates and frees stacks.
type Provider interface {
	Allocate(size int, guarded bool) (Stack, error)
	Free(s Stack) error
}

// Stats is a snapshot of a provider's allocation counters.
type Stats struct {
	Allocated uint64
	Freed     uint64
	Bytes     int64
}

// NewProvider returns the platform provider, which serves unguarded requests
// from the heap and guarded requests from the platform's page mapping API.
func NewProvider() *DefaultProvider {
	return &DefaultProvider{}
}

// DefaultProvider is the [Provider] returned by [NewProvider].
type DefaultProvider struct {
	allocated atomic.Uint64
	freed     atomic.Uint64
	bytes     atomic.Int64
}

var _ Provider = (*DefaultProvider)(nil)

// Allocate returns a stack of at least size bytes.
func (x *DefaultProvider) Allocate(size int, guarded bool) (Stack, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	var (
		s   Stack
		err error
	)
	if guarded {
		s, err = allocGuarded(size)
	} else {
		s = &heapStack{buf: make([]byte, size)}
	}
	if err != nil {
		return nil, err
	}
	x.allocated.Add(1)
	x.bytes.Add(int64(s.Size()))
	return s, nil
}

// Free releases a stack previously returned by Allocate.
func (x *DefaultProvider) Free(s Stack) error {
	var err error
	switch s := s.(type) {
	case *heapStack:
		if s.buf == nil {
			return ErrStackFreed
		}
		n := len(s.buf)
		s.buf = nil
		x.bytes.Add(-int64(n))
	case *guardedStack:
		n := s.Size()
		if err = s.free(); err == nil {
			x.bytes.Add(-int64(n))
		}
	default:
		return ErrForeignStack
	}
	if err == nil {
		x.freed.Add(1)
	}
	return err
}

// Stats returns a snapshot of the allocation counters.
func (x *DefaultProvider) Stats() Stats {
	return Stats{
		Allocated: x.allocated.Load(),
		Freed:     x.freed.Load(),
		Bytes:     x.bytes.Load(),
	}
}

type heapStack struct {
	buf []byte
}

func (x *heapStack) Bytes() []byte { return x.buf }
func (x *heapStack) Size() int     { return len(x.buf) }
func (x *heapStack) Guarded() bool { return false }

// roundPages returns the number of whole pages needed to hold size bytes,
// plus the guard page, with a minimum of two pages in total.
func roundPages(size, pageSize int) int {
	n := size/pageSize + 1
	if size%pageSize != 0 {
		n++
	}
	if n < 2 {
		n = 2
	}
	return n
}
