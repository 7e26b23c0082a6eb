//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package stack

import (
	"golang.org/x/sys/unix"
)

// guardedStack is an anonymous private mapping whose first page is PROT_NONE.
type guardedStack struct {
	mapping []byte
	page    int
}

func allocGuarded(size int) (Stack, error) {
	page := unix.Getpagesize()
	n := roundPages(size, page) * page
	b, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}
	if err := unix.Mprotect(b[:page], unix.PROT_NONE); err != nil {
		_ = unix.Munmap(b)
		return nil, err
	}
	return &guardedStack{mapping: b, page: page}, nil
}

func (x *guardedStack) Bytes() []byte {
	if x.mapping == nil {
		return nil
	}
	return x.mapping[x.page:]
}

func (x *guardedStack) Size() int {
	if x.mapping == nil {
		return 0
	}
	return len(x.mapping) - x.page
}

func (x *guardedStack) Guarded() bool { return true }

func (x *guardedStack) free() error {
	if x.mapping == nil {
		return ErrStackFreed
	}
	b := x.mapping
	x.mapping = nil
	return unix.Munmap(b)
}
