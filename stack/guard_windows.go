//go:build windows

package stack

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// guardedStack is a committed VirtualAlloc region whose first page is
// PAGE_NOACCESS.
type guardedStack struct {
	addr uintptr
	size int
	page int
}

func allocGuarded(size int) (Stack, error) {
	page := windows.Getpagesize()
	n := roundPages(size, page) * page
	addr, err := windows.VirtualAlloc(0, uintptr(n), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return nil, err
	}
	var old uint32
	if err := windows.VirtualProtect(addr, uintptr(page), windows.PAGE_NOACCESS, &old); err != nil {
		_ = windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
		return nil, err
	}
	return &guardedStack{addr: addr, size: n, page: page}, nil
}

func (x *guardedStack) Bytes() []byte {
	if x.addr == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(x.addr+uintptr(x.page))), x.size-x.page)
}

func (x *guardedStack) Size() int {
	if x.addr == 0 {
		return 0
	}
	return x.size - x.page
}

func (x *guardedStack) Guarded() bool { return true }

func (x *guardedStack) free() error {
	if x.addr == 0 {
		return ErrStackFreed
	}
	addr := x.addr
	x.addr = 0
	return windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
}
