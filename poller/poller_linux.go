//go:build linux

package poller

import (
	"encoding/binary"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// wakeToken is reserved for the eventfd used by Wakeup.
const wakeToken = ^uint64(0)

// epoll is the linux backend.
//
// Tokens are split across the two 32-bit halves of the epoll user data, which
// x/sys exposes as the Fd and Pad fields.
type epoll struct { // betteralign:ignore
	_        [sizeOfCacheLine]byte //nolint:unused
	epfd     int32
	wakefd   int32
	closed   atomic.Bool
	wakeSent atomic.Bool
	_        [sizeOfCacheLine - 16]byte //nolint:unused
	eventBuf [128]unix.EpollEvent
}

// New returns the platform Poller.
func New() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}
	p := &epoll{epfd: int32(epfd), wakefd: int32(wakefd)}
	ev := unix.EpollEvent{Events: unix.EPOLLIN}
	putToken(&ev, wakeToken)
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, err
	}
	return p, nil
}

func putToken(ev *unix.EpollEvent, token uint64) {
	ev.Fd = int32(uint32(token))
	ev.Pad = int32(uint32(token >> 32))
}

func getToken(ev *unix.EpollEvent) uint64 {
	return uint64(uint32(ev.Fd)) | uint64(uint32(ev.Pad))<<32
}

func (p *epoll) Open(fd uintptr, token uint64) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if int(fd) < 0 || int(fd) == int(p.wakefd) || token == wakeToken {
		return ErrInvalidFD
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP | unix.EPOLLET}
	putToken(&ev, token)
	return unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_ADD, int(fd), &ev)
}

func (p *epoll) Close(fd uintptr) error {
	if p.closed.Load() {
		return ErrClosed
	}
	return unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_DEL, int(fd), nil)
}

func (p *epoll) Wait(timeout time.Duration, events []Event) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	buf := p.eventBuf[:]
	if len(events) < len(buf) {
		buf = buf[:len(events)]
	}
	if len(buf) == 0 {
		return 0, nil
	}
	n, err := unix.EpollWait(int(p.epfd), buf, timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	var count int
	for i := 0; i < n; i++ {
		ev := &buf[i]
		token := getToken(ev)
		if token == wakeToken {
			p.drainWakeup()
			continue
		}
		var mode Mode
		if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			mode |= ModeRead
		}
		if ev.Events&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			mode |= ModeWrite
		}
		if ev.Events&unix.EPOLLERR != 0 {
			mode |= ModeError
		}
		if mode != 0 {
			events[count] = Event{Token: token, Mode: mode}
			count++
		}
	}
	return count, nil
}

func (p *epoll) drainWakeup() {
	var buf [8]byte
	_, _ = unix.Read(int(p.wakefd), buf[:])
	p.wakeSent.Store(false)
}

func (p *epoll) Wakeup() error {
	if p.closed.Load() {
		return ErrClosed
	}
	// coalesce: one pending wakeup is enough
	if !p.wakeSent.CompareAndSwap(false, true) {
		return nil
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(int(p.wakefd), buf[:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			// counter saturated, a wakeup is already pending
			return nil
		}
		return err
	}
}

func (p *epoll) Shutdown() error {
	if p.closed.Swap(true) {
		return nil
	}
	err := unix.Close(int(p.wakefd))
	if err2 := unix.Close(int(p.epfd)); err == nil {
		err = err2
	}
	return err
}
