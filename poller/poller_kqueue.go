//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package poller

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// kqueue is the darwin/BSD backend. Read and write filters are registered
// with EV_CLEAR, which gives the same edge-triggered behaviour as epoll's
// EPOLLET. Tokens are kept in a side table keyed by fd, since the width and
// type of the kevent user data differ between platforms.
type kqueue struct { // betteralign:ignore
	_        [sizeOfCacheLine]byte //nolint:unused
	kq       int32
	wakeR    int32
	wakeW    int32
	closed   atomic.Bool
	wakeSent atomic.Bool
	_        [sizeOfCacheLine - 20]byte //nolint:unused
	eventBuf [128]unix.Kevent_t
	mu       sync.RWMutex
	tokens   map[int]uint64
}

// New returns the platform Poller.
func New() (Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)

	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		_ = unix.Close(kq)
		return nil, err
	}
	cleanup := func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		_ = unix.Close(kq)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			cleanup()
			return nil, err
		}
	}

	var ev [1]unix.Kevent_t
	unix.SetKevent(&ev[0], fds[0], unix.EVFILT_READ, unix.EV_ADD)
	if _, err := unix.Kevent(kq, ev[:], nil, nil); err != nil {
		cleanup()
		return nil, err
	}

	return &kqueue{
		kq:     int32(kq),
		wakeR:  int32(fds[0]),
		wakeW:  int32(fds[1]),
		tokens: make(map[int]uint64),
	}, nil
}

func (p *kqueue) Open(fd uintptr, token uint64) error {
	if p.closed.Load() {
		return ErrClosed
	}
	ifd := int(fd)
	if ifd < 0 || ifd == int(p.wakeR) || ifd == int(p.wakeW) {
		return ErrInvalidFD
	}

	// hold the lock across registration to avoid racing Close
	p.mu.Lock()
	defer p.mu.Unlock()

	p.tokens[ifd] = token

	var ev [2]unix.Kevent_t
	unix.SetKevent(&ev[0], ifd, unix.EVFILT_READ, unix.EV_ADD|unix.EV_CLEAR)
	unix.SetKevent(&ev[1], ifd, unix.EVFILT_WRITE, unix.EV_ADD|unix.EV_CLEAR)
	if _, err := unix.Kevent(int(p.kq), ev[:], nil, nil); err != nil {
		delete(p.tokens, ifd)
		return err
	}
	return nil
}

func (p *kqueue) Close(fd uintptr) error {
	if p.closed.Load() {
		return ErrClosed
	}
	ifd := int(fd)

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.tokens[ifd]; !ok {
		return ErrInvalidFD
	}
	delete(p.tokens, ifd)

	var ev [2]unix.Kevent_t
	unix.SetKevent(&ev[0], ifd, unix.EVFILT_READ, unix.EV_DELETE)
	unix.SetKevent(&ev[1], ifd, unix.EVFILT_WRITE, unix.EV_DELETE)
	_, _ = unix.Kevent(int(p.kq), ev[:], nil, nil) // closed descriptors are removed by the kernel
	return nil
}

func (p *kqueue) Wait(timeout time.Duration, events []Event) (int, error) {
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

	var ts *unix.Timespec
	if timeout >= 0 {
		v := unix.NsecToTimespec(int64(timeout))
		ts = &v
	}

	n, err := unix.Kevent(int(p.kq), nil, buf, ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	var count int
	p.mu.RLock()
	for i := 0; i < n; i++ {
		ev := &buf[i]
		fd := int(ev.Ident)
		if fd == int(p.wakeR) {
			p.drainWakeup()
			continue
		}
		token, ok := p.tokens[fd]
		if !ok {
			continue
		}
		var mode Mode
		switch {
		case ev.Filter == unix.EVFILT_READ:
			mode |= ModeRead
		case ev.Filter == unix.EVFILT_WRITE:
			mode |= ModeWrite
		}
		if ev.Flags&unix.EV_EOF != 0 {
			// peer hangup wakes both directions, like EPOLLHUP
			mode |= ModeRead | ModeWrite
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			mode |= ModeRead | ModeWrite | ModeError
		}
		if mode != 0 {
			events[count] = Event{Token: token, Mode: mode}
			count++
		}
	}
	p.mu.RUnlock()
	return count, nil
}

func (p *kqueue) drainWakeup() {
	var buf [16]byte
	for {
		n, err := unix.Read(int(p.wakeR), buf[:])
		if n <= 0 || err != nil {
			break
		}
	}
	p.wakeSent.Store(false)
}

func (p *kqueue) Wakeup() error {
	if p.closed.Load() {
		return ErrClosed
	}
	if !p.wakeSent.CompareAndSwap(false, true) {
		return nil
	}
	for {
		_, err := unix.Write(int(p.wakeW), []byte{0})
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return nil
		}
		return err
	}
}

func (p *kqueue) Shutdown() error {
	if p.closed.Swap(true) {
		return nil
	}
	_ = unix.Close(int(p.wakeR))
	_ = unix.Close(int(p.wakeW))
	return unix.Close(int(p.kq))
}
