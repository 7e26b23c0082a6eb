package tin

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-tin/poller"
)

// Sentinel values of PollDesc.rg and PollDesc.wg, besides nil (no
// notification) and a waiting task.
var (
	// pdReady means an I/O readiness notification is pending.
	pdReady = new(Task)
	// pdWait means a task is preparing to park on the descriptor.
	pdWait = new(Task)
)

// netpollEvents is the size of the buffer filled by one poll.
const netpollEvents = 128

// netpollState is the runtime's network poller, initialised on first use.
type netpollState struct {
	initMu  sync.Mutex
	inited  atomic.Bool
	factory poller.Factory
	backend poller.Poller

	// pollMu serializes Wait calls, which share the event buffer.
	pollMu sync.Mutex
	events []poller.Event

	// waiters is the number of tasks parked on descriptors.
	waiters atomic.Int32

	// arena of descriptors, addressed by token index. Only slots are
	// recycled: every OpenPoll returns a fresh PollDesc, so a stale handle
	// never aliases a later registration.
	mu    sync.Mutex
	descs []*PollDesc
	gens  []uint32
	free  []uint32
}

func (np *netpollState) ready() bool {
	return np.inited.Load()
}

// init starts the backend if needed.
func (np *netpollState) init() (poller.Poller, error) {
	if np.inited.Load() {
		return np.backend, nil
	}
	np.initMu.Lock()
	defer np.initMu.Unlock()
	if np.inited.Load() {
		return np.backend, nil
	}
	backend, err := np.factory()
	if err != nil {
		return nil, err
	}
	np.backend = backend
	np.events = make([]poller.Event, netpollEvents)
	np.inited.Store(true)
	return backend, nil
}

// alloc installs a new descriptor for fd in a free slot, bumping the slot's
// generation so that tokens of earlier occupants no longer resolve.
func (np *netpollState) alloc(rt *Runtime, fd uintptr) *PollDesc {
	np.mu.Lock()
	defer np.mu.Unlock()
	var index uint32
	if n := len(np.free); n > 0 {
		index = np.free[n-1]
		np.free = np.free[:n-1]
	} else {
		index = uint32(len(np.descs))
		np.descs = append(np.descs, nil)
		np.gens = append(np.gens, 0)
	}
	np.gens[index]++
	pd := &PollDesc{
		rt:    rt,
		index: index,
		token: uint64(np.gens[index])<<32 | uint64(index),
		fd:    fd,
	}
	pd.rtimer.i = -1
	pd.wtimer.i = -1
	np.descs[index] = pd
	return pd
}

// release frees the slot held by pd.
func (np *netpollState) release(pd *PollDesc) {
	np.mu.Lock()
	defer np.mu.Unlock()
	if np.descs[pd.index] != pd {
		pd.rt.fatal("release: poll descriptor slot reused")
	}
	np.descs[pd.index] = nil
	np.gens[pd.index]++
	np.free = append(np.free, pd.index)
}

// lookup resolves a token, returning nil if it is stale.
func (np *netpollState) lookup(token uint64) *PollDesc {
	index := uint32(token)
	np.mu.Lock()
	defer np.mu.Unlock()
	if int(index) >= len(np.descs) {
		return nil
	}
	pd := np.descs[index]
	if pd == nil || pd.token != token {
		return nil
	}
	return pd
}

// pollNetwork checks for ready descriptors, returning the tasks that became
// runnable. A negative delay blocks until an event or a wakeup, zero does not
// block. A non-blocking poll is skipped if another worker is polling.
func (rt *Runtime) pollNetwork(delay time.Duration) taskList {
	np := &rt.netpoll
	var list taskList
	if !np.inited.Load() {
		return list
	}
	if delay < 0 {
		np.pollMu.Lock()
	} else if !np.pollMu.TryLock() {
		return list
	}
	defer np.pollMu.Unlock()

	n, err := np.backend.Wait(delay, np.events)
	if err != nil {
		if !errors.Is(err, poller.ErrClosed) {
			rt.logPollError("wait", err)
		}
		return list
	}
	rt.stats.netpolls.Add(1)
	for _, ev := range np.events[:n] {
		pd := np.lookup(ev.Token)
		if pd == nil {
			continue
		}
		if ev.Mode&(poller.ModeRead|poller.ModeError) != 0 {
			if t := pd.unblock(poller.ModeRead, true); t != nil {
				list.push(t)
			}
		}
		if ev.Mode&(poller.ModeWrite|poller.ModeError) != 0 {
			if t := pd.unblock(poller.ModeWrite, true); t != nil {
				list.push(t)
			}
		}
	}
	return list
}

// wakeNetwork interrupts a worker blocked in the poller.
func (rt *Runtime) wakeNetwork() {
	if !rt.netpoll.inited.Load() {
		return
	}
	if err := rt.netpoll.backend.Wakeup(); err != nil && !errors.Is(err, poller.ErrClosed) {
		rt.logPollError("wakeup", err)
	}
}

// shutdownNetwork releases the backend.
func (rt *Runtime) shutdownNetwork() {
	if !rt.netpoll.inited.Load() {
		return
	}
	if err := rt.netpoll.backend.Shutdown(); err != nil {
		rt.logPollError("shutdown", err)
	}
}

// PollDesc is a file descriptor registered with the runtime's poller, on
// which tasks wait for readiness. At most one task may wait per direction.
//
// Deadlines are enforced by runtime timers: when one passes, the waiter for
// that direction is woken and gets [ErrTimeout] until the deadline is
// changed. Unblock (or Close) wakes all waiters with [ErrClosed].
//
// A closed PollDesc stays closed: its methods keep failing with [ErrClosed]
// even after the runtime registers another descriptor.
type PollDesc struct {
	rt    *Runtime
	index uint32
	token uint64
	fd    uintptr

	// mu guards the deadline state and timers, and serializes with closing.
	mu       sync.Mutex
	closing  atomic.Bool
	released bool
	rseq    uintptr // protects from stale read timers
	rtimer  timer   // read deadline timer (set if rtimer.f != nil)
	rd      atomic.Int64
	wseq    uintptr // protects from stale write timers
	wtimer  timer   // write deadline timer
	wd      atomic.Int64

	// rg and wg are nil, pdReady, pdWait, or the parked task.
	rg atomic.Pointer[Task]
	wg atomic.Pointer[Task]
}

// OpenPoll registers fd with the runtime's poller. The descriptor should be
// in non-blocking mode. It remains owned by the caller, who must Close the
// PollDesc before closing fd.
func (rt *Runtime) OpenPoll(fd uintptr) (*PollDesc, error) {
	backend, err := rt.netpoll.init()
	if err != nil {
		return nil, err
	}
	pd := rt.netpoll.alloc(rt, fd)
	if err := backend.Open(fd, pd.token); err != nil {
		rt.netpoll.release(pd)
		return nil, err
	}
	rt.stats.pollOpened.Add(1)
	return pd, nil
}

// Fd returns the registered descriptor.
func (pd *PollDesc) Fd() uintptr { return pd.fd }

// Close unblocks any waiters, deregisters the descriptor, and releases pd.
// It does not close the descriptor itself.
func (pd *PollDesc) Close() error {
	pd.mu.Lock()
	if pd.released {
		pd.mu.Unlock()
		return ErrClosed
	}
	pd.released = true
	pd.mu.Unlock()

	pd.Unblock()
	if t := pd.wg.Load(); t != nil && t != pdReady {
		pd.rt.fatal("PollDesc.Close: blocked write on closing descriptor")
	}
	if t := pd.rg.Load(); t != nil && t != pdReady {
		pd.rt.fatal("PollDesc.Close: blocked read on closing descriptor")
	}
	err := pd.rt.netpoll.backend.Close(pd.fd)
	pd.rt.netpoll.release(pd)
	return err
}

// checkerr reports why waiting in the given direction cannot proceed.
func (pd *PollDesc) checkerr(mode poller.Mode) error {
	if pd.closing.Load() {
		return ErrClosed
	}
	if (mode == poller.ModeRead && pd.rd.Load() < 0) || (mode == poller.ModeWrite && pd.wd.Load() < 0) {
		return ErrTimeout
	}
	return nil
}

func (pd *PollDesc) slot(mode poller.Mode) *atomic.Pointer[Task] {
	if mode == poller.ModeWrite {
		return &pd.wg
	}
	return &pd.rg
}

// Prepare discards a pending readiness notification for mode, ahead of an
// I/O attempt. It fails if the descriptor is closing or its deadline passed.
func (pd *PollDesc) Prepare(mode poller.Mode) error {
	if err := pd.checkerr(mode); err != nil {
		return err
	}
	pd.slot(mode).Store(nil)
	return nil
}

// PrepareRead is Prepare(ModeRead).
func (pd *PollDesc) PrepareRead() error { return pd.Prepare(poller.ModeRead) }

// PrepareWrite is Prepare(ModeWrite).
func (pd *PollDesc) PrepareWrite() error { return pd.Prepare(poller.ModeWrite) }

// Wait parks t until the descriptor is ready for mode, returning [ErrClosed]
// or [ErrTimeout] if it is closed or its deadline passes first.
func (pd *PollDesc) Wait(t *Task, mode poller.Mode) error {
	if err := pd.checkerr(mode); err != nil {
		return err
	}
	for !pd.block(t, mode) {
		if err := pd.checkerr(mode); err != nil {
			return err
		}
		// Can happen if a deadline fired and unblocked us, but before we
		// had a chance to run, the deadline was reset. Pretend it has not
		// happened and retry.
	}
	return nil
}

// WaitRead is Wait(t, ModeRead).
func (pd *PollDesc) WaitRead(t *Task) error { return pd.Wait(t, poller.ModeRead) }

// WaitWrite is Wait(t, ModeWrite).
func (pd *PollDesc) WaitWrite(t *Task) error { return pd.Wait(t, poller.ModeWrite) }

// WaitReadable sets the read deadline, then waits for read readiness.
func (pd *PollDesc) WaitReadable(t *Task, deadline time.Time) error {
	pd.SetReadDeadline(deadline)
	return pd.Wait(t, poller.ModeRead)
}

// WaitWritable sets the write deadline, then waits for write readiness.
func (pd *PollDesc) WaitWritable(t *Task, deadline time.Time) error {
	pd.SetWriteDeadline(deadline)
	return pd.Wait(t, poller.ModeWrite)
}

// block parks t until readiness (true), or until a deadline or close
// unblocks it (false).
func (pd *PollDesc) block(t *Task, mode poller.Mode) bool {
	gpp := pd.slot(mode)

	// set the slot to pdWait
	for {
		old := gpp.Load()
		if old == pdReady {
			gpp.Store(nil)
			return true
		}
		if old != nil {
			pd.rt.fatal("double wait on poll descriptor")
		}
		if gpp.CompareAndSwap(nil, pdWait) {
			break
		}
	}

	// need to recheck error states after setting the slot to pdWait, in
	// case a concurrent close or deadline did not see it
	if pd.checkerr(mode) == nil {
		t.park(func(t *Task) bool {
			ok := gpp.CompareAndSwap(pdWait, t)
			if ok {
				// Bump the count of tasks waiting on the poller, so the
				// scheduler knows to poll.
				pd.rt.netpoll.waiters.Add(1)
			}
			return ok
		}, WaitReasonIOWait)
	}
	// be careful to not lose concurrent pdReady notification
	old := gpp.Swap(nil)
	if old != nil && old != pdReady && old != pdWait {
		pd.rt.fatal("corrupted poll descriptor")
	}
	return old == pdReady
}

// unblock clears the slot for mode, returning the parked task (if any) to be
// readied by the caller. With ioready, a readiness notification is left
// pending when no task waits.
func (pd *PollDesc) unblock(mode poller.Mode, ioready bool) *Task {
	gpp := pd.slot(mode)
	for {
		old := gpp.Load()
		if old == pdReady {
			return nil
		}
		if old == nil && !ioready {
			// Only set pdReady for ioready. Deadlines and close record their
			// state elsewhere.
			return nil
		}
		var next *Task
		if ioready {
			next = pdReady
		}
		if gpp.CompareAndSwap(old, next) {
			if old == nil || old == pdWait {
				return nil
			}
			pd.rt.netpoll.waiters.Add(-1)
			return old
		}
	}
}

// SetDeadline sets both the read and write deadlines. A zero time clears
// them, and a time in the past times out pending and future waits.
func (pd *PollDesc) SetDeadline(d time.Time) {
	pd.setDeadline(d, poller.ModeRead|poller.ModeWrite)
}

// SetReadDeadline sets the read deadline.
func (pd *PollDesc) SetReadDeadline(d time.Time) {
	pd.setDeadline(d, poller.ModeRead)
}

// SetWriteDeadline sets the write deadline.
func (pd *PollDesc) SetWriteDeadline(d time.Time) {
	pd.setDeadline(d, poller.ModeWrite)
}

func (pd *PollDesc) setDeadline(d time.Time, mode poller.Mode) {
	rt := pd.rt
	var dl int64
	if !d.IsZero() {
		dl = int64(time.Until(d))
		if dl > 0 {
			dl = rt.when(time.Duration(dl))
		} else {
			dl = -1
		}
	}

	pd.mu.Lock()
	if pd.closing.Load() {
		pd.mu.Unlock()
		return
	}
	rd0, wd0 := pd.rd.Load(), pd.wd.Load()
	combo0 := rd0 > 0 && rd0 == wd0
	if mode&poller.ModeRead != 0 {
		pd.rd.Store(dl)
	}
	if mode&poller.ModeWrite != 0 {
		pd.wd.Store(dl)
	}
	rd, wd := pd.rd.Load(), pd.wd.Load()
	combo := rd > 0 && rd == wd

	rtf := netpollReadDeadline
	if combo {
		rtf = netpollDeadline
	}
	if pd.rtimer.f == nil {
		if rd > 0 {
			pd.rtimer.f = rtf
			// Copy current seq into the timer arg. Timer func will check
			// the seq against current descriptor seq, if they differ the
			// descriptor was closed or the timer was reset.
			pd.rtimer.arg = pd
			pd.rtimer.seq = pd.rseq
			pd.rtimer.when = rd
			rt.addtimer(&pd.rtimer, nil)
		}
	} else if rd != rd0 || combo != combo0 {
		pd.rseq++ // invalidate current timers
		if rd > 0 {
			rt.modtimer(&pd.rtimer, rd, 0, rtf, pd, pd.rseq, nil)
		} else {
			rt.deltimer(&pd.rtimer)
			pd.rtimer.f = nil
		}
	}
	if pd.wtimer.f == nil {
		if wd > 0 && !combo {
			pd.wtimer.f = netpollWriteDeadline
			pd.wtimer.arg = pd
			pd.wtimer.seq = pd.wseq
			pd.wtimer.when = wd
			rt.addtimer(&pd.wtimer, nil)
		}
	} else if wd != wd0 || combo != combo0 {
		pd.wseq++ // invalidate current timers
		if wd > 0 && !combo {
			rt.modtimer(&pd.wtimer, wd, 0, netpollWriteDeadline, pd, pd.wseq, nil)
		} else {
			rt.deltimer(&pd.wtimer)
			pd.wtimer.f = nil
		}
	}

	// If we set the new deadline in the past, unblock currently pending IO
	// if any.
	var rg, wg *Task
	if rd < 0 {
		rg = pd.unblock(poller.ModeRead, false)
	}
	if wd < 0 {
		wg = pd.unblock(poller.ModeWrite, false)
	}
	pd.mu.Unlock()
	if rg != nil {
		rt.ready(rg, nil, false)
	}
	if wg != nil {
		rt.ready(wg, nil, false)
	}
}

// Unblock marks the descriptor closing, waking all waiters with ErrClosed
// and cancelling its deadlines. Subsequent waits fail immediately.
func (pd *PollDesc) Unblock() {
	pd.mu.Lock()
	if pd.closing.Load() {
		pd.mu.Unlock()
		return
	}
	pd.closing.Store(true)
	pd.rseq++
	pd.wseq++
	rg := pd.unblock(poller.ModeRead, false)
	wg := pd.unblock(poller.ModeWrite, false)
	if pd.rtimer.f != nil {
		pd.rt.deltimer(&pd.rtimer)
		pd.rtimer.f = nil
	}
	if pd.wtimer.f != nil {
		pd.rt.deltimer(&pd.wtimer)
		pd.wtimer.f = nil
	}
	pd.mu.Unlock()
	if rg != nil {
		pd.rt.ready(rg, nil, false)
	}
	if wg != nil {
		pd.rt.ready(wg, nil, false)
	}
}

func (pd *PollDesc) deadlineFired(cur *Task, seq uintptr, read, write bool) {
	pd.mu.Lock()
	// seq arg is seq when the timer was set. If it's stale, ignore the
	// timer event.
	currentSeq := pd.rseq
	if !read {
		currentSeq = pd.wseq
	}
	if seq != currentSeq {
		// The descriptor was closed or timers were reset.
		pd.mu.Unlock()
		return
	}
	var rg, wg *Task
	if read {
		if pd.rd.Load() <= 0 || pd.rtimer.f == nil {
			pd.rt.fatal("inconsistent read deadline")
		}
		pd.rd.Store(-1)
		pd.rtimer.f = nil
		rg = pd.unblock(poller.ModeRead, false)
	}
	if write {
		if pd.wd.Load() <= 0 || (pd.wtimer.f == nil && !read) {
			pd.rt.fatal("inconsistent write deadline")
		}
		pd.wd.Store(-1)
		pd.wtimer.f = nil
		wg = pd.unblock(poller.ModeWrite, false)
	}
	pd.mu.Unlock()
	if rg != nil {
		pd.rt.ready(rg, cur, false)
	}
	if wg != nil {
		pd.rt.ready(wg, cur, false)
	}
}

func netpollDeadline(cur *Task, arg any, seq uintptr) {
	arg.(*PollDesc).deadlineFired(cur, seq, true, true)
}

func netpollReadDeadline(cur *Task, arg any, seq uintptr) {
	arg.(*PollDesc).deadlineFired(cur, seq, true, false)
}

func netpollWriteDeadline(cur *Task, arg any, seq uintptr) {
	arg.(*PollDesc).deadlineFired(cur, seq, false, true)
}
