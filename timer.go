package tin

import (
	"errors"
	"math"
	"sync"
	"time"
)

// maxWhen is the when value of timers set to fire at the end of time.
const maxWhen = math.MaxInt64

// timer is an entry in the runtime's timer heap. Its fields are guarded by
// timers.mu while it is in the heap.
type timer struct {
	// i is the index in the heap, or -1.
	i int
	// when is the time to fire, in nanotime units.
	when int64
	// period, if positive, makes the timer fire repeatedly.
	period int64
	// f is called on the timer driver task, without timers.mu held. It must
	// not block; cur is the driver, for readying tasks.
	f   func(cur *Task, arg any, seq uintptr)
	arg any
	seq uintptr
}

func newTimer() *timer {
	return &timer{i: -1}
}

// timerHeap is a 4-ary min-heap of timers ordered by when. The shallower
// tree makes sifts cheaper than a binary heap, for the add/delete heavy
// workload of deadlines that rarely fire.
type timerHeap []*timer

// siftup moves the timer at i up the heap, returning false if i is invalid.
func (h timerHeap) siftup(i int) bool {
	if i >= len(h) {
		return false
	}
	when := h[i].when
	tmp := h[i]
	for i > 0 {
		p := (i - 1) / 4 // parent
		if when >= h[p].when {
			break
		}
		h[i] = h[p]
		h[i].i = i
		i = p
	}
	if tmp != h[i] {
		h[i] = tmp
		h[i].i = i
	}
	return true
}

// siftdown moves the timer at i down the heap, returning false if i is
// invalid.
func (h timerHeap) siftdown(i int) bool {
	n := len(h)
	if i >= n {
		return false
	}
	when := h[i].when
	tmp := h[i]
	for {
		c := i*4 + 1 // left child
		c3 := c + 2  // mid child
		if c >= n {
			break
		}
		w := h[c].when
		if c+1 < n && h[c+1].when < w {
			w = h[c+1].when
			c++
		}
		if c3 < n {
			w3 := h[c3].when
			if c3+1 < n && h[c3+1].when < w3 {
				w3 = h[c3+1].when
				c3++
			}
			if w3 < w {
				w = w3
				c = c3
			}
		}
		if w >= when {
			break
		}
		h[i] = h[c]
		h[i].i = i
		i = c
	}
	if tmp != h[i] {
		h[i] = tmp
		h[i].i = i
	}
	return true
}

// timers is the runtime's timer heap, and the state of the driver task that
// fires them.
type timers struct {
	mu   sync.Mutex
	heap timerHeap

	driver *Task
	// sleeping is set while the driver sleeps until sleepUntil.
	sleeping   bool
	sleepUntil int64
	// rescheduling is set while the driver is parked on an empty heap.
	rescheduling bool
	closed       bool
	// wake interrupts a sleeping driver.
	wake chan struct{}
}

func (tt *timers) init() {
	tt.wake = make(chan struct{}, 1)
}

// add inserts tm into the heap. cur may be nil.
func (rt *Runtime) addtimer(tm *timer, cur *Task) {
	rt.timers.mu.Lock()
	rt.addtimerLocked(tm, cur)
	rt.timers.mu.Unlock()
}

// addtimerLocked inserts tm, waking the driver if tm is now the earliest.
// timers.mu must be held.
func (rt *Runtime) addtimerLocked(tm *timer, cur *Task) {
	tt := &rt.timers
	if tm.i >= 0 {
		rt.fatal("addtimer: timer already in heap")
	}
	// when must never be negative, otherwise the heap would misbehave
	if tm.when < 0 {
		tm.when = maxWhen
	}
	tm.i = len(tt.heap)
	tt.heap = append(tt.heap, tm)
	if !tt.heap.siftup(tm.i) {
		rt.fatal("timer data corruption")
	}
	if tm.i == 0 {
		// siftup moved to top: new earliest deadline
		if tt.sleeping && tt.sleepUntil > tm.when {
			tt.sleeping = false
			select {
			case tt.wake <- struct{}{}:
			default:
			}
		}
		if tt.rescheduling {
			tt.rescheduling = false
			rt.ready(tt.driver, cur, false)
		}
	}
}

// deltimer removes tm from the heap, reporting whether it was there, i.e.
// whether this call prevented it from firing.
func (rt *Runtime) deltimer(tm *timer) bool {
	rt.timers.mu.Lock()
	ok := rt.deltimerLocked(tm)
	rt.timers.mu.Unlock()
	return ok
}

// deltimerLocked removes tm from the heap.
// timers.mu must be held.
func (rt *Runtime) deltimerLocked(tm *timer) bool {
	h := rt.timers.heap
	i := tm.i
	last := len(h) - 1
	if i < 0 || i > last || h[i] != tm {
		return false
	}
	if i != last {
		h[i] = h[last]
		h[i].i = i
	}
	h[last] = nil
	h = h[:last]
	rt.timers.heap = h
	tm.i = -1
	if i != last {
		if !h.siftup(i) || !h.siftdown(i) {
			rt.fatal("timer data corruption")
		}
	}
	return true
}

// modtimer atomically reschedules tm, which may or may not be in the heap.
func (rt *Runtime) modtimer(tm *timer, when, period int64, f func(*Task, any, uintptr), arg any, seq uintptr, cur *Task) {
	rt.timers.mu.Lock()
	rt.deltimerLocked(tm)
	tm.when = when
	tm.period = period
	tm.f = f
	tm.arg = arg
	tm.seq = seq
	rt.addtimerLocked(tm, cur)
	rt.timers.mu.Unlock()
}

// timerproc is the entry function of the driver task. It fires due timers,
// then either parks (empty heap) or sleeps until the next deadline, in a
// syscall so the sleep does not hold a context.
func (rt *Runtime) timerproc(t *Task) {
	tt := &rt.timers
	sleeper := time.NewTimer(time.Hour)
	sleeper.Stop()
	defer sleeper.Stop()

	for {
		tt.mu.Lock()
		tt.sleeping = false
		now := rt.nanotime()
		delta := int64(-1)
		for len(tt.heap) != 0 {
			tm := tt.heap[0]
			delta = tm.when - now
			if delta > 0 {
				break
			}
			if tm.period > 0 {
				// leave in heap but adjust next time to fire
				tm.when += tm.period * (1 + -delta/tm.period)
				if tm.when < 0 {
					tm.when = maxWhen
				}
				if !tt.heap.siftdown(0) {
					rt.fatal("timer data corruption")
				}
			} else {
				// remove from heap
				last := len(tt.heap) - 1
				if last > 0 {
					tt.heap[0] = tt.heap[last]
					tt.heap[0].i = 0
				}
				tt.heap[last] = nil
				tt.heap = tt.heap[:last]
				if last > 0 && !tt.heap.siftdown(0) {
					rt.fatal("timer data corruption")
				}
				tm.i = -1
			}
			f, arg, seq := tm.f, tm.arg, tm.seq
			tt.mu.Unlock()
			rt.stats.timersFired.Add(1)
			f(t, arg, seq)
			tt.mu.Lock()
			delta = -1
		}

		if tt.closed {
			tt.mu.Unlock()
			return
		}

		if len(tt.heap) == 0 {
			// no timers left, park until one is added
			tt.rescheduling = true
			t.park(func(*Task) bool {
				tt.mu.Unlock()
				return true
			}, WaitReasonTimerIdle)
			continue
		}

		tt.sleeping = true
		tt.sleepUntil = now + delta
		select {
		case <-tt.wake:
		default:
		}
		tt.mu.Unlock()

		t.EnterSyscall()
		sleeper.Reset(time.Duration(delta))
		select {
		case <-tt.wake:
		case <-sleeper.C:
		}
		sleeper.Stop()
		t.ExitSyscall()
	}
}

// stopTimers makes the driver exit, waiting until it does. Pending timers
// never fire.
func (rt *Runtime) stopTimers() {
	tt := &rt.timers
	tt.mu.Lock()
	tt.closed = true
	if tt.rescheduling {
		tt.rescheduling = false
		rt.ready(tt.driver, nil, false)
	}
	if tt.sleeping {
		tt.sleeping = false
		select {
		case tt.wake <- struct{}{}:
		default:
		}
	}
	tt.mu.Unlock()
	<-tt.driver.Done()
}

// when converts a relative duration to an absolute nanotime, saturating on
// overflow.
func (rt *Runtime) when(d time.Duration) int64 {
	if d <= 0 {
		return rt.nanotime()
	}
	t := rt.nanotime() + int64(d)
	if t < 0 {
		t = maxWhen
	}
	return t
}

// whenTime converts a wall clock deadline to an absolute nanotime.
func (rt *Runtime) whenTime(deadline time.Time) int64 {
	return rt.when(time.Until(deadline))
}

// readyTimerArg readies the task passed as the timer's arg.
func readyTimerArg(cur *Task, arg any, _ uintptr) {
	t := arg.(*Task)
	t.rt.ready(t, cur, true)
}

// Sleep pauses t for at least d. A non-positive d returns immediately.
func (t *Task) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	rt := t.rt
	if t.timer == nil {
		t.timer = newTimer()
	}
	tm := t.timer
	tm.f = readyTimerArg
	tm.arg = t
	tm.period = 0
	tm.seq = 0

	rt.timers.mu.Lock()
	tm.when = rt.when(d)
	rt.addtimerLocked(tm, t)
	t.park(func(*Task) bool {
		rt.timers.mu.Unlock()
		return true
	}, WaitReasonSleep)
}

// Timer is a handle to a function scheduled with [Runtime.AfterFunc] or
// [Runtime.Every]. Each firing spawns a new task running the function.
type Timer struct {
	rt *Runtime
	tm *timer
	fn func(t *Task)
}

// errNonPositivePeriod is the panic value of Every with a bad period.
var errNonPositivePeriod = errors.New("tin: non-positive period for Every")

// AfterFunc spawns a task running fn once d has elapsed.
func (rt *Runtime) AfterFunc(d time.Duration, fn func(t *Task)) *Timer {
	x := &Timer{rt: rt, tm: newTimer(), fn: fn}
	x.tm.f = x.fire
	x.tm.when = rt.when(d)
	rt.addtimer(x.tm, nil)
	return x
}

// Every spawns a task running fn every period, until stopped. Firings missed
// while the runtime was busy are dropped rather than run late in a burst.
func (rt *Runtime) Every(period time.Duration, fn func(t *Task)) *Timer {
	if period <= 0 {
		panic(errNonPositivePeriod)
	}
	x := &Timer{rt: rt, tm: newTimer(), fn: fn}
	x.tm.f = x.fire
	x.tm.period = int64(period)
	x.tm.when = rt.when(period)
	rt.addtimer(x.tm, nil)
	return x
}

func (x *Timer) fire(cur *Task, _ any, _ uintptr) {
	if _, err := cur.Spawn(x.fn, WithTaskName("timer")); err != nil {
		// rejected once the runtime is closed
		x.rt.logTimerDropped(err)
	}
}

// Stop prevents the timer from firing, reporting whether it was pending.
func (x *Timer) Stop() bool {
	return x.rt.deltimer(x.tm)
}

// Reset reschedules the timer to fire after d (and then every period, for
// periodic timers), reporting whether it was pending.
func (x *Timer) Reset(d time.Duration) bool {
	rt := x.rt
	rt.timers.mu.Lock()
	defer rt.timers.mu.Unlock()
	active := rt.deltimerLocked(x.tm)
	x.tm.when = rt.when(d)
	rt.addtimerLocked(x.tm, nil)
	return active
}
