package tin

import (
	"time"
)

const (
	sysmonMinDelay = 20 * time.Microsecond
	sysmonMaxDelay = 10 * time.Millisecond
	// forcePollPeriod is how stale the last network poll may get before
	// sysmon polls on behalf of the workers.
	forcePollPeriod = 10 * time.Millisecond
)

// sysmon runs without a context. It polls the network when no worker has for
// a while, so that I/O readiness is noticed even when every context is busy
// running tasks. The interval starts at 20µs and doubles, up to 10ms, after
// 50 rounds with nothing to do.
func (rt *Runtime) sysmon(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	delay := sysmonMinDelay
	idle := 0
	sleeper := time.NewTimer(delay)
	defer sleeper.Stop()
	for {
		if idle == 0 {
			delay = sysmonMinDelay
		} else if idle > 50 {
			delay *= 2
		}
		if delay > sysmonMaxDelay {
			delay = sysmonMaxDelay
		}
		sleeper.Reset(delay)
		select {
		case <-stop:
			return
		case <-sleeper.C:
		}

		lastpoll := rt.sched.lastpoll.Load()
		now := rt.nanotime()
		if rt.netpoll.ready() && rt.netpoll.waiters.Load() > 0 && lastpoll != 0 && lastpoll+int64(forcePollPeriod) < now {
			rt.sched.lastpoll.CompareAndSwap(lastpoll, now)
			list := rt.pollNetwork(0)
			if !list.empty() {
				rt.injectglist(&list)
				idle = 0
				continue
			}
		}
		idle++
	}
}

func (rt *Runtime) startSysmon() {
	rt.sysmonStop = make(chan struct{})
	rt.sysmonDone = make(chan struct{})
	go rt.sysmon(rt.sysmonStop, rt.sysmonDone)
}

func (rt *Runtime) stopSysmon() {
	if rt.sysmonStop == nil {
		return
	}
	close(rt.sysmonStop)
	<-rt.sysmonDone
}
