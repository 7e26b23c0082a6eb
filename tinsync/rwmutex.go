package tinsync

import (
	"sync/atomic"

	"github.com/joeycumines/go-tin"
)

const rwmutexMaxReaders = 1 << 30

// RWMutex is a reader/writer mutual exclusion lock for tasks. The lock can
// be held by an arbitrary number of readers or a single writer.
//
// A pending writer subtracts rwmutexMaxReaders from readerCount, which makes
// new readers block, then waits for the readers that were already in to
// leave, tracked by readerWait.
type RWMutex struct {
	w           Mutex  // held if there are pending writers
	writerSem   uint32 // semaphore for writers to wait for completing readers
	readerSem   uint32 // semaphore for readers to wait for completing writers
	readerCount int32  // number of pending readers
	readerWait  int32  // number of departing readers
}

// RLock locks rw for reading. As with [Mutex.Lock], waiting with a nil t is
// a fatal error.
func (rw *RWMutex) RLock(t *tin.Task) {
	if atomic.AddInt32(&rw.readerCount, 1) < 0 {
		// A writer is pending, wait for it.
		semacquire(t, &rw.readerSem)
	}
}

// RUnlock undoes a single RLock call. It is a fatal error if rw is not
// locked for reading.
func (rw *RWMutex) RUnlock(t *tin.Task) {
	if r := atomic.AddInt32(&rw.readerCount, -1); r < 0 {
		if r+1 == 0 || r+1 == -rwmutexMaxReaders {
			tin.Fatal(t, "tinsync: RUnlock of unlocked RWMutex")
		}
		// A writer is pending.
		if atomic.AddInt32(&rw.readerWait, -1) == 0 {
			// The last reader unblocks the writer.
			tin.Semrelease(t, &rw.writerSem)
		}
	}
}

// Lock locks rw for writing, waiting for active readers and writers.
func (rw *RWMutex) Lock(t *tin.Task) {
	// First, resolve competition with other writers.
	rw.w.Lock(t)
	// Announce to readers there is a pending writer.
	r := atomic.AddInt32(&rw.readerCount, -rwmutexMaxReaders) + rwmutexMaxReaders
	// Wait for active readers.
	if r != 0 && atomic.AddInt32(&rw.readerWait, r) != 0 {
		semacquire(t, &rw.writerSem)
	}
}

// Unlock unlocks rw for writing. It is a fatal error if rw is not locked for
// writing.
func (rw *RWMutex) Unlock(t *tin.Task) {
	// Announce to readers there is no active writer.
	r := atomic.AddInt32(&rw.readerCount, rwmutexMaxReaders)
	if r >= rwmutexMaxReaders {
		tin.Fatal(t, "tinsync: Unlock of unlocked RWMutex")
	}
	// Unblock blocked readers, if any.
	for i := 0; i < int(r); i++ {
		tin.Semrelease(t, &rw.readerSem)
	}
	// Allow other writers to proceed.
	rw.w.Unlock(t)
}

// RLocker returns a [Locker] that locks and unlocks rw for reading.
func (rw *RWMutex) RLocker() Locker {
	return (*rlocker)(rw)
}

type rlocker RWMutex

func (r *rlocker) Lock(t *tin.Task)   { (*RWMutex)(r).RLock(t) }
func (r *rlocker) Unlock(t *tin.Task) { (*RWMutex)(r).RUnlock(t) }
