package tin

import (
	"sync/atomic"
)

// TaskState is the scheduling state of a [Task].
//
// State machine:
//
//	Idle → Runnable               [spawn]
//	Runnable → Running            [execute]
//	Running → Waiting             [park]
//	Waiting → Runnable            [ready]
//	Running → Runnable            [yield, park callback declined]
//	Running → InSyscall           [EnterSyscall]
//	InSyscall → Running           [ExitSyscall, fast path]
//	InSyscall → Runnable          [ExitSyscall, no idle context]
//	Running → Exited              [entry function returned]
type TaskState uint32

const (
	TaskIdle TaskState = iota
	TaskRunnable
	TaskRunning
	TaskWaiting
	TaskInSyscall
	TaskExited
)

// String returns a human-readable representation of the state.
func (s TaskState) String() string {
	switch s {
	case TaskIdle:
		return "Idle"
	case TaskRunnable:
		return "Runnable"
	case TaskRunning:
		return "Running"
	case TaskWaiting:
		return "Waiting"
	case TaskInSyscall:
		return "InSyscall"
	case TaskExited:
		return "Exited"
	default:
		return "Unknown"
	}
}

// procStatus is the status of a scheduling context.
type procStatus uint32

const (
	procIdle procStatus = iota
	procRunning
	procInSyscall
)

func (s procStatus) String() string {
	switch s {
	case procIdle:
		return "Idle"
	case procRunning:
		return "Running"
	case procInSyscall:
		return "InSyscall"
	default:
		return "Unknown"
	}
}

// atomicState is a lock-free state holder. Transitions between states that
// may race (e.g. Waiting → Runnable) must use TryTransition; Store is for
// transitions only the owner can perform.
type atomicState[T ~uint32] struct {
	v atomic.Uint32
}

// Load returns the current state.
func (s *atomicState[T]) Load() T {
	return T(s.v.Load())
}

// Store unconditionally sets the state.
func (s *atomicState[T]) Store(v T) {
	s.v.Store(uint32(v))
}

// TryTransition attempts to move from one state to another, returning false
// if the current state is not from.
func (s *atomicState[T]) TryTransition(from, to T) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}
