package tin

import (
	"errors"
	"fmt"
	"os"
	"runtime/debug"
)

var (
	// ErrClosed is returned by blocking operations on a resource (channel,
	// poll descriptor) that was closed before or while the task waited.
	ErrClosed = errors.New("tin: use of closed resource")

	// ErrTimeout is returned when a deadline elapses before the operation
	// could complete. Any [*TimeoutError] matches it via [errors.Is].
	ErrTimeout error = &TimeoutError{Message: "tin: i/o timeout"}

	// ErrRuntimeClosed is returned by operations that start new work after
	// the runtime began shutting down.
	ErrRuntimeClosed = errors.New("tin: runtime closed")

	// ErrNotTask is returned when an operation that must run on a task is
	// given a nil task.
	ErrNotTask = errors.New("tin: not called from a task")

	// ErrNilFunc is returned when spawning a task without an entry function.
	ErrNilFunc = errors.New("tin: nil task function")
)

// TimeoutError indicates a deadline was exceeded.
type TimeoutError struct {
	Cause   error
	Message string
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.Message == "" {
		return "tin: timeout"
	}
	return e.Message
}

// Unwrap returns the underlying cause, if any.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// Is matches any TimeoutError, so errors.Is(err, ErrTimeout) works for
// timeouts carrying a cause.
func (e *TimeoutError) Is(target error) bool {
	_, ok := target.(*TimeoutError)
	return ok
}

// Timeout reports true, for compatibility with net.Error.
func (e *TimeoutError) Timeout() bool { return true }

// Temporary reports true, for compatibility with net.Error.
func (e *TimeoutError) Temporary() bool { return true }

// ConfigError is returned by [New] when an option is invalid.
type ConfigError struct {
	Option string
	Value  any
	Reason string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("tin: invalid %s (%v): %s", e.Option, e.Value, e.Reason)
}

// FatalError describes an unrecoverable invariant violation. It is logged,
// written to stderr with its stack, and the process exits with status 2.
type FatalError struct {
	Message string
	Stack   []byte
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	return "tin: fatal error: " + e.Message
}

// Fatal reports an unrecoverable invariant violation detected by code built on
// the runtime, e.g. unlocking an unlocked mutex. The task, if non-nil,
// selects the runtime whose logger records the diagnostic.
func Fatal(t *Task, msg string) {
	var rt *Runtime
	if t != nil {
		rt = t.rt
	}
	rt.fatal(msg)
}

// abort terminates the process after a fatal error. Replaced in tests.
var abort = func(err *FatalError) {
	_, _ = fmt.Fprintf(os.Stderr, "%s\n\n%s\n", err.Error(), err.Stack)
	os.Exit(2)
}

// fatal logs msg at critical level and aborts. rt may be nil.
func (rt *Runtime) fatal(msg string) {
	err := &FatalError{Message: msg, Stack: debug.Stack()}
	if rt != nil {
		rt.logFatal(err)
	}
	abort(err)
	// only reached when abort returns, which it does in tests
	panic(err)
}

// isFatal reports whether a recovered panic value is a fatal error.
func isFatal(v any) bool {
	_, ok := v.(*FatalError)
	return ok
}

// PanicError is the error reported by [Task.Err] for a task whose entry
// function panicked.
type PanicError struct {
	Value any
	Stack []byte
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("tin: task panicked: %v", e.Value)
}

// Unwrap returns the panic value, if it is an error.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}
