package tin

import (
	"runtime"
)

const (
	// maxParallelism bounds the number of scheduling contexts.
	maxParallelism = 256

	// maxWorkerLimit is the hard ceiling for Config.MaxWorkers.
	maxWorkerLimit = 10000

	defaultStackSize         = 64 << 10
	defaultOSThreadStackSize = 640 << 10
	defaultBlockingPoolSize  = 4
	minStackSize             = 4 << 10
)

// Config is the resolved, immutable configuration of a [Runtime].
type Config struct {
	// Parallelism is the number of scheduling contexts, i.e. the maximum
	// number of tasks executing at the same instant.
	Parallelism int
	// StackSize is the default size of a task's stack region.
	StackSize int
	// OSThreadStackSize is the stack size requested for workers. Workers are
	// goroutines with runtime-managed stacks, so this is recorded for
	// diagnostics only.
	OSThreadStackSize int
	// StackGuard enables guard pages below task stacks.
	StackGuard bool
	// IgnoreSIGPIPE makes the runtime ignore SIGPIPE on platforms that have it.
	IgnoreSIGPIPE bool
	// MaxWorkers bounds the number of workers, including those blocked in
	// syscalls. Exceeding it is fatal.
	MaxWorkers int
	// BlockingPoolSize is the number of helper goroutines running
	// [Task.Offload] work.
	BlockingPoolSize int
	// Sysmon enables the background monitor that polls the network when no
	// worker has done so recently.
	Sysmon bool
}

// DefaultConfig returns the configuration used when no options are given.
func DefaultConfig() Config {
	parallelism := runtime.GOMAXPROCS(0)
	if parallelism > maxParallelism {
		parallelism = maxParallelism
	}
	return Config{
		Parallelism:       parallelism,
		StackSize:         defaultStackSize,
		OSThreadStackSize: defaultOSThreadStackSize,
		IgnoreSIGPIPE:     true,
		MaxWorkers:        defaultMaxWorkers(parallelism),
		BlockingPoolSize:  defaultBlockingPoolSize,
		Sysmon:            true,
	}
}

func defaultMaxWorkers(parallelism int) int {
	n := parallelism * 4
	if n < 16 {
		n = 16
	}
	if n > maxWorkerLimit {
		n = maxWorkerLimit
	}
	return n
}

func (c *Config) validate() error {
	if c.Parallelism < 1 || c.Parallelism > maxParallelism {
		return &ConfigError{Option: "parallelism", Value: c.Parallelism, Reason: "must be between 1 and 256"}
	}
	if c.StackSize < minStackSize {
		return &ConfigError{Option: "stack size", Value: c.StackSize, Reason: "must be at least 4KiB"}
	}
	if c.OSThreadStackSize < 0 {
		return &ConfigError{Option: "os thread stack size", Value: c.OSThreadStackSize, Reason: "must not be negative"}
	}
	// one worker per context, plus one blocked in netpoll
	if c.MaxWorkers < c.Parallelism+1 || c.MaxWorkers > maxWorkerLimit {
		return &ConfigError{Option: "max workers", Value: c.MaxWorkers, Reason: "must exceed parallelism and be at most 10000"}
	}
	if c.BlockingPoolSize < 1 {
		return &ConfigError{Option: "blocking pool size", Value: c.BlockingPoolSize, Reason: "must be positive"}
	}
	return nil
}
