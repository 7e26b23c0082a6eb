// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package tin

import (
	"github.com/joeycumines/go-tin/poller"
	"github.com/joeycumines/go-tin/stack"
	"github.com/joeycumines/logiface"
)

// runtimeOptions holds configuration for Runtime creation.
type runtimeOptions struct {
	config         Config
	maxWorkersSet  bool
	logger         *logiface.Logger[logiface.Event]
	stackProvider  stack.Provider
	pollerFactory  poller.Factory
	parallelismSet bool
}

// --- Runtime Options ---

// Option configures a Runtime instance.
type Option interface {
	applyRuntime(*runtimeOptions) error
}

// runtimeOptionImpl implements Option.
type runtimeOptionImpl struct {
	applyRuntimeFunc func(*runtimeOptions) error
}

func (o *runtimeOptionImpl) applyRuntime(opts *runtimeOptions) error {
	return o.applyRuntimeFunc(opts)
}

// WithParallelism sets the number of scheduling contexts, i.e. the maximum
// number of tasks that execute simultaneously. Defaults to GOMAXPROCS.
func WithParallelism(n int) Option {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		opts.config.Parallelism = n
		opts.parallelismSet = true
		return nil
	}}
}

// WithStackSize sets the default task stack size in bytes (default 64KiB).
func WithStackSize(bytes int) Option {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		opts.config.StackSize = bytes
		return nil
	}}
}

// WithOSThreadStackSize records the requested worker stack size (default
// 640KiB). Workers run on goroutines, whose stacks grow on demand, so the
// value is informational.
func WithOSThreadStackSize(bytes int) Option {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		opts.config.OSThreadStackSize = bytes
		return nil
	}}
}

// WithStackGuard enables or disables guard pages below task stacks
// (default disabled).
func WithStackGuard(enabled bool) Option {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		opts.config.StackGuard = enabled
		return nil
	}}
}

// WithIgnoreSIGPIPE controls whether SIGPIPE is ignored process-wide
// (default true), so writes to a closed socket surface as EPIPE.
func WithIgnoreSIGPIPE(enabled bool) Option {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		opts.config.IgnoreSIGPIPE = enabled
		return nil
	}}
}

// WithMaxWorkers bounds the worker pool (default 4x parallelism, at least
// 16). Running out of workers is a fatal error.
func WithMaxWorkers(n int) Option {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		opts.config.MaxWorkers = n
		opts.maxWorkersSet = true
		return nil
	}}
}

// WithBlockingPoolSize sets the number of goroutines servicing
// [Task.Offload] (default 4).
func WithBlockingPoolSize(n int) Option {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		opts.config.BlockingPoolSize = n
		return nil
	}}
}

// WithSysmon enables or disables the background monitor (default enabled).
func WithSysmon(enabled bool) Option {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		opts.config.Sysmon = enabled
		return nil
	}}
}

// WithLogger sets the structured logger. A nil logger disables logging.
// By default, warnings and above are written to stderr as JSON.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithStackProvider replaces the stack allocator.
func WithStackProvider(provider stack.Provider) Option {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		if provider == nil {
			return &ConfigError{Option: "stack provider", Value: provider, Reason: "must not be nil"}
		}
		opts.stackProvider = provider
		return nil
	}}
}

// WithPoller replaces the readiness multiplexer constructor. The poller is
// created on the first call to [Runtime.OpenPoll].
func WithPoller(factory poller.Factory) Option {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		if factory == nil {
			return &ConfigError{Option: "poller", Value: nil, Reason: "must not be nil"}
		}
		opts.pollerFactory = factory
		return nil
	}}
}

// resolveOptions applies Option instances to runtimeOptions.
func resolveOptions(opts []Option) (*runtimeOptions, error) {
	cfg := &runtimeOptions{
		config:        DefaultConfig(),
		logger:        defaultLogger(),
		pollerFactory: poller.New,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyRuntime(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.parallelismSet && !cfg.maxWorkersSet {
		cfg.config.MaxWorkers = defaultMaxWorkers(cfg.config.Parallelism)
	}
	if err := cfg.config.validate(); err != nil {
		return nil, err
	}
	if cfg.stackProvider == nil {
		cfg.stackProvider = stack.NewProvider()
	}
	return cfg, nil
}

// --- Spawn Options ---

// spawnOptions holds configuration for a single task.
type spawnOptions struct {
	name      string
	stackSize int
}

// SpawnOption configures a task created by [Runtime.Spawn] or [Task.Spawn].
type SpawnOption interface {
	applySpawn(*spawnOptions) error
}

// spawnOptionImpl implements SpawnOption.
type spawnOptionImpl struct {
	applySpawnFunc func(*spawnOptions) error
}

func (o *spawnOptionImpl) applySpawn(opts *spawnOptions) error {
	return o.applySpawnFunc(opts)
}

// WithTaskName names the task, for diagnostics.
func WithTaskName(name string) SpawnOption {
	return &spawnOptionImpl{func(opts *spawnOptions) error {
		opts.name = name
		return nil
	}}
}

// WithTaskStackSize overrides the runtime's default stack size for the task.
func WithTaskStackSize(bytes int) SpawnOption {
	return &spawnOptionImpl{func(opts *spawnOptions) error {
		if bytes < minStackSize {
			return &ConfigError{Option: "task stack size", Value: bytes, Reason: "must be at least 4KiB"}
		}
		opts.stackSize = bytes
		return nil
	}}
}

// resolveSpawnOptions applies SpawnOption instances to spawnOptions.
func resolveSpawnOptions(opts []SpawnOption) (*spawnOptions, error) {
	cfg := &spawnOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applySpawn(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
