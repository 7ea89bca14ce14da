// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package reactor

import (
	"fmt"
	"runtime"
	"time"
)

// Options is the resolved runtime configuration. A [Runtime] keeps its own
// copy, see [Runtime.Options].
type Options struct {
	// Logger receives all structured log events. Nil disables logging.
	Logger *Logger

	// IdleCPUHandler is consulted whenever a core found no work.
	IdleCPUHandler IdleCPUHandler

	// now overrides the scheduler's steady clock, for deterministic tests.
	now func() time.Duration

	// NetworkStack names the stack used by [Reactor.Network].
	NetworkStack string

	// SMP is the number of cores (reactors). Defaults to the number of
	// usable CPUs.
	SMP int

	// TaskQuota is the preemption tick.
	TaskQuota time.Duration

	// MaxTaskBacklog bounds the tasks a queue may accumulate during a visit
	// before it yields to polling.
	MaxTaskBacklog int

	// BlockedReactorNotify is the stall threshold, for a single task run.
	BlockedReactorNotify time.Duration

	BlockedReactorReportsPerMinute int

	// IdlePollTime is how long a core keeps polling before it sleeps.
	IdlePollTime time.Duration

	// LowresGranularity is the refresh period of the low resolution clock.
	LowresGranularity time.Duration

	// MaxIORequests is the total in-flight disk request capacity, split
	// evenly between the I/O queues.
	MaxIORequests int

	// NumIOQueues is the number of I/O coordinator cores. Defaults to SMP.
	NumIOQueues int

	// PollMode disables sleeping entirely.
	PollMode bool

	// Overprovisioned implies IdlePollTime 0, and no thread affinity.
	Overprovisioned bool

	// ThreadAffinity pins core i to the i-th usable CPU.
	ThreadAffinity bool

	// LockMemory calls mlockall before any core starts.
	LockMemory bool

	// RelaxedDMA falls back to buffered I/O, where O_DIRECT is refused.
	RelaxedDMA bool

	// UnsafeBypassFsync makes [File.Flush] a no-op.
	UnsafeBypassFsync bool

	// NoHandleInterrupt leaves SIGINT alone.
	NoHandleInterrupt bool
}

// DefaultOptions returns the default configuration.
func DefaultOptions() Options {
	return Options{
		Logger:                         defaultLogger(),
		NetworkStack:                   posixStackName,
		SMP:                            runtime.NumCPU(),
		TaskQuota:                      2 * time.Millisecond,
		MaxTaskBacklog:                 1000,
		BlockedReactorNotify:           25 * time.Millisecond,
		BlockedReactorReportsPerMinute: 5,
		IdlePollTime:                   200 * time.Microsecond,
		LowresGranularity:              10 * time.Millisecond,
		MaxIORequests:                  128,
		ThreadAffinity:                 true,
	}
}

// --- Runtime Options ---

// Option configures a [Runtime].
type Option interface {
	applyOption(*Options) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyOptionFunc func(*Options) error
}

func (o *optionImpl) applyOption(opts *Options) error {
	return o.applyOptionFunc(opts)
}

// WithOptions replaces the whole configuration, e.g. with one loaded by
// [LoadOptionsFile]. Options that follow it still apply on top.
func WithOptions(options Options) Option {
	return &optionImpl{func(opts *Options) error {
		*opts = options
		return nil
	}}
}

// WithSMP sets the number of cores.
func WithSMP(n int) Option {
	return &optionImpl{func(opts *Options) error {
		opts.SMP = n
		return nil
	}}
}

// WithTaskQuota sets the preemption tick.
func WithTaskQuota(d time.Duration) Option {
	return &optionImpl{func(opts *Options) error {
		opts.TaskQuota = d
		return nil
	}}
}

func WithMaxTaskBacklog(n int) Option {
	return &optionImpl{func(opts *Options) error {
		opts.MaxTaskBacklog = n
		return nil
	}}
}

// WithBlockedReactorNotify configures stall reporting. A zero reportsPerMinute
// disables the reports, but stalls are still counted.
func WithBlockedReactorNotify(threshold time.Duration, reportsPerMinute int) Option {
	return &optionImpl{func(opts *Options) error {
		opts.BlockedReactorNotify = threshold
		opts.BlockedReactorReportsPerMinute = reportsPerMinute
		return nil
	}}
}

func WithIdlePollTime(d time.Duration) Option {
	return &optionImpl{func(opts *Options) error {
		opts.IdlePollTime = d
		return nil
	}}
}

// WithPollMode sets whether cores busy-poll instead of sleeping.
func WithPollMode(enabled bool) Option {
	return &optionImpl{func(opts *Options) error {
		opts.PollMode = enabled
		return nil
	}}
}

func WithOverprovisioned(enabled bool) Option {
	return &optionImpl{func(opts *Options) error {
		opts.Overprovisioned = enabled
		return nil
	}}
}

// WithThreadAffinity sets whether each core's thread is pinned to a CPU.
func WithThreadAffinity(enabled bool) Option {
	return &optionImpl{func(opts *Options) error {
		opts.ThreadAffinity = enabled
		return nil
	}}
}

func WithLockMemory(enabled bool) Option {
	return &optionImpl{func(opts *Options) error {
		opts.LockMemory = enabled
		return nil
	}}
}

// WithIOQueues sets the total in-flight disk request capacity, and the
// number of coordinator cores sharing it. A zero numIOQueues means SMP.
func WithIOQueues(maxIORequests, numIOQueues int) Option {
	return &optionImpl{func(opts *Options) error {
		opts.MaxIORequests = maxIORequests
		opts.NumIOQueues = numIOQueues
		return nil
	}}
}

func WithRelaxedDMA(enabled bool) Option {
	return &optionImpl{func(opts *Options) error {
		opts.RelaxedDMA = enabled
		return nil
	}}
}

func WithUnsafeBypassFsync(enabled bool) Option {
	return &optionImpl{func(opts *Options) error {
		opts.UnsafeBypassFsync = enabled
		return nil
	}}
}

// WithNetworkStack selects a stack registered by [RegisterNetworkStack].
func WithNetworkStack(name string) Option {
	return &optionImpl{func(opts *Options) error {
		opts.NetworkStack = name
		return nil
	}}
}

func WithNoHandleInterrupt(enabled bool) Option {
	return &optionImpl{func(opts *Options) error {
		opts.NoHandleInterrupt = enabled
		return nil
	}}
}

// WithLowresGranularity sets the refresh period of the low resolution clock.
func WithLowresGranularity(d time.Duration) Option {
	return &optionImpl{func(opts *Options) error {
		opts.LowresGranularity = d
		return nil
	}}
}

// WithLogger sets the structured logger. A nil logger disables logging.
func WithLogger(logger *Logger) Option {
	return &optionImpl{func(opts *Options) error {
		opts.Logger = logger
		return nil
	}}
}

// WithIdleCPUHandler installs a handler consulted by idle cores.
func WithIdleCPUHandler(handler IdleCPUHandler) Option {
	return &optionImpl{func(opts *Options) error {
		opts.IdleCPUHandler = handler
		return nil
	}}
}

// withClock overrides the scheduler clock of every core.
func withClock(now func() time.Duration) Option {
	return &optionImpl{func(opts *Options) error {
		opts.now = now
		return nil
	}}
}

// resolveOptions applies Option instances to the defaults, then validates
// the result.
func resolveOptions(opts []Option) (*Options, error) {
	cfg := DefaultOptions()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyOption(&cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolve fills derived defaults, and validates.
func (o *Options) resolve() error {
	if o.Overprovisioned {
		o.IdlePollTime = 0
		o.ThreadAffinity = false
	}
	if o.NumIOQueues == 0 {
		o.NumIOQueues = o.SMP
	}
	return o.validate()
}

func (o *Options) validate() error {
	switch {
	case o.SMP < 1:
		return &OptionError{Option: `smp`, Reason: `must be at least 1`}
	case o.ThreadAffinity && o.SMP > runtime.NumCPU():
		return &OptionError{Option: `smp`, Reason: fmt.Sprintf(`%d exceeds the %d usable cpus, with thread affinity`, o.SMP, runtime.NumCPU())}
	case o.TaskQuota <= 0:
		return &OptionError{Option: `task_quota_ms`, Reason: `must be positive`}
	case o.MaxTaskBacklog < 1:
		return &OptionError{Option: `max_task_backlog`, Reason: `must be at least 1`}
	case o.BlockedReactorNotify <= 0:
		return &OptionError{Option: `blocked_reactor_notify_ms`, Reason: `must be positive`}
	case o.BlockedReactorReportsPerMinute < 0:
		return &OptionError{Option: `blocked_reactor_reports_per_minute`, Reason: `must not be negative`}
	case o.IdlePollTime < 0:
		return &OptionError{Option: `idle_poll_time_us`, Reason: `must not be negative`}
	case o.LowresGranularity <= 0:
		return &OptionError{Option: `lowres_granularity_ms`, Reason: `must be positive`}
	case o.NumIOQueues < 1 || o.NumIOQueues > o.SMP:
		return &OptionError{Option: `num_io_queues`, Reason: fmt.Sprintf(`must be within [1, %d]`, o.SMP)}
	case o.MaxIORequests < o.NumIOQueues:
		return &OptionError{Option: `max_io_requests`, Reason: fmt.Sprintf(`must be at least num_io_queues (%d)`, o.NumIOQueues)}
	}
	if _, ok := lookupNetworkStack(o.NetworkStack); !ok {
		return &OptionError{Option: `network_stack`, Reason: fmt.Sprintf(`%q: %v`, o.NetworkStack, ErrUnknownNetworkStack)}
	}
	return nil
}
