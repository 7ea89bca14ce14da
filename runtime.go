// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package reactor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// MainFunc is the entry point of an application, run on core 0 once every
// core started. Its result is the exit code.
type MainFunc func(r *Reactor) *Future[int]

// Runtime owns every core of the process, and drives them from [Runtime.Run]
// until stopped.
//
// Example:
//
//	rt, err := reactor.NewRuntime(reactor.WithSMP(2))
//	if err != nil {
//		panic(err)
//	}
//	defer rt.Close()
//	code, err := rt.Run(context.Background(), func(r *reactor.Reactor) *reactor.Future[int] {
//		return reactor.Map(reactor.Sleep(r, time.Second), func(struct{}) (int, error) {
//			return 0, nil
//		})
//	})
type Runtime struct {
	opts     *Options
	logger   *Logger
	reactors []*Reactor
	// queues[from][to], nil on the diagonal
	queues  [][]*smpMessageQueue
	groups  *groupRegistry
	classes *classRegistry

	lowres lowresClock
	manual atomic.Int64

	state   fastState
	exited  atomic.Int64
	aborted atomic.Bool
	started atomic.Bool

	mu       sync.Mutex
	stopping bool
	exitCode int
	err      error
	closed   bool
}

// NewRuntime creates the cores, without starting them.
func NewRuntime(opts ...Option) (_ *Runtime, err error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	rt := Runtime{
		opts:    cfg,
		logger:  cfg.Logger,
		groups:  newGroupRegistry(),
		classes: newClassRegistry(),
	}
	defer func() {
		if err != nil {
			for _, r := range rt.reactors {
				if r != nil {
					r.close()
				}
			}
			_ = rt.closeBackends()
		}
	}()

	rt.reactors = make([]*Reactor, cfg.SMP)
	for i := range rt.reactors {
		if rt.reactors[i], err = newReactor(&rt, i); err != nil {
			return nil, err
		}
	}
	rt.queues = make([][]*smpMessageQueue, cfg.SMP)
	for i, from := range rt.reactors {
		rt.queues[i] = make([]*smpMessageQueue, cfg.SMP)
		for j, to := range rt.reactors {
			if i != j {
				rt.queues[i][j] = newSMPMessageQueue(from, to)
			}
		}
	}
	for _, r := range rt.reactors {
		if err = r.init(); err != nil {
			return nil, err
		}
	}
	rt.DefaultPriorityClass()
	rt.lowres.update()

	return &rt, nil
}

// Options returns the resolved configuration.
func (rt *Runtime) Options() Options { return *rt.opts }

// SMP returns the number of cores.
func (rt *Runtime) SMP() int { return len(rt.reactors) }

// Reactor returns core id, or nil if out of range. Only methods documented
// as safe for concurrent use may be called from outside the core.
func (rt *Runtime) Reactor(id int) *Reactor {
	if id < 0 || id >= len(rt.reactors) {
		return nil
	}
	return rt.reactors[id]
}

// State returns the runtime's state: Created, Running, Stopping or Stopped.
func (rt *Runtime) State() State { return rt.state.Load() }

// Run starts every core, runs main on core 0, and blocks until the runtime
// stopped, returning the exit code. That is main's result, the code passed
// to [Runtime.Stop], or 1 on failure, in which case the error is returned
// as well. Cancelling ctx is a failure.
//
// Run may only be called once.
func (rt *Runtime) Run(ctx context.Context, main MainFunc) (int, error) {
	if !rt.started.CompareAndSwap(false, true) {
		return 1, ErrRuntimeStarted
	}
	defer func() { _ = rt.closeBackends() }()

	cpus, err := rt.prepare()
	if err != nil {
		rt.logger.Crit().
			Err(err).
			Log(`failed to start`)
		for _, r := range rt.reactors {
			r.close()
		}
		rt.state.Store(StateStopped)
		return 1, err
	}

	done := make(chan struct{})
	rt.lowres.update()
	go rt.lowres.run(rt.opts.LowresGranularity, done)
	go newStallWatchdog(rt).run(done)
	defer close(done)

	stopAfter := context.AfterFunc(ctx, func() {
		rt.fail(context.Cause(ctx))
	})
	defer stopAfter()

	r0 := rt.reactors[0]
	r0.installSignalHandlers()
	r0.Schedule(func() {
		callFuturized(r0, func() *Future[int] { return main(r0) }).onResolve(func(code int, err error) {
			if err != nil {
				r0.logger.Crit().
					Err(err).
					Log(`main failed`)
				rt.fail(err)
				return
			}
			rt.Stop(code)
		})
	})

	rt.state.Store(StateRunning)
	rt.logger.Info().
		Int(`smp`, len(rt.reactors)).
		Log(`runtime starting`)

	var g errgroup.Group
	for i, r := range rt.reactors {
		cpu := -1
		if cpus != nil {
			cpu = cpus[i]
		}
		g.Go(func() error {
			defer r.close()
			if err := r.run(cpu); err != nil {
				r.logger.Crit().
					Err(err).
					Log(`reactor failed`)
				rt.abort(err)
				return err
			}
			return nil
		})
	}
	_ = g.Wait()
	rt.state.Store(StateStopped)

	rt.mu.Lock()
	code, err := rt.exitCode, rt.err
	rt.mu.Unlock()
	rt.logger.Info().
		Int(`code`, code).
		Log(`runtime stopped`)
	return code, err
}

// prepare applies the process wide settings, returning the cpu of each
// core, if pinning.
func (rt *Runtime) prepare() ([]int, error) {
	if rt.opts.LockMemory {
		if err := lockMemory(); err != nil {
			return nil, err
		}
	}
	if !rt.opts.ThreadAffinity {
		return nil, nil
	}
	cpus, err := usableCPUs()
	if err != nil {
		return nil, err
	}
	if len(cpus) < len(rt.reactors) {
		return nil, &OptionError{Option: `smp`, Reason: fmt.Sprintf(`%d exceeds the %d usable cpus, with thread affinity`, len(rt.reactors), len(cpus))}
	}
	return cpus[:len(rt.reactors)], nil
}

// Stop requests an orderly stop, with the given exit code, unless a stop
// was already requested. Safe for concurrent use.
func (rt *Runtime) Stop(code int) {
	rt.stop(code, nil)
}

// fail stops the runtime with exit code 1, recording err, unless an error
// was already recorded.
func (rt *Runtime) fail(err error) {
	if err == nil {
		err = errors.New(`reactor: unknown failure`)
	}
	rt.stop(1, err)
}

func (rt *Runtime) stop(code int, err error) {
	rt.mu.Lock()
	first := !rt.stopping
	if first {
		rt.stopping = true
		rt.exitCode = code
	}
	if err != nil && rt.err == nil {
		rt.err = err
		rt.exitCode = 1
	}
	rt.mu.Unlock()

	if !first {
		return
	}
	rt.state.TryTransition(StateRunning, StateStopping)
	r0 := rt.reactors[0]
	if err := r0.Submit(r0.beginStop); err != nil {
		rt.logger.Debug().
			Err(err).
			Log(`stop requested after core 0 stopped`)
	}
}

// abort ends every core without the orderly stop, after a fatal core error.
func (rt *Runtime) abort(err error) {
	rt.mu.Lock()
	rt.stopping = true
	if rt.err == nil {
		rt.err = err
	}
	rt.exitCode = 1
	rt.mu.Unlock()

	rt.aborted.Store(true)
	for _, r := range rt.reactors {
		r.backend.wake()
	}
}

// Close releases the cores' resources. It is called by Run, and is only
// needed if Run was never called.
func (rt *Runtime) Close() error {
	if rt.started.Load() {
		return nil
	}
	for _, r := range rt.reactors {
		r.close()
	}
	return rt.closeBackends()
}

func (rt *Runtime) closeBackends() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return nil
	}
	rt.closed = true
	var errs []error
	for _, r := range rt.reactors {
		if r == nil {
			continue
		}
		if err := r.backend.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
