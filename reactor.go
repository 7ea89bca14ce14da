// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package reactor

import (
	"fmt"
	"math"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/emirpasic/gods/trees/redblacktree"
)

// IdleCPUHandlerResult tells an idle core what to do next.
type IdleCPUHandlerResult int

const (
	// IdleNoMoreWork lets the core sleep, once it polled for long enough.
	IdleNoMoreWork IdleCPUHandlerResult = iota
	// IdleInterrupted reports that reactor work became pending.
	IdleInterrupted
	// IdleContinue reports that the handler did work of its own, so the core
	// should keep polling.
	IdleContinue
)

// IdleCPUHandler is called by a core that found no work. The workWaiting
// callback reports whether reactor work became pending, so a handler doing
// work in chunks can give way.
type IdleCPUHandler func(workWaiting func() bool) IdleCPUHandlerResult

// Reactor is one core: a goroutine locked to an OS thread, running tasks
// from its scheduling group queues, and polling for work when it runs out.
//
// Unless documented otherwise, methods must be called from the reactor's
// own thread, i.e. from its tasks and callbacks.
type Reactor struct {
	state       fastState
	needPreempt atomic.Bool
	wakePending atomic.Bool

	rt      *Runtime
	logger  *Logger
	backend *backend
	now     func() time.Duration
	network NetworkStack

	// scheduling
	queues         [MaxSchedulingGroups]*taskQueue
	active         *redblacktree.Tree
	activating     []*taskQueue
	activeSeq      uint64
	lastVruntime   int64
	currentGroup   SchedulingGroup
	taskQuota      time.Duration
	maxTaskBacklog int
	preempt        *preemptTimer

	pollers []*PollerRegistration
	ingress ingress
	signals *signals
	aio     *aioContext
	flusher *flushPoller

	// io is non-nil on I/O coordinators
	io            *ioQueue
	ioCoordinator int

	steadyTimers      timerSet
	lowresTimers      timerSet
	manualTimers      timerSet
	lowresNextTimeout time.Duration

	atExit        []func() *Future[struct{}]
	atDestroy     taskList
	stopRequested bool

	stall stallState
	stats reactorCounters
	id    int
}

func newReactor(rt *Runtime, id int) (*Reactor, error) {
	b, err := newBackend()
	if err != nil {
		return nil, fmt.Errorf("reactor: shard %d: %w", id, err)
	}
	r := Reactor{
		rt:                rt,
		id:                id,
		logger:            shardLogger(rt.opts.Logger, id),
		backend:           b,
		now:               rt.opts.now,
		taskQuota:         rt.opts.TaskQuota,
		maxTaskBacklog:    rt.opts.MaxTaskBacklog,
		steadyTimers:      newTimerSet(),
		lowresTimers:      newTimerSet(),
		manualTimers:      newTimerSet(),
		lowresNextTimeout: math.MaxInt64,
		flusher:           &flushPoller{},
		ioCoordinator:     ioCoordinator(id, rt.opts.SMP, rt.opts.NumIOQueues),
	}
	if r.now == nil {
		r.now = steadyNow
	}
	r.active = r.newActiveTree()
	r.initGroup(MainSchedulingGroup, `main`, defaultShares)
	r.initGroup(AtExitSchedulingGroup, `atexit`, defaultShares)
	b.onWake = func() { r.wakePending.Store(false) }
	b.onTimer = r.completeSteadyTimers
	r.signals = newSignals(&r)
	if r.ioCoordinator == id {
		r.io = newIOQueue(&r, rt.opts.MaxIORequests/rt.opts.NumIOQueues)
	}
	return &r, nil
}

// init wires everything that refers to other cores, once all exist.
func (r *Reactor) init() error {
	r.aio = newAIOContext(r)
	r.pollers = []*PollerRegistration{
		internalPoller(r, newSMPPoller(r)),
		internalPoller(r, &ingressPoller{r: r}),
		internalPoller(r, &signalPoller{s: r.signals}),
		internalPoller(r, &aioPoller{aio: r.aio}),
		internalPoller(r, r.flusher),
		internalPoller(r, newLowresPoller(r)),
		internalPoller(r, &epollPoller{r: r}),
	}
	factory, ok := lookupNetworkStack(r.rt.opts.NetworkStack)
	if !ok {
		return fmt.Errorf("reactor: %q: %w", r.rt.opts.NetworkStack, ErrUnknownNetworkStack)
	}
	network, err := factory(r)
	if err != nil {
		return fmt.Errorf("reactor: shard %d: network stack %q: %w", r.id, r.rt.opts.NetworkStack, err)
	}
	r.network = network
	return nil
}

// ID returns the core's shard id, in [0, smp).
func (r *Reactor) ID() int { return r.id }

// Runtime returns the runtime r belongs to.
func (r *Reactor) Runtime() *Runtime { return r.rt }

// Logger returns r's logger, which tags every event with the shard.
func (r *Reactor) Logger() *Logger { return r.logger }

// State returns the current state. Safe for concurrent use.
func (r *Reactor) State() State { return r.state.Load() }

// AtExit registers fn to run, in the at-exit scheduling group, once a stop
// was requested, before the core drains. Hooks run in registration order,
// each waiting for the previous.
func (r *Reactor) AtExit(fn func() *Future[struct{}]) {
	r.atExit = append(r.atExit, fn)
}

// AtDestroy registers fn to run after the core drained, just before it
// joins the exit barrier.
func (r *Reactor) AtDestroy(fn func()) {
	r.atDestroy.PushBack(NewTask(r.currentGroup, fn))
}

// Exit stops the runtime, see [Runtime.Stop].
func (r *Reactor) Exit(code int) { r.rt.Stop(code) }

func (r *Reactor) runAtExit() *Future[struct{}] {
	hooks := r.atExit
	r.atExit = nil
	return WithSchedulingGroup(r, AtExitSchedulingGroup, func() *Future[struct{}] {
		var i int
		return Repeat(r, func() *Future[bool] {
			if i == len(hooks) {
				return MakeReadyFuture(r, true)
			}
			hook := hooks[i]
			i++
			return ThenWrapped(callFuturized(r, hook), func(f *Future[struct{}]) *Future[bool] {
				if _, err := f.Get(); err != nil {
					r.logger.Err().
						Err(err).
						Log(`exit hook failed`)
				}
				return MakeReadyFuture(r, false)
			})
		})
	})
}

// beginStop runs on core 0: the exit hooks of core 0, then of every other
// core, each of which then stops, and finally core 0 itself.
func (r *Reactor) beginStop() {
	r.logger.Info().Log(`stopping`)
	Finally(Then(r.runAtExit(), func(struct{}) *Future[struct{}] {
		return InvokeOnOthers(r, func(o *Reactor) *Future[struct{}] {
			return Map(o.runAtExit(), func(struct{}) (struct{}, error) {
				o.stopRequested = true
				return struct{}{}, nil
			})
		})
	}), func() *Future[struct{}] {
		r.stopRequested = true
		return nil
	}).onResolve(func(_ struct{}, err error) {
		if err != nil {
			r.logger.Err().
				Err(err).
				Log(`stop broadcast failed`)
		}
	})
}

// run is the core's loop. It returns once the core passed the exit barrier,
// or the runtime aborted.
func (r *Reactor) run(cpu int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if cpu >= 0 {
		if err := pinThread(cpu); err != nil {
			return err
		}
	}

	r.preempt = startPreemptTimer(&r.needPreempt, r.taskQuota)
	defer r.preempt.stop()

	r.state.Store(StateRunning)
	r.logger.Info().
		Int(`cpu`, cpu).
		Log(`reactor started`)

	var (
		idle      bool
		idleStart time.Duration
	)
	for !r.rt.aborted.Load() {
		r.runSomeTasks()

		if r.stopRequested {
			r.finish()
			return nil
		}

		if r.checkForWork() || r.haveMoreTasks() {
			if idle {
				idle = false
				r.stats.idleTime += steadyNow() - idleStart
			}
			continue
		}

		now := steadyNow()
		if !idle {
			idle = true
			idleStart = now
		}

		goToSleep := true
		if h := r.rt.opts.IdleCPUHandler; h != nil {
			switch h(r.workWaiting) {
			case IdleInterrupted, IdleContinue:
				goToSleep = false
			}
		}
		if !goToSleep || r.rt.opts.PollMode || now-idleStart < r.rt.opts.IdlePollTime {
			continue
		}

		r.preempt.pause()
		r.stats.sleeps++
		r.sleep()
		slept := steadyNow()
		r.stats.sleepTime += slept - now
		r.preempt.resume()
	}

	r.state.Store(StateStopped)
	return nil
}

func (r *Reactor) workWaiting() bool {
	return r.haveMoreTasks() || r.pureCheckForWork()
}

// finish drains the core, runs the destroy hooks, then waits at the exit
// barrier, polling, so other cores can still complete cross-core work.
func (r *Reactor) finish() {
	r.state.Store(StateStopping)

	r.drain()
	for {
		t, ok := r.atDestroy.PopFront()
		if !ok {
			break
		}
		r.runTask(t)
	}
	r.drain()

	n := int64(len(r.rt.reactors))
	r.rt.exited.Add(1)
	for r.rt.exited.Load() < n && !r.rt.aborted.Load() {
		r.checkForWork()
		r.runSomeTasks()
		runtime.Gosched()
	}

	r.state.Store(StateStopped)
	r.logger.Info().
		Uint64(`tasks`, r.stats.tasksProcessed).
		Log(`reactor stopped`)
}

func (r *Reactor) drain() {
	for {
		r.runSomeTasks()
		if !r.checkForWork() && !r.haveMoreTasks() {
			return
		}
	}
}

// close releases everything but the backend, which other cores may still
// reference until all stopped.
func (r *Reactor) close() {
	r.signals.close()
	if r.aio != nil {
		r.aio.close()
	}
}

// installSignalHandlers makes SIGTERM, and SIGINT (unless disabled), stop
// the runtime. Core 0 only.
func (r *Reactor) installSignalHandlers() {
	stop := func() {
		r.logger.Info().Log(`received signal, stopping`)
		r.rt.Stop(0)
	}
	r.HandleSignal(syscall.SIGTERM, stop)
	if !r.rt.opts.NoHandleInterrupt {
		r.HandleSignal(syscall.SIGINT, stop)
	}
}
