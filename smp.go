// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package reactor

import (
	"math/rand/v2"
)

// smpPoller moves cross-core work for one core. It is the first poller, and
// owns the Running to Sleeping transition.
type smpPoller struct {
	r        *Reactor
	incoming []*smpMessageQueue // to r
	outgoing []*smpMessageQueue // from r
}

func newSMPPoller(r *Reactor) *smpPoller {
	x := smpPoller{r: r}
	for i := range r.rt.reactors {
		if i == r.id {
			continue
		}
		x.incoming = append(x.incoming, r.rt.queues[i][r.id])
		x.outgoing = append(x.outgoing, r.rt.queues[r.id][i])
	}
	return &x
}

func (x *smpPoller) Poll() bool {
	var work bool
	for _, q := range x.incoming {
		if q.processIncoming() {
			work = true
		}
	}
	if x.flush() {
		work = true
	}
	for _, q := range x.outgoing {
		if q.processCompletions() {
			work = true
		}
	}
	return work
}

func (x *smpPoller) flush() bool {
	var work bool
	for _, q := range x.incoming {
		if q.flushResponses() {
			work = true
		}
	}
	for _, q := range x.outgoing {
		if q.flushRequests() {
			work = true
		}
	}
	return work
}

func (x *smpPoller) PurePoll() bool {
	for _, q := range x.incoming {
		if q.pending.Len() != 0 || len(q.rxBuf) != 0 {
			return true
		}
	}
	for _, q := range x.outgoing {
		if q.completed.Len() != 0 || len(q.txBuf) != 0 {
			return true
		}
	}
	return false
}

// TryEnterInterruptMode publishes the Sleeping state before the final check,
// so a producer that pushes after the check will see it, and wake the core.
// Buffered items that could not be flushed veto sleeping, since nothing
// would wake the core once the rings drain.
func (x *smpPoller) TryEnterInterruptMode() bool {
	if !x.r.state.TryTransition(StateRunning, StateSleeping) {
		return false
	}
	x.flush()
	if x.PurePoll() {
		x.r.state.TryTransition(StateSleeping, StateRunning)
		return false
	}
	return true
}

func (x *smpPoller) ExitInterruptMode() {
	x.r.state.TryTransition(StateSleeping, StateRunning)
}

// SubmitTo runs fn on core target, in the current scheduling group,
// resolving with its result on r. A local target runs as an ordinary task.
func SubmitTo[T any](r *Reactor, target int, fn func() *Future[T]) *Future[T] {
	return SubmitToGroup(r, target, r.currentGroup, fn)
}

// SubmitToGroup is SubmitTo, running fn in group sg on the target core.
func SubmitToGroup[T any](r *Reactor, target int, sg SchedulingGroup, fn func() *Future[T]) *Future[T] {
	if target < 0 || target >= len(r.rt.reactors) {
		return MakeErrorFuture[T](r, ErrInvalidShard)
	}
	if target == r.id {
		p := NewPromise[T](r)
		f := p.Future()
		r.AddTask(NewTask(sg, func() {
			forward(callFuturized(r, fn), p)
		}))
		return f
	}
	w := &asyncWorkItem[T]{fn: fn, promise: NewPromise[T](r), group: sg}
	f := w.promise.Future()
	r.rt.queues[r.id][target].submit(w)
	return f
}

// Submit runs fn on a sleeping core, if there is one, searching from a
// random offset, otherwise on a random core.
func Submit[T any](r *Reactor, fn func() *Future[T]) *Future[T] {
	n := len(r.rt.reactors)
	offset := rand.IntN(n)
	for i := range n {
		target := (offset + i) % n
		if r.rt.reactors[target].state.Load() == StateSleeping {
			return SubmitTo(r, target, fn)
		}
	}
	return SubmitTo(r, offset, fn)
}

// InvokeOnAll runs fn on every core, including r, resolving once all did.
// It fails with the first failure, by core.
func InvokeOnAll(r *Reactor, fn func(r *Reactor) *Future[struct{}]) *Future[struct{}] {
	return invokeOn(r, fn, true)
}

// InvokeOnOthers is InvokeOnAll, excluding r.
func InvokeOnOthers(r *Reactor, fn func(r *Reactor) *Future[struct{}]) *Future[struct{}] {
	return invokeOn(r, fn, false)
}

func invokeOn(r *Reactor, fn func(r *Reactor) *Future[struct{}], self bool) *Future[struct{}] {
	fs := make([]*Future[struct{}], 0, len(r.rt.reactors))
	for _, target := range r.rt.reactors {
		if !self && target == r {
			continue
		}
		fs = append(fs, SubmitTo(r, target.id, func() *Future[struct{}] {
			return fn(target)
		}))
	}
	return Map(WhenAll(r, fs...), func([]struct{}) (struct{}, error) {
		return struct{}{}, nil
	})
}
