// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package reactor

import (
	"runtime"
	"runtime/debug"
	"sync/atomic"
)

type futureStatus = uint32

const (
	futurePending futureStatus = iota
	futureReady
	futureConsumed
)

// futureState is shared by a Promise and its Future. Everything but the
// atomics is confined to the owning reactor; the atomics are also read by
// the broken future cleanup.
type futureState[T any] struct {
	value     T
	err       error
	r         *Reactor
	cont      func(T, error)
	contGroup SchedulingGroup
	status    atomic.Uint32
	// observed is set once something took responsibility for the result
	observed    atomic.Bool
	futureGone  atomic.Bool
	reported    atomic.Bool
	futureTaken bool
}

// Future is the consumer side of a single-assignment value-or-error cell.
// Futures belong to the reactor that created them.
type Future[T any] struct {
	s *futureState[T]
}

// Promise is the producer side of a [Future].
type Promise[T any] struct {
	s *futureState[T]
}

// NewPromise returns a pending promise, owned by r.
func NewPromise[T any](r *Reactor) *Promise[T] {
	return &Promise[T]{s: &futureState[T]{r: r}}
}

// Future returns the promise's future. Only the first call gets it, later
// calls return a future failed with [ErrFutureAlreadyRetrieved].
func (p *Promise[T]) Future() *Future[T] {
	if p.s.futureTaken {
		return MakeErrorFuture[T](p.s.r, ErrFutureAlreadyRetrieved)
	}
	p.s.futureTaken = true
	return newFuture(p.s)
}

// SetValue resolves the promise with v.
func (p *Promise[T]) SetValue(v T) error {
	return p.Set(v, nil)
}

// SetError fails the promise with err.
func (p *Promise[T]) SetError(err error) error {
	var zero T
	return p.Set(zero, err)
}

// Set resolves the promise, with a value, or (if err is non-nil) an error.
// A continuation already waiting is scheduled as a task, in the group that
// was current when it was registered. Setting twice returns
// [ErrPromiseAlreadySatisfied].
func (p *Promise[T]) Set(v T, err error) error {
	s := p.s
	if s.status.Load() != futurePending {
		return ErrPromiseAlreadySatisfied
	}
	if cont := s.cont; cont != nil {
		s.cont = nil
		s.status.Store(futureConsumed)
		s.r.AddTask(NewTask(s.contGroup, func() { cont(v, err) }))
		return nil
	}
	s.value, s.err = v, err
	s.status.Store(futureReady)
	if err != nil && s.futureGone.Load() {
		s.reportBroken()
	}
	return nil
}

// MakeReadyFuture returns a future resolved with v.
func MakeReadyFuture[T any](r *Reactor, v T) *Future[T] {
	return makeResolvedFuture(r, v, nil)
}

// MakeErrorFuture returns a future failed with err.
func MakeErrorFuture[T any](r *Reactor, err error) *Future[T] {
	var zero T
	return makeResolvedFuture(r, zero, err)
}

func makeResolvedFuture[T any](r *Reactor, v T, err error) *Future[T] {
	s := &futureState[T]{r: r, value: v, err: err, futureTaken: true}
	s.status.Store(futureReady)
	return newFuture(s)
}

func newFuture[T any](s *futureState[T]) *Future[T] {
	f := &Future[T]{s: s}
	runtime.AddCleanup(f, futureCollected[T], s)
	return f
}

// futureCollected runs on the cleanup goroutine, once the Future is
// unreachable.
func futureCollected[T any](s *futureState[T]) {
	s.futureGone.Store(true)
	if s.status.Load() == futureReady {
		s.reportBroken()
	}
}

func (s *futureState[T]) reportBroken() {
	if s.observed.Load() || s.err == nil || !s.reported.CompareAndSwap(false, true) {
		return
	}
	logger := defaultLogger()
	if s.r != nil {
		logger = s.r.logger
	}
	logger.Err().
		Err(s.err).
		Log(`broken future: error was never observed`)
}

// Available reports whether the future is resolved (or consumed).
func (f *Future[T]) Available() bool {
	return f.s.status.Load() != futurePending
}

// Failed reports whether the future is resolved with an error.
func (f *Future[T]) Failed() bool {
	return f.s.status.Load() == futureReady && f.s.err != nil
}

// Get consumes the result of a resolved future. It never blocks: a pending
// future returns [ErrFutureNotReady].
func (f *Future[T]) Get() (T, error) {
	var zero T
	switch f.s.status.Load() {
	case futurePending:
		return zero, ErrFutureNotReady
	case futureConsumed:
		return zero, ErrFutureConsumed
	}
	f.s.observed.Store(true)
	return f.s.take()
}

// Ignore marks any failure as observed, silencing the broken future report.
func (f *Future[T]) Ignore() {
	f.s.observed.Store(true)
}

func (s *futureState[T]) take() (T, error) {
	var zero T
	v, err := s.value, s.err
	s.value, s.err = zero, nil
	s.status.Store(futureConsumed)
	return v, err
}

// tryTake consumes the result if it is ready and the continuation may run
// inline, i.e. no preemption is pending.
func (f *Future[T]) tryTake() (v T, ok bool, err error) {
	s := f.s
	if s.status.Load() != futureReady || (s.r != nil && s.r.needPreempt.Load()) {
		return
	}
	s.observed.Store(true)
	v, err = s.take()
	ok = true
	return
}

// onResolve registers the continuation. If the future is ready it runs
// inline, unless preemption is pending, in which case it is scheduled.
func (f *Future[T]) onResolve(cont func(T, error)) {
	s := f.s
	s.observed.Store(true)
	switch s.status.Load() {
	case futureReady:
		v, err := s.take()
		if s.r == nil || !s.r.needPreempt.Load() {
			cont(v, err)
			return
		}
		s.r.Schedule(func() { cont(v, err) })
	case futureConsumed:
		var zero T
		cont(zero, ErrFutureConsumed)
	default:
		if s.cont != nil {
			var zero T
			cont(zero, ErrFutureConsumed)
			return
		}
		s.cont = cont
		s.contGroup = s.r.currentGroup
	}
}

// forward resolves p with the result of f.
func forward[T any](f *Future[T], p *Promise[T]) {
	f.onResolve(func(v T, err error) { _ = p.Set(v, err) })
}

// callFuturized calls fn, converting a panic into a failed future, and a
// nil future into a ready zero value.
func callFuturized[T any](r *Reactor, fn func() *Future[T]) (f *Future[T]) {
	defer func() {
		if v := recover(); v != nil {
			f = MakeErrorFuture[T](r, &PanicError{Value: v, Stack: debug.Stack()})
		}
	}()
	if f = fn(); f == nil {
		var zero T
		f = MakeReadyFuture(r, zero)
	}
	return f
}

// Then chains fn onto a successful result. A failure skips fn, and
// propagates.
func Then[T, U any](f *Future[T], fn func(T) *Future[U]) *Future[U] {
	r := f.s.r
	if v, ok, err := f.tryTake(); ok {
		if err != nil {
			return MakeErrorFuture[U](r, err)
		}
		return callFuturized(r, func() *Future[U] { return fn(v) })
	}
	p := NewPromise[U](r)
	out := p.Future()
	f.onResolve(func(v T, err error) {
		if err != nil {
			_ = p.SetError(err)
			return
		}
		forward(callFuturized(r, func() *Future[U] { return fn(v) }), p)
	})
	return out
}

// Map is Then, for a synchronous fn.
func Map[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	r := f.s.r
	return Then(f, func(v T) *Future[U] {
		u, err := fn(v)
		return makeResolvedFuture(r, u, err)
	})
}

// ThenWrapped passes the resolved future itself to fn, which becomes
// responsible for its failure.
func ThenWrapped[T, U any](f *Future[T], fn func(*Future[T]) *Future[U]) *Future[U] {
	r := f.s.r
	if v, ok, err := f.tryTake(); ok {
		return callFuturized(r, func() *Future[U] { return fn(makeResolvedFuture(r, v, err)) })
	}
	p := NewPromise[U](r)
	out := p.Future()
	f.onResolve(func(v T, err error) {
		forward(callFuturized(r, func() *Future[U] { return fn(makeResolvedFuture(r, v, err)) }), p)
	})
	return out
}

// Catch handles a failure, which fn may translate into a value, or another
// error. Success passes through.
func Catch[T any](f *Future[T], fn func(error) (T, error)) *Future[T] {
	r := f.s.r
	return ThenWrapped(f, func(f *Future[T]) *Future[T] {
		v, err := f.Get()
		if err != nil {
			v, err = fn(err)
		}
		return makeResolvedFuture(r, v, err)
	})
}

// Finally runs fn once f resolves, either way, then resolves with f's
// result. If f succeeded but fn failed, the result is fn's failure.
func Finally[T any](f *Future[T], fn func() *Future[struct{}]) *Future[T] {
	r := f.s.r
	return ThenWrapped(f, func(f *Future[T]) *Future[T] {
		v, err := f.Get()
		return ThenWrapped(callFuturized(r, fn), func(g *Future[struct{}]) *Future[T] {
			if _, gerr := g.Get(); err == nil && gerr != nil {
				err = gerr
			}
			return makeResolvedFuture(r, v, err)
		})
	})
}
