package reactor

import (
	"time"
)

type (
	// Optional is a value that may be absent, see [RepeatUntilValue].
	Optional[T any] struct {
		Value T
		Ok    bool
	}

	// Result is a settled outcome, see [WhenAllSettled].
	Result[T any] struct {
		Value T
		Err   error
	}

	// AnyResult identifies the first future to resolve, see [WhenAny].
	AnyResult[T any] struct {
		Value T
		Index int
	}
)

// Some returns a present Optional.
func Some[T any](v T) Optional[T] { return Optional[T]{Value: v, Ok: true} }

// None returns an absent Optional.
func None[T any]() Optional[T] { return Optional[T]{} }

// RepeatUntilValue calls fn until it yields a value, or fails. Iterations
// resolved synchronously loop without scheduling, until preemption is
// requested.
func RepeatUntilValue[T any](r *Reactor, fn func() *Future[Optional[T]]) *Future[T] {
	p := NewPromise[T](r)
	out := p.Future()
	var step func()
	step = func() {
		for {
			f := callFuturized(r, fn)
			if v, ok, err := f.tryTake(); ok {
				if err != nil {
					_ = p.SetError(err)
					return
				}
				if v.Ok {
					_ = p.SetValue(v.Value)
					return
				}
				continue
			}
			f.onResolve(func(v Optional[T], err error) {
				switch {
				case err != nil:
					_ = p.SetError(err)
				case v.Ok:
					_ = p.SetValue(v.Value)
				default:
					step()
				}
			})
			return
		}
	}
	step()
	return out
}

// Repeat calls fn until it yields true, or fails.
func Repeat(r *Reactor, fn func() *Future[bool]) *Future[struct{}] {
	return RepeatUntilValue(r, func() *Future[Optional[struct{}]] {
		return Map(callFuturized(r, fn), func(stop bool) (Optional[struct{}], error) {
			return Optional[struct{}]{Ok: stop}, nil
		})
	})
}

// DoUntil calls fn until stop, checked before each iteration, returns true.
func DoUntil(r *Reactor, stop func() bool, fn func() *Future[struct{}]) *Future[struct{}] {
	return Repeat(r, func() *Future[bool] {
		if stop() {
			return MakeReadyFuture(r, true)
		}
		return Map(callFuturized(r, fn), func(struct{}) (bool, error) {
			return false, nil
		})
	})
}

// ParallelForEach starts fn for every item at once, resolving when all
// complete. It fails with the error of the first failed item, by index.
func ParallelForEach[T any](r *Reactor, items []T, fn func(T) *Future[struct{}]) *Future[struct{}] {
	fs := make([]*Future[struct{}], len(items))
	for i, item := range items {
		fs[i] = callFuturized(r, func() *Future[struct{}] { return fn(item) })
	}
	return Map(WhenAll(r, fs...), func([]struct{}) (struct{}, error) {
		return struct{}{}, nil
	})
}

// WhenAllSettled resolves once every future has, with all their outcomes.
// It never fails.
func WhenAllSettled[T any](r *Reactor, fs ...*Future[T]) *Future[[]Result[T]] {
	results := make([]Result[T], len(fs))
	if len(fs) == 0 {
		return MakeReadyFuture(r, results)
	}
	p := NewPromise[[]Result[T]](r)
	out := p.Future()
	remaining := len(fs)
	for i, f := range fs {
		f.onResolve(func(v T, err error) {
			results[i] = Result[T]{Value: v, Err: err}
			if remaining--; remaining == 0 {
				_ = p.SetValue(results)
			}
		})
	}
	return out
}

// WhenAll resolves with every value, in order, once every future resolved.
// It fails with the error of the first failed future, by index.
func WhenAll[T any](r *Reactor, fs ...*Future[T]) *Future[[]T] {
	return Map(WhenAllSettled(r, fs...), func(results []Result[T]) ([]T, error) {
		values := make([]T, len(results))
		for i, res := range results {
			if res.Err != nil {
				return nil, res.Err
			}
			values[i] = res.Value
		}
		return values, nil
	})
}

// WhenAny resolves with the first future to resolve, or fails with its
// error. The outcomes of the others are discarded. No futures resolves with
// Index -1.
func WhenAny[T any](r *Reactor, fs ...*Future[T]) *Future[AnyResult[T]] {
	if len(fs) == 0 {
		return MakeReadyFuture(r, AnyResult[T]{Index: -1})
	}
	p := NewPromise[AnyResult[T]](r)
	out := p.Future()
	var done bool
	for i, f := range fs {
		f.onResolve(func(v T, err error) {
			if done {
				return
			}
			done = true
			_ = p.Set(AnyResult[T]{Value: v, Index: i}, err)
		})
	}
	return out
}

// WithTimeout races f against a steady timer. On timeout, the result fails
// with a [TimeoutError], and f's eventual outcome is discarded.
func WithTimeout[T any](r *Reactor, f *Future[T], timeout time.Duration) *Future[T] {
	p := NewPromise[T](r)
	out := p.Future()
	var done bool
	t := NewTimer[SteadyClock](r, func() {
		if !done {
			done = true
			_ = p.SetError(&TimeoutError{Timeout: timeout})
		}
	})
	t.Arm(timeout)
	f.onResolve(func(v T, err error) {
		if !done {
			done = true
			t.Cancel()
			_ = p.Set(v, err)
		}
	})
	return out
}

// SleepOn resolves after d has elapsed on clock C.
func SleepOn[C Clock](r *Reactor, d time.Duration) *Future[struct{}] {
	p := NewPromise[struct{}](r)
	out := p.Future()
	NewTimer[C](r, func() { _ = p.SetValue(struct{}{}) }).Arm(d)
	return out
}

// Sleep resolves after d, on the steady clock.
func Sleep(r *Reactor, d time.Duration) *Future[struct{}] {
	return SleepOn[SteadyClock](r, d)
}

// SleepLowres resolves after d, on the low resolution clock. It may resolve
// up to two granularities late.
func SleepLowres(r *Reactor, d time.Duration) *Future[struct{}] {
	return SleepOn[LowresClock](r, d)
}

// Yield resolves in a new task, at the back of the current group's queue.
func Yield(r *Reactor) *Future[struct{}] {
	p := NewPromise[struct{}](r)
	out := p.Future()
	r.Schedule(func() { _ = p.SetValue(struct{}{}) })
	return out
}

// MaybeYield yields only if preemption was requested.
func MaybeYield(r *Reactor) *Future[struct{}] {
	if r.NeedPreempt() {
		return Yield(r)
	}
	return MakeReadyFuture(r, struct{}{})
}
