package reactor

import (
	"context"
	"sync"
	"sync/atomic"
)

// ingress is the thread-safe queue through which non-reactor goroutines
// submit tasks.
type ingress struct {
	mu     sync.Mutex
	tasks  taskList
	length atomic.Int64
}

func (q *ingress) push(t Task) {
	q.mu.Lock()
	q.tasks.PushBack(t)
	q.length.Add(1)
	q.mu.Unlock()
}

// drain moves every submitted task to r's queues.
func (q *ingress) drain(r *Reactor) bool {
	if q.length.Load() == 0 {
		return false
	}
	q.mu.Lock()
	batch := q.tasks
	q.tasks = taskList{}
	q.length.Store(0)
	q.mu.Unlock()

	for {
		t, ok := batch.PopFront()
		if !ok {
			break
		}
		r.AddTask(t)
	}
	return true
}

type ingressPoller struct {
	r *Reactor
}

func (x *ingressPoller) Poll() bool     { return x.r.ingress.drain(x.r) }
func (x *ingressPoller) PurePoll() bool { return x.r.ingress.length.Load() != 0 }

// TryEnterInterruptMode runs after the state became Sleeping, so any push
// it misses will wake the core.
func (x *ingressPoller) TryEnterInterruptMode() bool { return x.r.ingress.length.Load() == 0 }
func (x *ingressPoller) ExitInterruptMode()          {}

// Submit queues fn to run on r, in the main scheduling group. It is safe to
// call from any goroutine, and fails only once r stopped.
func (r *Reactor) Submit(fn func()) error {
	return r.SubmitIn(MainSchedulingGroup, fn)
}

// SubmitIn is Submit, for a specific scheduling group.
func (r *Reactor) SubmitIn(sg SchedulingGroup, fn func()) error {
	if !r.state.Accepting() {
		r.logger.Debug().
			Int(`group`, int(sg)).
			Log(`dropped submission to stopped reactor`)
		return ErrReactorStopped
	}
	r.ingress.push(NewTask(sg, fn))
	r.maybeWakeup()
	return nil
}

// maybeWakeup interrupts r's blocking wait, if it is (about to be) asleep.
// Callers publish their work before calling it.
func (r *Reactor) maybeWakeup() {
	if r.state.Load() == StateSleeping && r.wakePending.CompareAndSwap(false, true) {
		r.backend.wake()
	}
}

// Invoke runs fn on r, from any goroutine, waiting for the future it returns
// to resolve, or for ctx to be done.
func Invoke[T any](ctx context.Context, r *Reactor, fn func() *Future[T]) (T, error) {
	var zero T
	ch := make(chan Result[T], 1)
	if err := r.Submit(func() {
		callFuturized(r, fn).onResolve(func(v T, err error) {
			ch <- Result[T]{Value: v, Err: err}
		})
	}); err != nil {
		return zero, err
	}
	select {
	case res := <-ch:
		return res.Value, res.Err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
