package reactor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func runWithTimeout(t *testing.T, rt *Runtime, main MainFunc) (int, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return rt.Run(ctx, main)
}

func TestRuntime_exitCodeFromMain(t *testing.T) {
	rt := newTestRuntime(t, WithSMP(2))
	code, err := runWithTimeout(t, rt, func(r *Reactor) *Future[int] {
		return MakeReadyFuture(r, 3)
	})
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, StateStopped, rt.State())
	for i := range 2 {
		assert.Equal(t, StateStopped, rt.Reactor(i).State())
	}
}

func TestRuntime_mainError(t *testing.T) {
	var buf logBuffer
	rt := newTestRuntime(t, WithLogger(newTestLogger(&buf)))
	e := errors.New(`main failed here`)
	code, err := runWithTimeout(t, rt, func(r *Reactor) *Future[int] {
		return MakeErrorFuture[int](r, e)
	})
	assert.ErrorIs(t, err, e)
	assert.Equal(t, 1, code)
	assert.Contains(t, buf.String(), `main failed here`)
}

func TestRuntime_taskPanic(t *testing.T) {
	rt := newTestRuntime(t)
	code, err := runWithTimeout(t, rt, func(r *Reactor) *Future[int] {
		r.Schedule(func() { panic(`task exploded`) })
		return NewPromise[int](r).Future()
	})
	assert.Equal(t, 1, code)
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, `task exploded`, pe.Value)
}

func TestRuntime_runTwice(t *testing.T) {
	rt := newTestRuntime(t)
	runMain(t, rt, func(r *Reactor) *Future[int] { return nil })
	code, err := rt.Run(context.Background(), func(r *Reactor) *Future[int] { return nil })
	assert.ErrorIs(t, err, ErrRuntimeStarted)
	assert.Equal(t, 1, code)
}

func TestRuntime_exitAndDestroyHooks(t *testing.T) {
	rt := newTestRuntime(t, WithSMP(2))
	var (
		events []string
		other  atomic.Int32
	)
	runMain(t, rt, func(r *Reactor) *Future[int] {
		r.AtExit(func() *Future[struct{}] {
			events = append(events, `exit1`)
			return Map(Sleep(r, time.Millisecond), func(struct{}) (struct{}, error) {
				assert.Equal(t, AtExitSchedulingGroup, r.CurrentSchedulingGroup())
				events = append(events, `exit1 done`)
				return struct{}{}, nil
			})
		})
		r.AtExit(func() *Future[struct{}] {
			events = append(events, `exit2`)
			return MakeErrorFuture[struct{}](r, errors.New(`hook failure is logged only`))
		})
		r.AtDestroy(func() { events = append(events, `destroy`) })
		return Map(SubmitTo(r, 1, func() *Future[struct{}] {
			o := rt.Reactor(1)
			o.AtExit(func() *Future[struct{}] {
				other.Add(1)
				return nil
			})
			o.AtDestroy(func() { other.Add(10) })
			return nil
		}), func(struct{}) (int, error) {
			return 0, nil
		})
	})
	assert.Equal(t, []string{`exit1`, `exit1 done`, `exit2`, `destroy`}, events)
	assert.Equal(t, int32(11), other.Load())
}

func TestRuntime_stopFromOutside(t *testing.T) {
	rt := newTestRuntime(t, WithSMP(2))
	started := make(chan struct{})
	go func() {
		<-started
		rt.Stop(4)
		rt.Stop(5)
	}()
	code, err := runWithTimeout(t, rt, func(r *Reactor) *Future[int] {
		close(started)
		return NewPromise[int](r).Future()
	})
	require.NoError(t, err)
	assert.Equal(t, 4, code)
}

func TestRuntime_contextCancel(t *testing.T) {
	rt := newTestRuntime(t)
	ctx, cancel := context.WithCancelCause(context.Background())
	e := errors.New(`cancelled by test`)
	code, err := rt.Run(ctx, func(r *Reactor) *Future[int] {
		go cancel(e)
		return NewPromise[int](r).Future()
	})
	assert.Equal(t, 1, code)
	assert.ErrorIs(t, err, e)
}

func TestRuntime_Exit(t *testing.T) {
	rt := newTestRuntime(t, WithSMP(2))
	code, err := runWithTimeout(t, rt, func(r *Reactor) *Future[int] {
		SubmitTo(r, 1, func() *Future[struct{}] {
			rt.Reactor(1).Exit(7)
			return nil
		}).Ignore()
		return NewPromise[int](r).Future()
	})
	require.NoError(t, err)
	assert.Equal(t, 7, code)
}

func TestRuntime_submitAfterStop(t *testing.T) {
	rt := newTestRuntime(t)
	runMain(t, rt, func(r *Reactor) *Future[int] { return nil })
	assert.ErrorIs(t, rt.Reactor(0).Submit(func() {}), ErrReactorStopped)
}

func TestRuntime_closeWithoutRun(t *testing.T) {
	rt, err := NewRuntime(WithSMP(2), WithThreadAffinity(false), WithLogger(nil))
	require.NoError(t, err)
	assert.Equal(t, 2, rt.SMP())
	assert.Nil(t, rt.Reactor(2))
	assert.Equal(t, StateCreated, rt.State())
	require.NoError(t, rt.Close())
	require.NoError(t, rt.Close())
}

func TestNewRuntime_invalidOptions(t *testing.T) {
	_, err := NewRuntime(WithSMP(0))
	assert.ErrorIs(t, err, ErrInvalidOption)
}

func TestRuntime_idleCPUHandler(t *testing.T) {
	var calls atomic.Int64
	rt := newTestRuntime(t, WithIdleCPUHandler(func(workWaiting func() bool) IdleCPUHandlerResult {
		calls.Add(1)
		if workWaiting() {
			return IdleInterrupted
		}
		return IdleNoMoreWork
	}))
	runMain(t, rt, func(r *Reactor) *Future[int] {
		return done(Sleep(r, 5*time.Millisecond))
	})
	assert.NotZero(t, calls.Load())
}

func TestRuntime_signalStops(t *testing.T) {
	rt := newTestRuntime(t)
	code, err := runWithTimeout(t, rt, func(r *Reactor) *Future[int] {
		require.NoError(t, unix.Kill(unix.Getpid(), unix.SIGTERM))
		return NewPromise[int](r).Future()
	})
	require.NoError(t, err)
	assert.Zero(t, code)
}

func TestReactor_HandleSignal(t *testing.T) {
	rt := newTestRuntime(t)
	var got int
	runMain(t, rt, func(r *Reactor) *Future[int] {
		p := NewPromise[int](r)
		f := p.Future()
		r.HandleSignal(unix.SIGUSR1, func() { got++ })
		r.HandleSignal(unix.SIGUSR1, func() {
			got += 10
			_ = p.SetValue(0)
		})
		require.NoError(t, unix.Kill(unix.Getpid(), unix.SIGUSR1))
		return f
	})
	assert.Equal(t, 10, got)
}

func TestReactor_RegisterPoller(t *testing.T) {
	rt := newTestRuntime(t)
	var (
		polls   int
		removed bool
	)
	runMain(t, rt, func(r *Reactor) *Future[int] {
		p := NewPromise[int](r)
		f := p.Future()
		var reg *PollerRegistration
		reg = r.RegisterPoller(PollFn(func() bool {
			if removed {
				t.Error(`polled after unregister`)
			}
			if polls++; polls == 10 {
				Then(reg.Unregister(), func(struct{}) *Future[struct{}] {
					removed = true
					_ = p.SetValue(0)
					return nil
				}).Ignore()
			}
			return false
		}))
		return f
	})
	assert.GreaterOrEqual(t, polls, 10)
	assert.True(t, removed)
}
