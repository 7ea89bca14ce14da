package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSleep_steady(t *testing.T) {
	rt := newTestRuntime(t)
	var (
		elapsed time.Duration
		stats   ReactorStats
	)
	runMain(t, rt, func(r *Reactor) *Future[int] {
		start := Now[SteadyClock](r)
		return Map(Sleep(r, 50*time.Millisecond), func(struct{}) (int, error) {
			elapsed = Now[SteadyClock](r) - start
			stats = r.Stats()
			return 0, nil
		})
	})
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 50*time.Millisecond+10*DefaultOptions().TaskQuota)
	assert.NotZero(t, stats.Sleeps)
	assert.NotZero(t, stats.SleepTime)
}

func TestSleep_pollModeNeverSleeps(t *testing.T) {
	rt := newTestRuntime(t, WithPollMode(true))
	var stats ReactorStats
	runMain(t, rt, func(r *Reactor) *Future[int] {
		return Map(Sleep(r, 10*time.Millisecond), func(struct{}) (int, error) {
			stats = r.Stats()
			return 0, nil
		})
	})
	assert.Zero(t, stats.Sleeps)
	assert.NotZero(t, stats.Polls)
}

func TestTimer_cancel(t *testing.T) {
	rt := newTestRuntime(t)
	var fired bool
	runMain(t, rt, func(r *Reactor) *Future[int] {
		timer := NewTimer[SteadyClock](r, func() { fired = true })
		timer.Arm(5 * time.Millisecond)
		assert.True(t, timer.Armed())
		assert.True(t, timer.Cancel())
		assert.False(t, timer.Armed())
		assert.False(t, timer.Cancel())
		return done(Sleep(r, 20*time.Millisecond))
	})
	assert.False(t, fired)
}

func TestTimer_periodic(t *testing.T) {
	rt := newTestRuntime(t)
	var ticks int
	runMain(t, rt, func(r *Reactor) *Future[int] {
		p := NewPromise[int](r)
		f := p.Future()
		var timer *Timer[SteadyClock]
		timer = NewTimer[SteadyClock](r, func() {
			if ticks++; ticks == 3 {
				timer.Cancel()
				_ = p.SetValue(0)
			}
		})
		timer.ArmPeriodic(2 * time.Millisecond)
		return f
	})
	assert.Equal(t, 3, ticks)
}

func TestTimer_orderedByExpiry(t *testing.T) {
	rt := newTestRuntime(t)
	var got []int
	runMain(t, rt, func(r *Reactor) *Future[int] {
		now := Now[SteadyClock](r)
		for _, i := range []int{3, 1, 2} {
			NewTimer[SteadyClock](r, func() { got = append(got, i) }).
				ArmAt(now + time.Duration(i)*time.Millisecond)
		}
		return done(Sleep(r, 10*time.Millisecond))
	})
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestTimer_callbackGroup(t *testing.T) {
	rt := newTestRuntime(t)
	runMain(t, rt, func(r *Reactor) *Future[int] {
		return Then(CreateSchedulingGroup(r, `timers`, 100), func(sg SchedulingGroup) *Future[int] {
			return WithSchedulingGroup(r, sg, func() *Future[int] {
				return Map(Sleep(r, time.Millisecond), func(struct{}) (int, error) {
					assert.Equal(t, sg, r.CurrentSchedulingGroup())
					return 0, nil
				})
			})
		})
	})
}

func TestManualClock(t *testing.T) {
	rt := newTestRuntime(t)
	r := rt.Reactor(0)
	var fired []time.Duration
	a := NewTimer[ManualClock](r, func() { fired = append(fired, Now[ManualClock](r)) })
	a.Arm(10 * time.Millisecond)
	b := NewTimer[ManualClock](r, func() { fired = append(fired, -1) })
	b.Arm(30 * time.Millisecond)

	advance := func(d time.Duration) {
		rt.AdvanceManualClock(d)
		r.checkForWork()
		runUntilIdle(r)
	}
	advance(5 * time.Millisecond)
	assert.Empty(t, fired)
	advance(5 * time.Millisecond)
	assert.Equal(t, []time.Duration{10 * time.Millisecond}, fired)
	assert.True(t, b.Cancel())
	advance(time.Minute)
	assert.Len(t, fired, 1)
}

func TestTimer_cancelExpiredBatch(t *testing.T) {
	rt := newTestRuntime(t)
	r := rt.Reactor(0)
	var fired []string
	var b *Timer[ManualClock]
	a := NewTimer[ManualClock](r, func() {
		fired = append(fired, `a`)
		// b expired in the same batch, but has not run yet
		assert.True(t, b.Armed())
		assert.True(t, b.Cancel())
	})
	b = NewTimer[ManualClock](r, func() { fired = append(fired, `b`) })
	a.Arm(10 * time.Millisecond)
	b.Arm(10 * time.Millisecond)

	rt.AdvanceManualClock(10 * time.Millisecond)
	r.checkForWork()
	runUntilIdle(r)
	assert.Equal(t, []string{`a`}, fired)
	assert.False(t, b.Armed())

	// still usable afterwards
	b.Arm(time.Millisecond)
	rt.AdvanceManualClock(time.Millisecond)
	r.checkForWork()
	runUntilIdle(r)
	assert.Equal(t, []string{`a`, `b`}, fired)
}

func TestTimer_lowresArmAddsGranularity(t *testing.T) {
	rt := newTestRuntime(t, WithLowresGranularity(10*time.Millisecond))
	r := rt.Reactor(0)
	timer := NewTimer[LowresClock](r, nil)
	now := Now[LowresClock](r)
	timer.Arm(20 * time.Millisecond)
	assert.GreaterOrEqual(t, timer.Expiry(), now+30*time.Millisecond)
	assert.True(t, timer.Cancel())
}

func TestSleepLowres(t *testing.T) {
	rt := newTestRuntime(t, WithLowresGranularity(10*time.Millisecond))
	var elapsed time.Duration
	runMain(t, rt, func(r *Reactor) *Future[int] {
		start := Now[SteadyClock](r)
		return Map(SleepLowres(r, 20*time.Millisecond), func(struct{}) (int, error) {
			elapsed = Now[SteadyClock](r) - start
			return 0, nil
		})
	})
	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.False(t, rt.LowresWallTime().IsZero())
}

func TestTimer_panicIsLogged(t *testing.T) {
	var buf logBuffer
	rt := newTestRuntime(t, WithLogger(newTestLogger(&buf)))
	runMain(t, rt, func(r *Reactor) *Future[int] {
		NewTimer[SteadyClock](r, func() { panic(`tick`) }).Arm(time.Millisecond)
		return done(Sleep(r, 10*time.Millisecond))
	})
	require.Contains(t, buf.String(), `timer callback panicked`)
}
