package reactor

import (
	"sync/atomic"
	"time"
)

type (
	// SteadyClock is the precise monotonic clock, driven by a timerfd.
	SteadyClock struct{}

	// LowresClock is a monotonic clock refreshed periodically, see
	// [Options.LowresGranularity]. Reading it is cheap, and its timers are
	// checked only by polling.
	LowresClock struct{}

	// ManualClock only moves when [Runtime.AdvanceManualClock] is called.
	ManualClock struct{}
)

// Clock is the set of timer clock domains.
type Clock interface {
	SteadyClock | LowresClock | ManualClock
}

type clockKind uint8

const (
	clockSteady clockKind = iota
	clockLowres
	clockManual
)

func kindOf[C Clock]() clockKind {
	var c C
	switch any(c).(type) {
	case LowresClock:
		return clockLowres
	case ManualClock:
		return clockManual
	default:
		return clockSteady
	}
}

// Now returns the current instant of clock C, as an offset from an arbitrary
// (per clock) epoch. The steady and low resolution clocks share an epoch.
func Now[C Clock](r *Reactor) time.Duration {
	return r.rt.now(kindOf[C]())
}

func (rt *Runtime) now(kind clockKind) time.Duration {
	switch kind {
	case clockLowres:
		return rt.lowres.steadyNow()
	case clockManual:
		return rt.manualNow()
	default:
		return steadyNow()
	}
}

// lowresClock is refreshed by a single goroutine per runtime.
type lowresClock struct {
	steady atomic.Int64
	wall   atomic.Int64
}

func (c *lowresClock) update() {
	c.steady.Store(int64(steadyNow()))
	c.wall.Store(time.Now().UnixNano())
}

func (c *lowresClock) steadyNow() time.Duration { return time.Duration(c.steady.Load()) }

func (c *lowresClock) wallNow() time.Time { return time.Unix(0, c.wall.Load()) }

// run refreshes the clock until done is closed.
func (c *lowresClock) run(granularity time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(granularity)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.update()
		case <-done:
			return
		}
	}
}

// LowresWallTime returns the wall clock time, as of the last low resolution
// refresh.
func (rt *Runtime) LowresWallTime() time.Time {
	return rt.lowres.wallNow()
}

func (rt *Runtime) manualNow() time.Duration {
	return time.Duration(rt.manual.Load())
}

// AdvanceManualClock moves the manual clock forward by d, then expires the
// due manual timers on every core. Safe for concurrent use.
func (rt *Runtime) AdvanceManualClock(d time.Duration) {
	rt.manual.Add(int64(d))
	for _, r := range rt.reactors {
		_ = r.Submit(r.expireManualTimers)
	}
}
