package reactor

import (
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
)

// stallState tracks the task run in progress on one core, for the stall
// watchdog.
type stallState struct {
	// steady instant the run started, zero when idle
	start atomic.Int64
	// the run in progress was already reported
	reported atomic.Bool
	stalls   atomic.Uint64
}

func (s *stallState) startTaskRun(now time.Duration) {
	s.reported.Store(false)
	s.start.Store(int64(max(now, 1)))
}

func (s *stallState) endTaskRun() {
	s.start.Store(0)
}

// stallWatchdog reports cores stuck in a single task run for longer than the
// threshold, once per run, rate limited per core.
type stallWatchdog struct {
	rt        *Runtime
	limiter   *catrate.Limiter
	threshold time.Duration
}

func newStallWatchdog(rt *Runtime) *stallWatchdog {
	x := stallWatchdog{
		rt:        rt,
		threshold: rt.opts.BlockedReactorNotify,
	}
	if n := rt.opts.BlockedReactorReportsPerMinute; n > 0 {
		x.limiter = catrate.NewLimiter(map[time.Duration]int{time.Minute: n})
	}
	return &x
}

func (x *stallWatchdog) run(done <-chan struct{}) {
	ticker := time.NewTicker(max(x.threshold/2, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			x.check(steadyNow())
		}
	}
}

func (x *stallWatchdog) check(now time.Duration) {
	for _, r := range x.rt.reactors {
		start := r.stall.start.Load()
		if start == 0 {
			continue
		}
		blocked := now - time.Duration(start)
		if blocked < x.threshold || !r.stall.reported.CompareAndSwap(false, true) {
			continue
		}
		r.stall.stalls.Add(1)
		if x.limiter == nil {
			continue
		}
		if _, ok := x.limiter.Allow(r.id); !ok {
			continue
		}
		r.logger.Warning().
			Dur(`blocked`, blocked).
			Dur(`threshold`, x.threshold).
			Log(`reactor stalled`)
	}
}
