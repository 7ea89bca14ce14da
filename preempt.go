package reactor

import (
	"sync/atomic"
	"time"
)

// preemptTimer sets a flag every task quota. The flag is only ever read at
// task boundaries.
type preemptTimer struct {
	flag   *atomic.Bool
	ticker *time.Ticker
	done   chan struct{}
	quota  time.Duration
}

func startPreemptTimer(flag *atomic.Bool, quota time.Duration) *preemptTimer {
	x := preemptTimer{
		flag:   flag,
		ticker: time.NewTicker(quota),
		done:   make(chan struct{}),
		quota:  quota,
	}
	go x.run()
	return &x
}

func (x *preemptTimer) run() {
	for {
		select {
		case <-x.ticker.C:
			x.flag.Store(true)
		case <-x.done:
			return
		}
	}
}

// pause stops the ticks while the core sleeps, avoiding spurious work.
func (x *preemptTimer) pause() { x.ticker.Stop() }

func (x *preemptTimer) resume() { x.ticker.Reset(x.quota) }

func (x *preemptTimer) stop() {
	x.ticker.Stop()
	close(x.done)
}
