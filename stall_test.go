package reactor

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStallWatchdog_check(t *testing.T) {
	var buf logBuffer
	rt := newTestRuntime(t,
		WithSMP(2),
		WithLogger(newTestLogger(&buf)),
		WithBlockedReactorNotify(10*time.Millisecond, 2),
	)
	x := newStallWatchdog(rt)
	r := rt.Reactor(1)

	// idle cores are never reported
	x.check(time.Hour)
	assert.Zero(t, r.stall.stalls.Load())

	for i := range 4 {
		start := time.Duration(i+1) * time.Second
		r.stall.startTaskRun(start)
		x.check(start + 5*time.Millisecond)
		x.check(start + 15*time.Millisecond)
		x.check(start + 30*time.Millisecond)
		r.stall.endTaskRun()
	}
	// counted once per run, logged at most twice a minute
	assert.Equal(t, uint64(4), r.stall.stalls.Load())
	assert.Zero(t, rt.Reactor(0).stall.stalls.Load())
	out := buf.String()
	assert.Equal(t, 2, strings.Count(out, `reactor stalled`), out)
	assert.Contains(t, out, `"shard":1`)
}

func TestStallWatchdog_reportsDisabled(t *testing.T) {
	var buf logBuffer
	rt := newTestRuntime(t,
		WithLogger(newTestLogger(&buf)),
		WithBlockedReactorNotify(time.Millisecond, 0),
	)
	x := newStallWatchdog(rt)
	r := rt.Reactor(0)
	r.stall.startTaskRun(time.Second)
	x.check(2 * time.Second)
	assert.Equal(t, uint64(1), r.stall.stalls.Load())
	assert.NotContains(t, buf.String(), `reactor stalled`)
}

func TestStallWatchdog_blockingTask(t *testing.T) {
	var buf logBuffer
	rt := newTestRuntime(t,
		WithLogger(newTestLogger(&buf)),
		WithBlockedReactorNotify(5*time.Millisecond, 10),
	)
	var stats ReactorStats
	runMain(t, rt, func(r *Reactor) *Future[int] {
		return Map(Yield(r), func(struct{}) (int, error) {
			time.Sleep(50 * time.Millisecond)
			stats = r.Stats()
			return 0, nil
		})
	})
	require.GreaterOrEqual(t, stats.Stalls, uint64(1))
	assert.Contains(t, buf.String(), `reactor stalled`)
}
