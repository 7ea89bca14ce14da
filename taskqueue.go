package reactor

import (
	"math"
	"math/bits"
	"time"
)

// taskQueue is the per-core run queue of one scheduling group.
type taskQueue struct {
	tasks          taskList
	name           string
	shares         float64
	reciprocal     uint64 // 2^32 / shares
	vruntime       int64
	runtime        time.Duration
	tasksProcessed uint64
	seq            uint64 // tie breaker, while in the active tree
	group          SchedulingGroup
	active         bool
}

func newTaskQueue(group SchedulingGroup, name string, shares float64) *taskQueue {
	tq := taskQueue{group: group, name: name}
	tq.setShares(shares)
	return &tq
}

func (tq *taskQueue) setShares(shares float64) {
	tq.shares = max(shares, 1)
	tq.reciprocal = uint64(float64(uint64(1)<<32) / tq.shares)
}

// toVruntime scales real time by the reciprocal of the shares, saturating
// rather than overflowing.
func (tq *taskQueue) toVruntime(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	hi, lo := bits.Mul64(uint64(d), tq.reciprocal)
	if hi>>31 != 0 {
		return math.MaxInt64
	}
	v := hi<<32 | lo>>32
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

// accountRuntime charges d to the queue.
func (tq *taskQueue) accountRuntime(d time.Duration) {
	tq.runtime += d
	adv := tq.toVruntime(d)
	if tq.vruntime > math.MaxInt64-adv {
		tq.vruntime = math.MaxInt64
	} else {
		tq.vruntime += adv
	}
}

// activeKey orders the active queues by vruntime, then insertion order.
type activeKey struct {
	vruntime int64
	seq      uint64
}

func compareActiveKeys(a, b any) int {
	ka, kb := a.(activeKey), b.(activeKey)
	switch {
	case ka.vruntime < kb.vruntime:
		return -1
	case ka.vruntime > kb.vruntime:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}
