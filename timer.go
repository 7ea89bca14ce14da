// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package reactor

import (
	"math"
	"runtime/debug"
	"time"

	"github.com/emirpasic/gods/trees/redblacktree"
)

// Timer calls a callback when clock C reaches its expiry, once, or
// periodically. It belongs to the reactor that created it, and is not safe
// for concurrent use.
type Timer[C Clock] struct {
	t timer
}

// NewTimer returns an unarmed timer. The callback runs on r, in the
// scheduling group current at creation.
func NewTimer[C Clock](r *Reactor, cb func()) *Timer[C] {
	return &Timer[C]{t: timer{
		r:     r,
		cb:    cb,
		kind:  kindOf[C](),
		group: r.currentGroup,
	}}
}

// SetCallback replaces the callback.
func (x *Timer[C]) SetCallback(cb func()) { x.t.cb = cb }

// Arm schedules a single expiry, d from now. An armed timer is cancelled
// first. Low resolution timers add one granularity, as their clock lags, so
// they never fire before d has passed.
func (x *Timer[C]) Arm(d time.Duration) {
	x.t.arm(x.t.after(d), 0)
}

// ArmAt schedules a single expiry at the instant at, see [Now].
func (x *Timer[C]) ArmAt(at time.Duration) {
	x.t.arm(at, 0)
}

// ArmPeriodic schedules an expiry every period, starting period from now.
func (x *Timer[C]) ArmPeriodic(period time.Duration) {
	x.t.arm(x.t.after(period), max(period, 1))
}

// Rearm is ArmAt, with an optional period (zero for none).
func (x *Timer[C]) Rearm(at, period time.Duration) {
	x.t.arm(at, max(period, 0))
}

// Cancel disarms the timer, reporting whether it was armed. A cancelled
// timer's callback will not be called, even if it already expired.
func (x *Timer[C]) Cancel() bool { return x.t.cancel() }

// Armed reports whether the timer is pending expiry.
func (x *Timer[C]) Armed() bool { return x.t.armed }

// Expiry returns the instant the timer is (or was last) armed for.
func (x *Timer[C]) Expiry() time.Duration { return x.t.key.expiry }

type timer struct {
	r      *Reactor
	cb     func()
	key    timerKey
	period time.Duration
	group  SchedulingGroup
	kind   clockKind
	armed  bool
	queued bool // in the set, or in its expired batch
	inSet  bool
}

// after returns the instant d from now, on t's clock.
func (t *timer) after(d time.Duration) time.Duration {
	at := t.r.rt.now(t.kind) + d
	if t.kind == clockLowres {
		at += t.r.rt.opts.LowresGranularity
	}
	return at
}

func (t *timer) arm(at, period time.Duration) {
	if t.armed {
		t.cancel()
	}
	t.period = period
	t.armed = true
	t.queued = true
	t.r.addTimer(t, at)
}

func (t *timer) cancel() bool {
	if !t.armed {
		return false
	}
	t.armed = false
	if t.queued {
		t.r.removeTimer(t)
		t.queued = false
	}
	return true
}

type timerKey struct {
	expiry time.Duration
	seq    uint64
}

func compareTimerKeys(a, b any) int {
	ka, kb := a.(timerKey), b.(timerKey)
	switch {
	case ka.expiry < kb.expiry:
		return -1
	case ka.expiry > kb.expiry:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}

// timerSet holds the armed timers of one clock, ordered by expiry, and the
// batch of expired timers currently being completed.
type timerSet struct {
	tree    *redblacktree.Tree
	expired []*timer
	seq     uint64
}

func newTimerSet() timerSet {
	return timerSet{tree: redblacktree.NewWith(compareTimerKeys)}
}

// insert reports whether t is now the earliest timer.
func (s *timerSet) insert(t *timer, at time.Duration) bool {
	s.seq++
	t.key = timerKey{expiry: at, seq: s.seq}
	t.inSet = true
	s.tree.Put(t.key, t)
	return s.tree.Left().Value.(*timer) == t
}

func (s *timerSet) remove(t *timer) {
	if t.inSet {
		s.tree.Remove(t.key)
		t.inSet = false
		return
	}
	for i, v := range s.expired {
		if v == t {
			s.expired[i] = nil
			return
		}
	}
}

// nextTimeout returns the earliest expiry, or math.MaxInt64.
func (s *timerSet) nextTimeout() time.Duration {
	if node := s.tree.Left(); node != nil {
		return node.Key.(timerKey).expiry
	}
	return math.MaxInt64
}

// expire moves every timer due at now into the expired batch.
func (s *timerSet) expire(now time.Duration) {
	for {
		node := s.tree.Left()
		if node == nil || node.Key.(timerKey).expiry > now {
			return
		}
		t := node.Value.(*timer)
		s.tree.Remove(node.Key)
		t.inSet = false
		s.expired = append(s.expired, t)
	}
}

func (r *Reactor) timerSetOf(kind clockKind) *timerSet {
	switch kind {
	case clockLowres:
		return &r.lowresTimers
	case clockManual:
		return &r.manualTimers
	default:
		return &r.steadyTimers
	}
}

func (r *Reactor) addTimer(t *timer, at time.Duration) {
	if !r.timerSetOf(t.kind).insert(t, at) {
		return
	}
	switch t.kind {
	case clockSteady:
		r.programSteadyTimer()
	case clockLowres:
		r.lowresNextTimeout = at
	}
}

func (r *Reactor) removeTimer(t *timer) {
	set := r.timerSetOf(t.kind)
	set.remove(t)
	if t.kind == clockLowres {
		r.lowresNextTimeout = set.nextTimeout()
	}
}

func (r *Reactor) programSteadyTimer() {
	next := r.steadyTimers.nextTimeout()
	if next == math.MaxInt64 {
		return
	}
	if err := r.backend.armSteadyTimer(next); err != nil {
		r.logger.Err().
			Err(err).
			Log(`failed to arm steady timer`)
	}
}

// completeTimers runs the callbacks of every timer in set due at now. Periodic
// timers are re-added before their callback runs, so the callback may cancel
// them. Callbacks run in their timer's scheduling group.
func (r *Reactor) completeTimers(set *timerSet, now time.Duration) {
	set.expire(now)
	prev := r.currentGroup
	for i := 0; i < len(set.expired); i++ {
		t := set.expired[i]
		if t == nil {
			continue
		}
		set.expired[i] = nil
		t.queued = false
		if !t.armed {
			continue
		}
		t.armed = false
		if t.period > 0 {
			t.armed = true
			t.queued = true
			set.insert(t, now+t.period)
		}
		r.currentGroup = t.group
		r.runTimerCallback(t)
	}
	set.expired = set.expired[:0]
	r.currentGroup = prev
}

func (r *Reactor) runTimerCallback(t *timer) {
	defer func() {
		if v := recover(); v != nil {
			r.logger.Err().
				Err(&PanicError{Value: v, Stack: debug.Stack()}).
				Log(`timer callback panicked`)
		}
	}()
	if t.cb != nil {
		t.cb()
	}
}

func (r *Reactor) completeSteadyTimers() {
	r.completeTimers(&r.steadyTimers, steadyNow())
	r.programSteadyTimer()
}

func (r *Reactor) completeLowresTimers(now time.Duration) {
	r.completeTimers(&r.lowresTimers, now)
	r.lowresNextTimeout = r.lowresTimers.nextTimeout()
}

func (r *Reactor) expireManualTimers() {
	r.completeTimers(&r.manualTimers, r.rt.manualNow())
}

// lowresPoller expires low resolution timers. Before the core sleeps, it
// arms a steady timer for the next low resolution deadline.
type lowresPoller struct {
	r    *Reactor
	wake *Timer[SteadyClock]
}

func newLowresPoller(r *Reactor) *lowresPoller {
	x := lowresPoller{r: r}
	x.wake = NewTimer[SteadyClock](r, func() {
		r.completeLowresTimers(steadyNow())
	})
	return &x
}

func (x *lowresPoller) Poll() bool {
	now := x.r.rt.lowres.steadyNow()
	if now < x.r.lowresNextTimeout {
		return false
	}
	x.r.completeLowresTimers(now)
	return true
}

func (x *lowresPoller) PurePoll() bool {
	return x.r.rt.lowres.steadyNow() >= x.r.lowresNextTimeout
}

func (x *lowresPoller) TryEnterInterruptMode() bool {
	if next := x.r.lowresNextTimeout; next != math.MaxInt64 {
		x.wake.ArmAt(next)
	}
	return true
}

func (x *lowresPoller) ExitInterruptMode() {
	x.wake.Cancel()
}
