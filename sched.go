// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package reactor

import (
	"runtime/debug"

	"github.com/emirpasic/gods/trees/redblacktree"
)

// AddTask queues t at the back of its group's queue. Reactor thread only.
func (r *Reactor) AddTask(t Task) {
	tq := r.queueFor(t)
	tq.tasks.PushBack(t)
	r.activate(tq)
}

// AddUrgentTask queues t at the front of its group's queue, so it runs next
// within the group. Reactor thread only.
func (r *Reactor) AddUrgentTask(t Task) {
	tq := r.queueFor(t)
	tq.tasks.PushFront(t)
	r.activate(tq)
}

// Schedule queues fn as a task of the current scheduling group.
func (r *Reactor) Schedule(fn func()) {
	r.AddTask(NewTask(r.currentGroup, fn))
}

// ScheduleUrgent queues fn at the front of the current group's queue.
func (r *Reactor) ScheduleUrgent(fn func()) {
	r.AddUrgentTask(NewTask(r.currentGroup, fn))
}

// CurrentSchedulingGroup returns the group of the running task.
func (r *Reactor) CurrentSchedulingGroup() SchedulingGroup {
	return r.currentGroup
}

// NeedPreempt reports whether the running task should yield. Long running
// loops should check it (or use [MaybeYield]) between iterations.
func (r *Reactor) NeedPreempt() bool {
	return r.needPreempt.Load()
}

func (r *Reactor) queueOf(sg SchedulingGroup) *taskQueue {
	if sg < 0 || sg >= MaxSchedulingGroups {
		return nil
	}
	return r.queues[sg]
}

// queueFor falls back to the main queue for an unknown group.
func (r *Reactor) queueFor(t Task) *taskQueue {
	if tq := r.queueOf(t.group); tq != nil {
		return tq
	}
	return r.queues[MainSchedulingGroup]
}

func (r *Reactor) initGroup(sg SchedulingGroup, name string, shares float64) {
	if tq := r.queues[sg]; tq != nil {
		tq.name = name
		tq.setShares(shares)
		return
	}
	r.queues[sg] = newTaskQueue(sg, name, shares)
}

func (r *Reactor) newActiveTree() *redblacktree.Tree {
	return redblacktree.NewWith(compareActiveKeys)
}

// activate marks tq runnable. It joins the active tree at the start of the
// next visit, with its vruntime clamped.
func (r *Reactor) activate(tq *taskQueue) {
	if tq.active {
		return
	}
	tq.active = true
	r.activating = append(r.activating, tq)
}

// insertActivating moves newly activated queues into the active tree. A queue
// that was idle may not bank more than one task quota of advantage.
func (r *Reactor) insertActivating() {
	for i, tq := range r.activating {
		r.activating[i] = nil
		if floor := r.lastVruntime - tq.toVruntime(r.taskQuota); floor > tq.vruntime {
			tq.vruntime = floor
		}
		r.insertActive(tq)
	}
	r.activating = r.activating[:0]
}

func (r *Reactor) insertActive(tq *taskQueue) {
	r.activeSeq++
	tq.seq = r.activeSeq
	r.active.Put(activeKey{vruntime: tq.vruntime, seq: tq.seq}, tq)
}

func (r *Reactor) popActive() *taskQueue {
	node := r.active.Left()
	if node == nil {
		return nil
	}
	r.active.Remove(node.Key)
	return node.Value.(*taskQueue)
}

func (r *Reactor) haveMoreTasks() bool {
	return r.active.Size() != 0 || len(r.activating) != 0
}

// runSomeTasks visits the queue with the least vruntime, until there is
// nothing left to run or preemption was requested.
func (r *Reactor) runSomeTasks() {
	if !r.haveMoreTasks() {
		return
	}
	r.needPreempt.Store(false)
	r.stall.startTaskRun(steadyNow())
	defer r.stall.endTaskRun()

	tRunCompleted := r.now()
	for {
		tRunStarted := tRunCompleted
		r.insertActivating()
		tq := r.popActive()
		if tq == nil {
			break
		}
		r.lastVruntime = max(r.lastVruntime, tq.vruntime)
		r.runTasks(tq)
		tRunCompleted = r.now()
		tq.accountRuntime(tRunCompleted - tRunStarted)
		r.lastVruntime = max(r.lastVruntime, tq.vruntime)
		if tq.tasks.Len() != 0 {
			r.insertActive(tq)
		} else {
			tq.active = false
		}
		if !r.haveMoreTasks() || r.needPreempt.Load() {
			break
		}
	}
}

// runTasks runs at most the tasks queued at the start of the visit. Once
// the queue backs up past the task backlog, it requests preemption, so the
// loop gets to poll.
func (r *Reactor) runTasks(tq *taskQueue) {
	r.currentGroup = tq.group
	for n := tq.tasks.Len(); n > 0; n-- {
		t, _ := tq.tasks.PopFront()
		r.runTask(t)
		tq.tasksProcessed++
		r.stats.tasksProcessed++
		if r.needPreempt.Load() {
			break
		}
		if tq.tasks.Len() > r.maxTaskBacklog {
			r.needPreempt.Store(true)
			break
		}
	}
	r.currentGroup = MainSchedulingGroup
}

func (r *Reactor) runTask(t Task) {
	defer func() {
		if v := recover(); v != nil {
			r.taskPanicked(&PanicError{Value: v, Stack: debug.Stack()})
		}
	}()
	t.fn()
}

// taskPanicked is fatal: the runtime stops, with exit code 1.
func (r *Reactor) taskPanicked(err *PanicError) {
	r.logger.Crit().
		Err(err).
		Str(`stack`, string(err.Stack)).
		Log(`task panicked`)
	r.rt.fail(err)
}
