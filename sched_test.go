package reactor

import (
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskList_FIFO(t *testing.T) {
	var q taskList
	var got []int
	const n = taskChunkSize*3 + 7
	for i := 0; i < n; i++ {
		q.PushBack(NewTask(MainSchedulingGroup, func() { got = append(got, i) }))
	}
	assert.Equal(t, n, q.Len())
	for {
		task, ok := q.PopFront()
		if !ok {
			break
		}
		task.fn()
	}
	require.Len(t, got, n)
	for i, v := range got {
		require.Equal(t, i, v)
	}
	assert.Zero(t, q.Len())
}

func TestTaskList_PushFront(t *testing.T) {
	var q taskList
	var got []int
	push := func(front bool, v int) {
		task := NewTask(MainSchedulingGroup, func() { got = append(got, v) })
		if front {
			q.PushFront(task)
		} else {
			q.PushBack(task)
		}
	}
	push(false, 2)
	push(false, 3)
	push(true, 1)
	push(true, 0)
	for i := 4; i < taskChunkSize+10; i++ {
		push(false, i)
	}
	for {
		task, ok := q.PopFront()
		if !ok {
			break
		}
		task.fn()
	}
	for i, v := range got {
		require.Equal(t, i, v)
	}
	assert.Len(t, got, taskChunkSize+10)
}

func TestReactor_urgentTasksRunFirst(t *testing.T) {
	rt := newTestRuntime(t)
	r := rt.Reactor(0)
	var got []string
	r.Schedule(func() { got = append(got, `a`) })
	r.Schedule(func() { got = append(got, `b`) })
	r.ScheduleUrgent(func() { got = append(got, `urgent`) })
	runUntilIdle(r)
	assert.Equal(t, []string{`urgent`, `a`, `b`}, got)
}

func TestReactor_tasksAddedDuringVisitWait(t *testing.T) {
	rt := newTestRuntime(t)
	r := rt.Reactor(0)
	var got []string
	r.Schedule(func() {
		got = append(got, `first`)
		r.Schedule(func() { got = append(got, `nested`) })
	})
	r.Schedule(func() { got = append(got, `second`) })
	runUntilIdle(r)
	assert.Equal(t, []string{`first`, `second`, `nested`}, got)
}

func TestReactor_backlogRequestsPreemption(t *testing.T) {
	rt := newTestRuntime(t, WithMaxTaskBacklog(2))
	r := rt.Reactor(0)
	var ran int
	r.Schedule(func() {
		ran++
		for i := 0; i < 5; i++ {
			r.Schedule(func() { ran++ })
		}
	})
	r.Schedule(func() { ran++ })
	r.runSomeTasks()
	assert.Equal(t, 1, ran)
	assert.True(t, r.NeedPreempt())
	runUntilIdle(r)
	assert.Equal(t, 7, ran)
}

func TestReactor_fairness(t *testing.T) {
	var clock atomic.Int64
	rt := newTestRuntime(t, withClock(func() time.Duration {
		return time.Duration(clock.Load())
	}))
	r := rt.Reactor(0)

	low := CreateSchedulingGroup(r, `low`, 100)
	high := CreateSchedulingGroup(r, `high`, 900)
	runUntilIdle(r)
	lowGroup, err := low.Get()
	require.NoError(t, err)
	highGroup, err := high.Get()
	require.NoError(t, err)

	const total = 20000
	var counts [2]int
	spawn := func(i int, sg SchedulingGroup) {
		var fn func()
		fn = func() {
			clock.Add(int64(time.Millisecond))
			counts[i]++
			if counts[0]+counts[1] < total {
				r.AddTask(NewTask(sg, fn))
			}
		}
		r.AddTask(NewTask(sg, fn))
	}
	spawn(0, lowGroup)
	spawn(1, highGroup)
	runUntilIdle(r)

	require.NotZero(t, counts[0])
	ratio := float64(counts[1]) / float64(counts[0])
	assert.InDelta(t, 9, ratio, 0.9, `counts: %v`, counts)

	stats := r.Stats()
	var found int
	for _, g := range stats.Groups {
		switch g.Group {
		case lowGroup:
			found++
			assert.Equal(t, `low`, g.Name)
			assert.Equal(t, uint64(counts[0]), g.TasksProcessed)
		case highGroup:
			found++
			assert.Equal(t, 900.0, g.Shares)
		}
	}
	assert.Equal(t, 2, found)
}

func TestReactor_reactivationClamp(t *testing.T) {
	var clock atomic.Int64
	rt := newTestRuntime(t, withClock(func() time.Duration {
		return time.Duration(clock.Load())
	}))
	r := rt.Reactor(0)
	f := CreateSchedulingGroup(r, `idle`, 1000)
	runUntilIdle(r)
	idle, err := f.Get()
	require.NoError(t, err)

	// main accumulates a lot of runtime, while idle has none
	for i := 0; i < 100; i++ {
		r.Schedule(func() { clock.Add(int64(10 * time.Millisecond)) })
		runUntilIdle(r)
	}
	main := r.queueOf(MainSchedulingGroup)
	require.Greater(t, main.vruntime, int64(0))

	tq := r.queueOf(idle)
	require.Zero(t, tq.vruntime)
	r.AddTask(NewTask(idle, func() {}))
	r.insertActivating()
	assert.GreaterOrEqual(t, tq.vruntime, r.lastVruntime-tq.toVruntime(r.taskQuota))
	assert.Greater(t, tq.vruntime, int64(0))
	runUntilIdle(r)
}

func TestTaskQueue_toVruntimeSaturates(t *testing.T) {
	tq := newTaskQueue(MainSchedulingGroup, `x`, 1)
	assert.Equal(t, int64(math.MaxInt64), tq.toVruntime(math.MaxInt64))
	tq.vruntime = math.MaxInt64 - 1
	tq.accountRuntime(time.Hour)
	assert.Equal(t, int64(math.MaxInt64), tq.vruntime)

	tq = newTaskQueue(MainSchedulingGroup, `y`, 1)
	assert.Equal(t, int64(1000), tq.toVruntime(1000))

	tq = newTaskQueue(MainSchedulingGroup, `z`, 1000)
	assert.InDelta(t, 1000, tq.toVruntime(time.Millisecond), 1)
}

func TestReactor_unknownGroupFallsBackToMain(t *testing.T) {
	rt := newTestRuntime(t)
	r := rt.Reactor(0)
	var ran bool
	r.AddTask(NewTask(SchedulingGroup(MaxSchedulingGroups+3), func() { ran = true }))
	runUntilIdle(r)
	assert.True(t, ran)
}

func TestCreateSchedulingGroup_exhausted(t *testing.T) {
	rt := newTestRuntime(t)
	r := rt.Reactor(0)
	var fs []*Future[SchedulingGroup]
	for i := 0; i < MaxSchedulingGroups; i++ {
		fs = append(fs, CreateSchedulingGroup(r, `g`, 10))
	}
	runUntilIdle(r)
	var failed int
	for _, f := range fs {
		if _, err := f.Get(); err != nil {
			assert.ErrorIs(t, err, ErrTooManySchedulingGroups)
			failed++
		}
	}
	assert.Equal(t, 2, failed)
}

func TestWithSchedulingGroup(t *testing.T) {
	rt := newTestRuntime(t)
	r := rt.Reactor(0)
	fg := CreateSchedulingGroup(r, `bg`, 200)
	runUntilIdle(r)
	sg, err := fg.Get()
	require.NoError(t, err)
	assert.Equal(t, `bg`, sg.Name(r))
	assert.Equal(t, 200.0, sg.Shares(r))
	sg.SetShares(r, 0)
	assert.Equal(t, 1.0, sg.Shares(r))

	var inner, nested SchedulingGroup = -1, -1
	f := WithSchedulingGroup(r, sg, func() *Future[int] {
		inner = r.CurrentSchedulingGroup()
		r.Schedule(func() { nested = r.CurrentSchedulingGroup() })
		return MakeReadyFuture(r, 42)
	})
	runUntilIdle(r)
	v, err := f.Get()
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, sg, inner)
	assert.Equal(t, sg, nested)
	assert.Equal(t, MainSchedulingGroup, r.CurrentSchedulingGroup())
}
