package reactor

import (
	"sync"
)

// MaxSchedulingGroups bounds the number of scheduling groups per process.
const MaxSchedulingGroups = 16

// SchedulingGroup identifies a task queue slot, replicated on every core.
type SchedulingGroup int

const (
	// MainSchedulingGroup is the default group, with 1000 shares.
	MainSchedulingGroup SchedulingGroup = 0

	// AtExitSchedulingGroup runs [Reactor.AtExit] hooks.
	AtExitSchedulingGroup SchedulingGroup = 1
)

const defaultShares = 1000

// groupRegistry allocates group ids, process wide.
type groupRegistry struct {
	mu    sync.Mutex
	names [MaxSchedulingGroups]string
	used  [MaxSchedulingGroups]bool
}

func newGroupRegistry() *groupRegistry {
	var g groupRegistry
	g.names[MainSchedulingGroup], g.used[MainSchedulingGroup] = `main`, true
	g.names[AtExitSchedulingGroup], g.used[AtExitSchedulingGroup] = `atexit`, true
	return &g
}

func (g *groupRegistry) alloc(name string) (SchedulingGroup, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, used := range g.used {
		if !used {
			g.used[i], g.names[i] = true, name
			return SchedulingGroup(i), nil
		}
	}
	return 0, ErrTooManySchedulingGroups
}

// CreateSchedulingGroup allocates a group, and initializes its task queue on
// every core, resolving once all cores have done so.
func CreateSchedulingGroup(r *Reactor, name string, shares float64) *Future[SchedulingGroup] {
	sg, err := r.rt.groups.alloc(name)
	if err != nil {
		return MakeErrorFuture[SchedulingGroup](r, err)
	}
	return Map(InvokeOnAll(r, func(r *Reactor) *Future[struct{}] {
		r.initGroup(sg, name, shares)
		return nil
	}), func(struct{}) (SchedulingGroup, error) {
		return sg, nil
	})
}

// Name returns the group's name, as known by r.
func (sg SchedulingGroup) Name(r *Reactor) string {
	if tq := r.queueOf(sg); tq != nil {
		return tq.name
	}
	return ``
}

// Shares returns the group's shares on r.
func (sg SchedulingGroup) Shares(r *Reactor) float64 {
	if tq := r.queueOf(sg); tq != nil {
		return tq.shares
	}
	return 0
}

// SetShares changes the group's shares on r only (floor 1). Use
// [InvokeOnAll] to change it everywhere.
func (sg SchedulingGroup) SetShares(r *Reactor, shares float64) {
	if tq := r.queueOf(sg); tq != nil {
		tq.setShares(shares)
	}
}

// WithSchedulingGroup runs fn in group sg. Tasks and continuations fn
// creates inherit the group. If sg is already current, fn runs inline,
// otherwise it runs as a task of sg.
func WithSchedulingGroup[T any](r *Reactor, sg SchedulingGroup, fn func() *Future[T]) *Future[T] {
	if r.currentGroup == sg {
		return callFuturized(r, fn)
	}
	p := NewPromise[T](r)
	f := p.Future()
	r.AddTask(NewTask(sg, func() {
		forward(callFuturized(r, fn), p)
	}))
	return f
}
