package reactor

// Poller is a source of work, polled whenever a core runs out of tasks.
//
// All methods are called on the owning reactor's thread.
type Poller interface {
	// Poll performs any available work, reporting whether there was any.
	Poll() bool

	// PurePoll reports whether Poll would find work, without side effects.
	PurePoll() bool

	// TryEnterInterruptMode prepares the poller for the core to block. It
	// returns false to veto sleeping, e.g. because work arrived. Once it
	// returns true, the poller must ensure any new work wakes the core.
	TryEnterInterruptMode() bool

	// ExitInterruptMode undoes a successful TryEnterInterruptMode.
	ExitInterruptMode()
}

// PollFn adapts a function into a [Poller]. A core with a registered PollFn
// never sleeps, since nothing could wake it once the function has work.
type PollFn func() bool

func (fn PollFn) Poll() bool                  { return fn() }
func (fn PollFn) PurePoll() bool              { return fn() }
func (fn PollFn) TryEnterInterruptMode() bool { return false }
func (fn PollFn) ExitInterruptMode()          {}

// PollerRegistration is the handle of a poller added by
// [Reactor.RegisterPoller].
type PollerRegistration struct {
	r       *Reactor
	poller  Poller
	removed bool
}

// RegisterPoller appends p to the poller list, by way of a task, so the list
// never changes while being polled. Reactor thread only.
func (r *Reactor) RegisterPoller(p Poller) *PollerRegistration {
	reg := &PollerRegistration{r: r, poller: p}
	r.Schedule(func() {
		if !reg.removed {
			r.pollers = append(r.pollers, reg)
		}
	})
	return reg
}

// Unregister removes the poller, by way of a task. The future resolves once
// the poller will no longer be called.
func (reg *PollerRegistration) Unregister() *Future[struct{}] {
	r := reg.r
	p := NewPromise[struct{}](r)
	f := p.Future()
	r.Schedule(func() {
		reg.removed = true
		for i, v := range r.pollers {
			if v == reg {
				r.pollers = append(r.pollers[:i], r.pollers[i+1:]...)
				break
			}
		}
		_ = p.SetValue(struct{}{})
	})
	return f
}

// checkForWork polls every poller once.
func (r *Reactor) checkForWork() bool {
	r.stats.polls++
	var work bool
	for _, p := range r.pollers {
		if p.poller.Poll() {
			work = true
		}
	}
	return work
}

func (r *Reactor) pureCheckForWork() bool {
	for _, p := range r.pollers {
		if p.poller.PurePoll() {
			return true
		}
	}
	return false
}

// sleep blocks in the backend, if every poller agrees. Pollers are exited in
// the reverse order they were entered.
func (r *Reactor) sleep() {
	for i, p := range r.pollers {
		if !p.poller.TryEnterInterruptMode() {
			for j := i - 1; j >= 0; j-- {
				r.pollers[j].poller.ExitInterruptMode()
			}
			return
		}
	}
	if _, err := r.backend.wait(-1); err != nil {
		r.logger.Err().
			Err(err).
			Log(`backend wait failed`)
		r.rt.abort(err)
	}
	for j := len(r.pollers) - 1; j >= 0; j-- {
		r.pollers[j].poller.ExitInterruptMode()
	}
}

// epollPoller polls the backend without blocking.
type epollPoller struct {
	r *Reactor
}

func (x *epollPoller) Poll() bool {
	n, err := x.r.backend.wait(0)
	if err != nil {
		x.r.logger.Err().
			Err(err).
			Log(`backend poll failed`)
		x.r.rt.abort(err)
		return false
	}
	return n != 0
}

// PurePoll is false: readiness is only ever learned by polling.
func (x *epollPoller) PurePoll() bool              { return false }
func (x *epollPoller) TryEnterInterruptMode() bool { return true }
func (x *epollPoller) ExitInterruptMode()          {}

// internalPoller wraps a built-in poller as a registration.
func internalPoller(r *Reactor, p Poller) *PollerRegistration {
	return &PollerRegistration{r: r, poller: p}
}
