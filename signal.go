package reactor

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
)

// signals delivers OS signals to handlers on the reactor thread. Delivery is
// relayed by a goroutine per signal, since the runtime owns the real handler.
type signals struct {
	r        *Reactor
	handlers map[os.Signal]func()
	chans    map[os.Signal]chan os.Signal
	wg       sync.WaitGroup

	mu      sync.Mutex
	pending []os.Signal
	count   atomic.Int64
}

func newSignals(r *Reactor) *signals {
	return &signals{
		r:        r,
		handlers: make(map[os.Signal]func()),
		chans:    make(map[os.Signal]chan os.Signal),
	}
}

// HandleSignal runs fn on r, as a task, whenever sig is received. A later
// call for the same signal replaces the handler. Reactor thread only.
func (r *Reactor) HandleSignal(sig os.Signal, fn func()) {
	s := r.signals
	s.handlers[sig] = fn
	if _, ok := s.chans[sig]; ok {
		return
	}
	ch := make(chan os.Signal, 1)
	s.chans[sig] = ch
	signal.Notify(ch, sig)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for v := range ch {
			s.mu.Lock()
			s.pending = append(s.pending, v)
			s.count.Add(1)
			s.mu.Unlock()
			r.maybeWakeup()
		}
	}()
}

func (s *signals) poll() bool {
	if s.count.Load() == 0 {
		return false
	}
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.count.Store(0)
	s.mu.Unlock()

	for _, sig := range batch {
		if fn := s.handlers[sig]; fn != nil {
			s.r.Schedule(fn)
		}
	}
	return true
}

// close stops relaying, restoring the default disposition of every handled
// signal.
func (s *signals) close() {
	for sig, ch := range s.chans {
		signal.Stop(ch)
		close(ch)
		delete(s.chans, sig)
	}
	s.wg.Wait()
}

type signalPoller struct {
	s *signals
}

func (x *signalPoller) Poll() bool                  { return x.s.poll() }
func (x *signalPoller) PurePoll() bool              { return x.s.count.Load() != 0 }
func (x *signalPoller) TryEnterInterruptMode() bool { return x.s.count.Load() == 0 }
func (x *signalPoller) ExitInterruptMode()          {}
