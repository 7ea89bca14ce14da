package reactor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-reactor/internal/fairqueue"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	defaultPriorityClassName = `default`
	ioWeightUnit             = 16 << 10
)

type (
	// PriorityClassConfig describes an I/O priority class.
	PriorityClassConfig struct {
		// Name identifies the class, registering an existing name returns
		// the existing class.
		Name string

		// Shares is the class's proportion of the I/O capacity (floor 1).
		Shares uint32

		// BandwidthLimit caps the class at this many bytes per second, per
		// I/O queue. Zero means unlimited.
		BandwidthLimit float64

		// Burst is the bandwidth limiter's bucket size, in bytes. Defaults to
		// one second of BandwidthLimit.
		Burst int
	}

	// PriorityClass is a process-wide I/O priority class, see
	// [Runtime.RegisterPriorityClass].
	PriorityClass struct {
		name   string
		limit  rate.Limit
		burst  int
		id     int
		shares atomic.Uint32
	}

	// IOClassStats is a snapshot of one priority class, on one I/O queue.
	IOClassStats struct {
		Class          string
		Shard          int
		Shares         uint32
		Bytes          uint64
		Ops            uint64
		Queued         int
		QueueTime      time.Duration
		QueueTimeP50   time.Duration
		QueueTimeP99   time.Duration
		BandwidthLimit float64
	}

	classRegistry struct {
		mu     sync.Mutex
		byName map[string]*PriorityClass
		list   []*PriorityClass
	}
)

func newClassRegistry() *classRegistry {
	return &classRegistry{byName: make(map[string]*PriorityClass)}
}

// RegisterPriorityClass registers an I/O priority class, or returns the one
// already registered under the same name. Safe for concurrent use.
func (rt *Runtime) RegisterPriorityClass(cfg PriorityClassConfig) *PriorityClass {
	g := rt.classes
	g.mu.Lock()
	defer g.mu.Unlock()
	if pc, ok := g.byName[cfg.Name]; ok {
		return pc
	}
	pc := &PriorityClass{name: cfg.Name, id: len(g.list), limit: rate.Inf}
	pc.shares.Store(max(cfg.Shares, 1))
	if cfg.BandwidthLimit > 0 {
		pc.limit = rate.Limit(cfg.BandwidthLimit)
		pc.burst = cfg.Burst
		if pc.burst <= 0 {
			pc.burst = max(int(cfg.BandwidthLimit), 1)
		}
	}
	g.byName[cfg.Name] = pc
	g.list = append(g.list, pc)
	return pc
}

// DefaultPriorityClass is the class used by files opened without one.
func (rt *Runtime) DefaultPriorityClass() *PriorityClass {
	return rt.RegisterPriorityClass(PriorityClassConfig{Name: defaultPriorityClassName, Shares: defaultShares})
}

func (pc *PriorityClass) Name() string   { return pc.name }
func (pc *PriorityClass) Shares() uint32 { return pc.shares.Load() }

// SetShares updates the class's shares on every I/O queue. Reactor thread
// only.
func (pc *PriorityClass) SetShares(r *Reactor, shares uint32) *Future[struct{}] {
	shares = max(shares, 1)
	pc.shares.Store(shares)
	return InvokeOnAll(r, func(r *Reactor) *Future[struct{}] {
		if r.io != nil {
			if cs := r.io.classes[pc]; cs != nil {
				cs.fq.SetShares(shares)
			}
		}
		return MakeReadyFuture(r, struct{}{})
	})
}

// ioCoordinator returns the core owning the I/O queue that serves core id.
// Queues are spread evenly, each owned by the first core it serves.
func ioCoordinator(id, smp, numQueues int) int {
	q := id * numQueues / smp
	return (q*smp + numQueues - 1) / numQueues
}

// ioQueue admits file I/O for a group of cores, dispatching queued requests
// in proportion to their class's shares, bounded by a number of requests in
// flight.
type ioQueue struct {
	r       *Reactor
	fq      *fairqueue.Queue
	sem     *semaphore.Weighted
	classes map[*PriorityClass]*ioClassState
	order   []*ioClassState
}

type ioClassState struct {
	pc        *PriorityClass
	fq        *fairqueue.Class
	limiter   *rate.Limiter
	p50, p99  *quantile
	bytes     uint64
	ops       uint64
	queued    int
	queueTime time.Duration
}

func newIOQueue(r *Reactor, capacity int) *ioQueue {
	return &ioQueue{
		r:       r,
		fq:      fairqueue.New(fairqueue.Config{Now: steadyNow}),
		sem:     semaphore.NewWeighted(int64(max(capacity, 1))),
		classes: make(map[*PriorityClass]*ioClassState),
	}
}

func (q *ioQueue) class(pc *PriorityClass) *ioClassState {
	if cs := q.classes[pc]; cs != nil {
		return cs
	}
	cs := &ioClassState{
		pc:  pc,
		fq:  q.fq.RegisterClass(pc.Shares()),
		p50: newQuantile(0.5),
		p99: newQuantile(0.99),
	}
	if pc.limit != rate.Inf {
		cs.limiter = rate.NewLimiter(pc.limit, pc.burst)
	}
	q.classes[pc] = cs
	q.order = append(q.order, cs)
	return cs
}

func ioWeight(size int) uint32 {
	return 1 + uint32(size/ioWeightUnit)
}

// queue admits req, resolving with its result once it completed. A class
// over its bandwidth limit joins the fair queue only once its reservation
// matures.
func (q *ioQueue) queue(pc *PriorityClass, req *aioRequest) *Future[int] {
	cs := q.class(pc)
	p := NewPromise[int](q.r)
	f := p.Future()

	cs.queued++
	enqueued := steadyNow()
	var fr fairqueue.Request
	fr = fairqueue.Request{
		Weight: ioWeight(len(req.buf)),
		Size:   uint64(len(req.buf)),
		Fn: func() {
			q.submit(cs, req, fr, enqueued, p)
		},
	}

	var delay time.Duration
	if cs.limiter != nil {
		n := min(len(req.buf), cs.limiter.Burst())
		delay = cs.limiter.ReserveN(time.Now(), n).Delay()
	}
	if delay <= 0 {
		q.fq.Queue(cs.fq, fr)
		q.dispatch()
		return f
	}

	t := NewTimer[SteadyClock](q.r, nil)
	t.SetCallback(func() {
		q.fq.Queue(cs.fq, fr)
		q.dispatch()
	})
	t.Arm(delay)
	return f
}

func (q *ioQueue) dispatch() {
	q.fq.Dispatch(func(fairqueue.Request) bool {
		return q.sem.TryAcquire(1)
	})
}

func (q *ioQueue) submit(cs *ioClassState, req *aioRequest, fr fairqueue.Request, enqueued time.Duration, p *Promise[int]) {
	waited := steadyNow() - enqueued
	cs.queued--
	cs.queueTime += waited
	cs.p50.observe(waited)
	cs.p99.observe(waited)

	req.done = func(n int, err error) {
		q.sem.Release(1)
		q.fq.Finished(fr)
		cs.ops++
		if n > 0 {
			cs.bytes += uint64(n)
		}
		_ = p.Set(n, err)
		q.dispatch()
	}
	q.r.aio.submit(req)
}

func (q *ioQueue) stats() []IOClassStats {
	res := make([]IOClassStats, 0, len(q.order))
	for _, cs := range q.order {
		s := IOClassStats{
			Class:        cs.pc.name,
			Shard:        q.r.id,
			Shares:       cs.fq.Shares(),
			Bytes:        cs.bytes,
			Ops:          cs.ops,
			Queued:       cs.queued,
			QueueTime:    cs.queueTime,
			QueueTimeP50: cs.p50.value(),
			QueueTimeP99: cs.p99.value(),
		}
		if cs.limiter != nil {
			s.BandwidthLimit = float64(cs.limiter.Limit())
		}
		res = append(res, s)
	}
	return res
}

// submitIO routes a read or write to this core's I/O queue, which may be on
// another core.
func (r *Reactor) submitIO(pc *PriorityClass, req *aioRequest) *Future[int] {
	if pc == nil {
		pc = r.rt.DefaultPriorityClass()
	}
	if r.io != nil {
		return r.io.queue(pc, req)
	}
	coordinator := r.rt.reactors[r.ioCoordinator]
	return SubmitTo(r, r.ioCoordinator, func() *Future[int] {
		return coordinator.io.queue(pc, req)
	})
}

// IOStats returns the statistics of the I/O queue owned by r, if any.
// Reactor thread only.
func (r *Reactor) IOStats() []IOClassStats {
	if r.io == nil {
		return nil
	}
	return r.io.stats()
}
