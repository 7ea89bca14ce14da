// Package fairqueue implements a weighted fair queue: requests are queued
// against classes, and dispatched in proportion to each class's shares.
//
// Each class accumulates the normalized cost of the requests it dispatched,
// divided by its shares. The class with the lowest accumulated cost goes next.
// Costs are scaled by exp(t/tau), so recent work weighs more than old work,
// and a class that was idle for a while cannot bank an unbounded credit.
package fairqueue

import (
	"math"
	"time"

	"github.com/emirpasic/gods/trees/binaryheap"
)

// normalizeExponent bounds t/tau before the accumulated costs are rebased,
// keeping exp(t/tau) comfortably inside float64 range.
const normalizeExponent = 500

type (
	// Config models the fair queue parameters. Zero values select defaults.
	Config struct {
		// Now returns a monotonic instant. Defaults to time.Since(start).
		Now func() time.Duration

		// Tau is the decay time constant. Defaults to 100ms.
		Tau time.Duration

		// MaxReqCount normalizes request weights. Defaults to 128.
		MaxReqCount uint32

		// MaxBytesCount normalizes request sizes. Defaults to 128 * 128KiB.
		MaxBytesCount uint64
	}

	// Request is a unit of admitted work.
	Request struct {
		// Fn is called when the request is dispatched.
		Fn     func()
		Weight uint32
		Size   uint64
	}

	// Class is a share-weighted category of requests.
	Class struct {
		queue       []Request
		accumulated float64
		shares      uint32
		head        int
		queued      bool // present in the heap
	}

	// Queue is a weighted fair queue. It is not safe for concurrent use.
	Queue struct {
		now                 func() time.Duration
		heap                *binaryheap.Heap
		classes             []*Class
		base                time.Duration
		tau                 float64
		maxReqCount         float64
		maxBytesCount       float64
		requestsQueued      int
		requestsExecuting   int
		reqCountExecuting   uint64
		bytesCountExecuting uint64
	}
)

// New returns an empty queue.
func New(cfg Config) *Queue {
	q := Queue{
		now:           cfg.Now,
		tau:           float64(100 * time.Millisecond),
		maxReqCount:   128,
		maxBytesCount: 128 * 128 << 10,
	}
	if q.now == nil {
		start := time.Now()
		q.now = func() time.Duration { return time.Since(start) }
	}
	if cfg.Tau > 0 {
		q.tau = float64(cfg.Tau)
	}
	if cfg.MaxReqCount > 0 {
		q.maxReqCount = float64(cfg.MaxReqCount)
	}
	if cfg.MaxBytesCount > 0 {
		q.maxBytesCount = float64(cfg.MaxBytesCount)
	}
	q.heap = binaryheap.NewWith(func(a, b any) int {
		x, y := a.(*Class).accumulated, b.(*Class).accumulated
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		default:
			return 0
		}
	})
	q.base = q.now()
	return &q
}

// RegisterClass adds a class with the given shares (floor 1).
func (q *Queue) RegisterClass(shares uint32) *Class {
	c := &Class{shares: max(shares, 1)}
	q.classes = append(q.classes, c)
	return c
}

// Shares returns the class's current shares.
func (c *Class) Shares() uint32 { return c.shares }

// SetShares updates the class's shares (floor 1), affecting requests
// dispatched from now on.
func (c *Class) SetShares(shares uint32) { c.shares = max(shares, 1) }

// Queued returns the number of requests waiting in the class.
func (c *Class) Queued() int { return len(c.queue) - c.head }

// Queue appends req to class c. Nothing is dispatched until Dispatch.
func (q *Queue) Queue(c *Class, req Request) {
	c.queue = append(c.queue, req)
	q.requestsQueued++
	if !c.queued {
		c.queued = true
		q.heap.Push(c)
	}
}

// Waiters returns the number of queued, not yet dispatched, requests.
func (q *Queue) Waiters() int { return q.requestsQueued }

// Executing returns the number of dispatched requests not yet reported as
// finished.
func (q *Queue) Executing() int { return q.requestsExecuting }

// Dispatch hands out requests, lowest accumulated cost first, for as long as
// admit accepts them. A refused request stays at the head of its class.
// It returns the number of requests dispatched.
func (q *Queue) Dispatch(admit func(Request) bool) int {
	var n int
	for q.requestsQueued != 0 {
		v, ok := q.heap.Peek()
		if !ok {
			break
		}
		c := v.(*Class)
		req := c.queue[c.head]
		if admit != nil && !admit(req) {
			break
		}
		q.heap.Pop()
		c.queued = false

		c.queue[c.head] = Request{}
		c.head++
		if c.head == len(c.queue) {
			c.queue = c.queue[:0]
			c.head = 0
		}
		q.requestsQueued--
		q.requestsExecuting++
		q.reqCountExecuting += uint64(req.Weight)
		q.bytesCountExecuting += req.Size

		c.accumulated += q.cost(c, req)
		if c.Queued() != 0 {
			c.queued = true
			q.heap.Push(c)
		}

		n++
		if req.Fn != nil {
			req.Fn()
		}
	}
	return n
}

// Finished records the completion of a dispatched request.
func (q *Queue) Finished(req Request) {
	q.requestsExecuting--
	q.reqCountExecuting -= uint64(req.Weight)
	q.bytesCountExecuting -= req.Size
}

func (q *Queue) cost(c *Class, req Request) float64 {
	reqCost := (float64(req.Weight)/q.maxReqCount + float64(req.Size)/q.maxBytesCount) / float64(c.shares)
	now := q.now()
	if float64(now-q.base)/q.tau > normalizeExponent {
		q.normalize(now)
	}
	return math.Exp(float64(now-q.base)/q.tau) * reqCost
}

// normalize rebases the decay to now. Every class is scaled by the same
// factor, so the heap order is unchanged.
func (q *Queue) normalize(now time.Duration) {
	factor := math.Exp(-float64(now-q.base) / q.tau)
	for _, c := range q.classes {
		c.accumulated *= factor
	}
	q.base = now
}
