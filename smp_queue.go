package reactor

import (
	"github.com/joeycumines/go-reactor/internal/spsc"
)

const (
	smpQueueCapacity = 128
	smpBatchSize     = 16
)

// smpWorkItem is a unit of cross-core work. It is processed on the target
// core, then completed on the origin core.
type smpWorkItem interface {
	// process runs on the target core, calling done once the result is
	// stored in the item.
	process(r *Reactor, done func())
	// complete runs on the origin core, delivering the stored result.
	complete()
}

// asyncWorkItem runs a future-returning function on the target core.
type asyncWorkItem[T any] struct {
	value   T
	err     error
	fn      func() *Future[T]
	promise *Promise[T]
	group   SchedulingGroup
}

func (w *asyncWorkItem[T]) process(r *Reactor, done func()) {
	r.AddTask(NewTask(w.group, func() {
		callFuturized(r, w.fn).onResolve(func(v T, err error) {
			w.value, w.err = v, err
			done()
		})
	}))
}

func (w *asyncWorkItem[T]) complete() {
	_ = w.promise.Set(w.value, w.err)
	w.fn = nil
}

// smpMessageQueue carries work from one core to another, and the results
// back. The pending ring is produced by the origin core and consumed by the
// target core; the completed ring, the reverse.
//
// Fields prefixed tx are only touched by the origin core, rx by the target.
type smpMessageQueue struct {
	pending   *spsc.Ring[smpWorkItem]
	completed *spsc.Ring[smpWorkItem]
	from, to  *Reactor

	// requests waiting for space in pending
	txBuf     []smpWorkItem
	txScratch [smpBatchSize]smpWorkItem

	// results waiting for space in completed
	rxBuf     []smpWorkItem
	rxScratch [smpBatchSize]smpWorkItem
}

func newSMPMessageQueue(from, to *Reactor) *smpMessageQueue {
	return &smpMessageQueue{
		pending:   spsc.New[smpWorkItem](smpQueueCapacity),
		completed: spsc.New[smpWorkItem](smpQueueCapacity),
		from:      from,
		to:        to,
	}
}

// submit queues an item, flushing once a batch accumulated. Origin core.
func (q *smpMessageQueue) submit(w smpWorkItem) {
	q.txBuf = append(q.txBuf, w)
	if len(q.txBuf) >= smpBatchSize {
		q.flushRequests()
	}
}

// flushRequests moves as many buffered requests into the ring as fit, in
// order. Origin core.
func (q *smpMessageQueue) flushRequests() bool {
	if len(q.txBuf) == 0 {
		return false
	}
	n := q.pending.PushBatch(q.txBuf)
	if n == 0 {
		return false
	}
	clear(q.txBuf[:n])
	q.txBuf = append(q.txBuf[:0], q.txBuf[n:]...)
	q.from.stats.smpSent += uint64(n)
	q.to.maybeWakeup()
	return true
}

// processIncoming starts processing every received request. Target core.
func (q *smpMessageQueue) processIncoming() bool {
	var work bool
	for {
		n := q.pending.PopBatch(q.rxScratch[:])
		if n == 0 {
			return work
		}
		work = true
		q.to.stats.smpReceived += uint64(n)
		for i := 0; i < n; i++ {
			w := q.rxScratch[i]
			q.rxScratch[i] = nil
			w.process(q.to, func() { q.respond(w) })
		}
	}
}

// respond queues a processed item for return. Target core.
func (q *smpMessageQueue) respond(w smpWorkItem) {
	q.rxBuf = append(q.rxBuf, w)
	if len(q.rxBuf) >= smpBatchSize {
		q.flushResponses()
	}
}

// flushResponses moves as many results into the ring as fit. Target core.
func (q *smpMessageQueue) flushResponses() bool {
	if len(q.rxBuf) == 0 {
		return false
	}
	n := q.completed.PushBatch(q.rxBuf)
	if n == 0 {
		return false
	}
	clear(q.rxBuf[:n])
	q.rxBuf = append(q.rxBuf[:0], q.rxBuf[n:]...)
	q.from.maybeWakeup()
	return true
}

// processCompletions delivers every returned result. Origin core.
func (q *smpMessageQueue) processCompletions() bool {
	var work bool
	for {
		n := q.completed.PopBatch(q.txScratch[:])
		if n == 0 {
			return work
		}
		work = true
		for i := 0; i < n; i++ {
			w := q.txScratch[i]
			q.txScratch[i] = nil
			w.complete()
		}
	}
}
