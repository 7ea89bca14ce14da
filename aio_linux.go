//go:build linux

package reactor

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const (
	aioSubmitQueueSize = 128
	aioBatchSize       = 16
	aioMaxConcurrency  = 4
)

type aioOp uint8

const (
	aioRead aioOp = iota
	aioWrite
	aioFsync
	aioOpen
	aioClose
)

// aioRequest is a blocking file operation, executed off the reactor thread.
// Everything but the result fields is read-only once submitted.
type aioRequest struct {
	buf   []byte
	path  string
	err   error
	done  func(n int, err error) // called on the reactor
	off   int64
	fd    int
	flags int
	perm  uint32
	n     int
	op    aioOp
}

func (req *aioRequest) execute() {
	for {
		switch req.op {
		case aioRead:
			req.n, req.err = unix.Pread(req.fd, req.buf, req.off)
		case aioWrite:
			req.n, req.err = unix.Pwrite(req.fd, req.buf, req.off)
		case aioFsync:
			req.err = unix.Fsync(req.fd)
		case aioOpen:
			req.n, req.err = unix.Open(req.path, req.flags|unix.O_CLOEXEC, req.perm)
		case aioClose:
			req.err = unix.Close(req.fd)
		}
		if req.err != unix.EINTR || req.op == aioClose {
			return
		}
	}
}

// aioContext hands file operations to a batcher, and reaps their
// completions. The pending list is reactor-local; completions arrive from
// the batcher's goroutines.
type aioContext struct {
	r            *Reactor
	submitCh     chan *aioRequest
	batcher      *aioBatcher
	pending      []*aioRequest
	mu           sync.Mutex
	completed    []*aioRequest
	completedLen atomic.Int64
	inflight     int
}

func newAIOContext(r *Reactor) *aioContext {
	x := aioContext{
		r:        r,
		submitCh: make(chan *aioRequest, aioSubmitQueueSize),
	}
	x.batcher = newAIOBatcher(x.submitCh, aioBatchSize, aioMaxConcurrency, func(batch []*aioRequest) {
		for _, req := range batch {
			req.execute()
			x.complete(req)
		}
	})
	return &x
}

func (x *aioContext) submit(req *aioRequest) {
	x.pending = append(x.pending, req)
	x.inflight++
}

func (x *aioContext) complete(req *aioRequest) {
	x.mu.Lock()
	x.completed = append(x.completed, req)
	x.completedLen.Add(1)
	x.mu.Unlock()
	x.r.maybeWakeup()
}

// flush hands as many pending requests to the batcher as it will take,
// without blocking.
func (x *aioContext) flush() bool {
	var n int
	for _, req := range x.pending {
		select {
		case x.submitCh <- req:
			n++
			continue
		default:
		}
		break
	}
	if n == 0 {
		return false
	}
	clear(x.pending[:n])
	x.pending = append(x.pending[:0], x.pending[n:]...)
	return true
}

func (x *aioContext) reap() bool {
	if x.completedLen.Load() == 0 {
		return false
	}
	x.mu.Lock()
	batch := x.completed
	x.completed = nil
	x.completedLen.Store(0)
	x.mu.Unlock()

	for _, req := range batch {
		x.inflight--
		if req.done != nil {
			req.done(req.n, req.err)
		}
	}
	return true
}

// close stops the batcher, then resolves every request it never ran, and
// every completion not yet reaped. Reactor thread only.
func (x *aioContext) close() {
	dropped := x.batcher.close()
	x.reap()
	for _, req := range append(dropped, x.pending...) {
		x.inflight--
		if req.done != nil {
			req.done(0, ErrBackendClosed)
		}
	}
	x.pending = nil
}

type aioPoller struct {
	aio *aioContext
}

func (x *aioPoller) Poll() bool {
	flushed := x.aio.flush()
	reaped := x.aio.reap()
	return flushed || reaped
}

func (x *aioPoller) PurePoll() bool {
	return len(x.aio.pending) != 0 || x.aio.completedLen.Load() != 0
}

// TryEnterInterruptMode vetoes sleeping while requests are still waiting to
// be handed over, as nothing would wake the core to retry.
func (x *aioPoller) TryEnterInterruptMode() bool {
	x.aio.flush()
	return !x.PurePoll()
}

func (x *aioPoller) ExitInterruptMode() {}

// aioBatcher receives requests in small batches, running each batch on its
// own goroutine, with bounded concurrency.
type aioBatcher struct {
	ch             <-chan *aioRequest
	processor      func(batch []*aioRequest)
	ctx            context.Context
	cancel         context.CancelFunc
	done           chan struct{}
	dropped        []*aioRequest // received but never processed
	maxSize        int
	maxConcurrency int
}

func newAIOBatcher(ch <-chan *aioRequest, maxSize, maxConcurrency int, processor func([]*aioRequest)) *aioBatcher {
	x := aioBatcher{
		ch:             ch,
		processor:      processor,
		done:           make(chan struct{}),
		maxSize:        maxSize,
		maxConcurrency: maxConcurrency,
	}
	x.ctx, x.cancel = context.WithCancel(context.Background())
	go x.run()
	return &x
}

// close stops receiving, waits for running batches, then returns the
// requests that will never be processed, including any left in the channel.
func (x *aioBatcher) close() []*aioRequest {
	x.cancel()
	<-x.done
	dropped := x.dropped
	x.dropped = nil
	for {
		select {
		case req := <-x.ch:
			dropped = append(dropped, req)
		default:
			return dropped
		}
	}
}

func (x *aioBatcher) run() {
	defer close(x.done)

	var wg sync.WaitGroup
	defer wg.Wait()

	running := make(chan struct{}, x.maxConcurrency)

	for {
		batch := make([]*aioRequest, 0, x.maxSize)
		err := receiveBatch(x.ctx, x.ch, x.maxSize, func(req *aioRequest) {
			batch = append(batch, req)
		})
		if len(batch) != 0 {
			select {
			case <-x.ctx.Done():
				x.dropped = batch
				return
			case running <- struct{}{}:
			}
			wg.Add(1)
			go func() {
				defer func() {
					<-running
					wg.Done()
				}()
				x.processor(batch)
			}()
		}
		if err != nil {
			return
		}
	}
}

// receiveBatch blocks until a first value is received, then takes as many
// more as are immediately available, up to maxSize.
func receiveBatch[T any](ctx context.Context, ch <-chan T, maxSize int, handler func(T)) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case v := <-ch:
		handler(v)
	}
	for size := 1; size < maxSize; size++ {
		select {
		case v := <-ch:
			handler(v)
		default:
			return ctx.Err()
		}
	}
	return ctx.Err()
}
