//go:build linux

package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// PollableFD waits for readiness of a non-blocking file descriptor, on the
// reactor that created it. It supports one reader and one writer at a time.
//
// The fd is registered with the backend only while a wait is pending, since
// hangups are reported regardless of interest.
type PollableFD struct {
	r             *Reactor
	readP, writeP *Promise[struct{}]
	fd            int
	registered    bool
	abortedRead   bool
	abortedWrite  bool
	closed        bool
}

// NewPollableFD wraps fd, which must be in non-blocking mode. Ownership of
// fd passes to the PollableFD.
func NewPollableFD(r *Reactor, fd int) *PollableFD {
	return &PollableFD{r: r, fd: fd}
}

// Fd returns the file descriptor.
func (x *PollableFD) Fd() int { return x.fd }

// Readable resolves once the fd is readable, or has hung up.
func (x *PollableFD) Readable() *Future[struct{}] {
	switch {
	case x.closed:
		return MakeErrorFuture[struct{}](x.r, ErrFileClosed)
	case x.abortedRead:
		return MakeErrorFuture[struct{}](x.r, ErrAborted)
	case x.readP != nil:
		return MakeErrorFuture[struct{}](x.r, fmt.Errorf("reactor: fd %d already has a reader: %w", x.fd, ErrFDAlreadyRegistered))
	}
	x.readP = NewPromise[struct{}](x.r)
	f := x.readP.Future()
	x.update()
	return f
}

// Writable resolves once the fd is writable, or has hung up.
func (x *PollableFD) Writable() *Future[struct{}] {
	switch {
	case x.closed:
		return MakeErrorFuture[struct{}](x.r, ErrFileClosed)
	case x.abortedWrite:
		return MakeErrorFuture[struct{}](x.r, ErrAborted)
	case x.writeP != nil:
		return MakeErrorFuture[struct{}](x.r, fmt.Errorf("reactor: fd %d already has a writer: %w", x.fd, ErrFDAlreadyRegistered))
	}
	x.writeP = NewPromise[struct{}](x.r)
	f := x.writeP.Future()
	x.update()
	return f
}

// AbortReader fails the pending and every later Readable with [ErrAborted].
func (x *PollableFD) AbortReader() {
	x.abortedRead = true
	if p := x.readP; p != nil {
		x.readP = nil
		_ = p.SetError(ErrAborted)
	}
	x.update()
}

// AbortWriter fails the pending and every later Writable with [ErrAborted].
func (x *PollableFD) AbortWriter() {
	x.abortedWrite = true
	if p := x.writeP; p != nil {
		x.writeP = nil
		_ = p.SetError(ErrAborted)
	}
	x.update()
}

// Close aborts both directions, then closes the fd.
func (x *PollableFD) Close() error {
	if x.closed {
		return ErrFileClosed
	}
	x.AbortReader()
	x.AbortWriter()
	x.closed = true
	return unix.Close(x.fd)
}

func (x *PollableFD) interest() IOEvents {
	var events IOEvents
	if x.readP != nil {
		events |= EventRead
	}
	if x.writeP != nil {
		events |= EventWrite
	}
	return events
}

// update syncs the backend registration with the pending waits. A failure
// is delivered to the waiters.
func (x *PollableFD) update() {
	events := x.interest()
	var err error
	switch {
	case events == 0 && x.registered:
		x.registered = false
		err = x.r.backend.unregisterFD(x.fd)
	case events == 0:
	case x.registered:
		err = x.r.backend.modifyFD(x.fd, events)
	default:
		if err = x.r.backend.registerFD(x.fd, events, x.ready); err == nil {
			x.registered = true
		}
	}
	if err != nil {
		x.r.logger.Err().
			Err(err).
			Int(`fd`, x.fd).
			Log(`fd registration failed`)
		x.fail(err)
	}
}

func (x *PollableFD) fail(err error) {
	if p := x.readP; p != nil {
		x.readP = nil
		_ = p.SetError(err)
	}
	if p := x.writeP; p != nil {
		x.writeP = nil
		_ = p.SetError(err)
	}
}

func (x *PollableFD) ready(events IOEvents) {
	done := events&(EventError|EventHangup) != 0
	if p := x.readP; p != nil && (done || events&EventRead != 0) {
		x.readP = nil
		_ = p.SetValue(struct{}{})
	}
	if p := x.writeP; p != nil && (done || events&EventWrite != 0) {
		x.writeP = nil
		_ = p.SetValue(struct{}{})
	}
	x.update()
}
