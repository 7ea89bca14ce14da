//go:build linux

package reactor

import (
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// initialFDs sizes the fd table, which grows on demand.
const initialFDs = 1024

// maxFDLimit is the largest fd the backend will index.
const maxFDLimit = 100000000

// IOEvents is a set of readiness events.
type IOEvents uint32

const (
	// EventRead indicates the file descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the file descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the file descriptor.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	EventHangup
)

type ioCallback func(IOEvents)

type fdInfo struct {
	callback ioCallback
	events   IOEvents
	active   bool
}

// backend is a reactor's epoll instance, plus the eventfd used to wake it,
// and the timerfd driving its steady timers.
//
// It is owned by a single reactor thread, except for wake, which any
// goroutine may call.
type backend struct { // betteralign:ignore
	eventBuf [256]unix.EpollEvent
	fds      []fdInfo
	onWake   func()
	onTimer  func()
	epfd     int
	wakeFD   int
	timerFD  int
	closed   bool
}

func newBackend() (_ *backend, err error) {
	b := backend{
		fds:     make([]fdInfo, initialFDs),
		epfd:    -1,
		wakeFD:  -1,
		timerFD: -1,
	}
	defer func() {
		if err != nil {
			_ = b.close()
		}
	}()

	if b.epfd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC); err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	if b.wakeFD, err = unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK); err != nil {
		return nil, fmt.Errorf("reactor: eventfd: %w", err)
	}
	if b.timerFD, err = unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK); err != nil {
		return nil, fmt.Errorf("reactor: timerfd_create: %w", err)
	}

	if err = b.registerFD(b.wakeFD, EventRead, func(IOEvents) {
		drainFD(b.wakeFD)
		if b.onWake != nil {
			b.onWake()
		}
	}); err != nil {
		return nil, err
	}
	if err = b.registerFD(b.timerFD, EventRead, func(IOEvents) {
		drainFD(b.timerFD)
		if b.onTimer != nil {
			b.onTimer()
		}
	}); err != nil {
		return nil, err
	}

	return &b, nil
}

func (b *backend) close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	var first error
	for _, fd := range [...]int{b.timerFD, b.wakeFD, b.epfd} {
		if fd < 0 {
			continue
		}
		if err := unix.Close(fd); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (b *backend) registerFD(fd int, events IOEvents, cb ioCallback) error {
	if b.closed {
		return ErrBackendClosed
	}
	if fd < 0 || fd >= maxFDLimit {
		return ErrFDOutOfRange
	}
	if fd >= len(b.fds) {
		fds := make([]fdInfo, min(fd*2+1, maxFDLimit))
		copy(fds, b.fds)
		b.fds = fds
	}
	if b.fds[fd].active {
		return ErrFDAlreadyRegistered
	}

	b.fds[fd] = fdInfo{callback: cb, events: events, active: true}
	ev := unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		b.fds[fd] = fdInfo{}
		return err
	}
	return nil
}

func (b *backend) modifyFD(fd int, events IOEvents) error {
	if b.closed {
		return ErrBackendClosed
	}
	if fd < 0 {
		return ErrFDOutOfRange
	}
	if fd >= len(b.fds) || !b.fds[fd].active {
		return ErrFDNotRegistered
	}
	if b.fds[fd].events == events {
		return nil
	}
	b.fds[fd].events = events
	ev := unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (b *backend) unregisterFD(fd int) error {
	if b.closed {
		return ErrBackendClosed
	}
	if fd < 0 {
		return ErrFDOutOfRange
	}
	if fd >= len(b.fds) || !b.fds[fd].active {
		return ErrFDNotRegistered
	}
	b.fds[fd] = fdInfo{}
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// wait polls for events, dispatching them inline, returning the number of
// events. A negative timeout blocks. EINTR counts as zero events.
func (b *backend) wait(timeoutMs int) (int, error) {
	if b.closed {
		return 0, ErrBackendClosed
	}
	n, err := unix.EpollWait(b.epfd, b.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	for i := 0; i < n; i++ {
		fd := int(b.eventBuf[i].Fd)
		if fd < 0 || fd >= len(b.fds) {
			continue
		}
		// copied, callbacks may unregister
		info := b.fds[fd]
		if info.active && info.callback != nil {
			info.callback(epollToEvents(b.eventBuf[i].Events))
		}
	}
	return n, nil
}

// wake interrupts a blocked wait. Safe for concurrent use.
func (b *backend) wake() {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	for {
		if _, err := unix.Write(b.wakeFD, buf[:]); err != unix.EINTR {
			return
		}
	}
}

// armSteadyTimer programs the timerfd to fire at the absolute steady
// instant at.
func (b *backend) armSteadyTimer(at time.Duration) error {
	at = max(at, 1) // zero would disarm
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(int64(at))}
	return unix.TimerfdSettime(b.timerFD, unix.TFD_TIMER_ABSTIME, &spec, nil)
}

func (b *backend) disarmSteadyTimer() error {
	var spec unix.ItimerSpec
	return unix.TimerfdSettime(b.timerFD, 0, &spec, nil)
}

func drainFD(fd int) {
	var buf [8]byte
	for {
		if _, err := unix.Read(fd, buf[:]); err != unix.EINTR {
			return
		}
	}
}

// steadyNow reads CLOCK_MONOTONIC, the clock timerfd deadlines use.
func steadyNow() time.Duration {
	var ts unix.Timespec
	_ = unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
	return time.Duration(ts.Nano())
}

func eventsToEpoll(events IOEvents) uint32 {
	var epollEvents uint32
	if events&EventRead != 0 {
		epollEvents |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if events&EventWrite != 0 {
		epollEvents |= unix.EPOLLOUT
	}
	return epollEvents
}

func epollToEvents(epollEvents uint32) IOEvents {
	var events IOEvents
	if epollEvents&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if epollEvents&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		events |= EventHangup
	}
	return events
}
