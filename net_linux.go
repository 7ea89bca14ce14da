//go:build linux

package reactor

import (
	"fmt"
	"io"
	"net/netip"
	"sync"

	"golang.org/x/sys/unix"
)

const posixStackName = `posix`

type (
	// NetworkStack provides the sockets of one reactor.
	NetworkStack interface {
		Listen(addr netip.AddrPort, opts ListenOptions) (Listener, error)
		Connect(addr netip.AddrPort) *Future[Conn]
	}

	// NetworkStackFactory creates the stack of a reactor, as it starts.
	NetworkStackFactory func(r *Reactor) (NetworkStack, error)

	// ListenOptions configures [NetworkStack.Listen].
	ListenOptions struct {
		// Backlog is the accept queue length. Defaults to unix.SOMAXCONN.
		Backlog int
		// ReuseAddr sets SO_REUSEADDR.
		ReuseAddr bool
		// ReusePort sets SO_REUSEPORT, so every core may listen on the same
		// address.
		ReusePort bool
	}

	// Listener accepts connections.
	Listener interface {
		Accept() *Future[Conn]
		Addr() netip.AddrPort
		// AbortAccept fails the pending and every later Accept with
		// [ErrAborted].
		AbortAccept()
		Close() error
	}

	// Conn is a connected stream socket. Writes are buffered, and sent by
	// the reactor's batch flush poller, or once the buffer grows large.
	Conn interface {
		// Read resolves with the number of bytes read, or io.EOF.
		Read(buf []byte) *Future[int]
		// Write buffers buf, resolving once it was sent.
		Write(buf []byte) *Future[struct{}]
		// Flush resolves once every buffered byte was sent.
		Flush() *Future[struct{}]
		ShutdownInput() error
		ShutdownOutput() error
		LocalAddr() netip.AddrPort
		RemoteAddr() netip.AddrPort
		Close() error
	}
)

var networkStacks = struct {
	sync.RWMutex
	m map[string]NetworkStackFactory
}{m: map[string]NetworkStackFactory{
	posixStackName: newPosixStack,
}}

// RegisterNetworkStack makes a stack available to [WithNetworkStack].
// Registering an existing name replaces it.
func RegisterNetworkStack(name string, factory NetworkStackFactory) {
	networkStacks.Lock()
	defer networkStacks.Unlock()
	networkStacks.m[name] = factory
}

func lookupNetworkStack(name string) (NetworkStackFactory, bool) {
	networkStacks.RLock()
	defer networkStacks.RUnlock()
	factory, ok := networkStacks.m[name]
	return factory, ok
}

// Network returns r's network stack.
func (r *Reactor) Network() NetworkStack { return r.network }

// Listen parses addr, e.g. "127.0.0.1:8080", and listens on r's stack.
func Listen(r *Reactor, addr string, opts ListenOptions) (Listener, error) {
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return nil, fmt.Errorf("reactor: listen: %w", err)
	}
	return r.network.Listen(ap, opts)
}

// Connect parses addr, and connects on r's stack.
func Connect(r *Reactor, addr string) *Future[Conn] {
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return MakeErrorFuture[Conn](r, fmt.Errorf("reactor: connect: %w", err))
	}
	return r.network.Connect(ap)
}

// posixStack uses the kernel's sockets.
type posixStack struct {
	r       *Reactor
	flusher *flushPoller
}

func newPosixStack(r *Reactor) (NetworkStack, error) {
	return &posixStack{r: r, flusher: r.flusher}, nil
}

func (x *posixStack) Listen(addr netip.AddrPort, opts ListenOptions) (Listener, error) {
	fd, err := newSocket(addr)
	if err != nil {
		return nil, err
	}
	if err := listenFD(fd, addr, opts); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("reactor: getsockname: %w", err)
	}
	return &posixListener{stack: x, fd: NewPollableFD(x.r, fd), addr: sockaddrToAddrPort(sa)}, nil
}

func listenFD(fd int, addr netip.AddrPort, opts ListenOptions) error {
	if opts.ReuseAddr {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return fmt.Errorf("reactor: SO_REUSEADDR: %w", err)
		}
	}
	if opts.ReusePort {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			return fmt.Errorf("reactor: SO_REUSEPORT: %w", err)
		}
	}
	if err := unix.Bind(fd, addrPortToSockaddr(addr)); err != nil {
		return fmt.Errorf("reactor: bind %s: %w", addr, err)
	}
	backlog := opts.Backlog
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return fmt.Errorf("reactor: listen %s: %w", addr, err)
	}
	return nil
}

func (x *posixStack) Connect(addr netip.AddrPort) *Future[Conn] {
	r := x.r
	fd, err := newSocket(addr)
	if err != nil {
		return MakeErrorFuture[Conn](r, err)
	}
	pfd := NewPollableFD(r, fd)
	for {
		err = unix.Connect(fd, addrPortToSockaddr(addr))
		if err != unix.EINTR {
			break
		}
	}
	switch err {
	case nil:
		return x.connected(pfd)
	case unix.EINPROGRESS:
	default:
		_ = pfd.Close()
		return MakeErrorFuture[Conn](r, fmt.Errorf("reactor: connect %s: %w", addr, err))
	}
	return ThenWrapped(pfd.Writable(), func(f *Future[struct{}]) *Future[Conn] {
		if _, err := f.Get(); err != nil {
			_ = pfd.Close()
			return MakeErrorFuture[Conn](r, err)
		}
		soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err == nil && soErr != 0 {
			err = unix.Errno(soErr)
		}
		if err != nil {
			_ = pfd.Close()
			return MakeErrorFuture[Conn](r, fmt.Errorf("reactor: connect %s: %w", addr, err))
		}
		return x.connected(pfd)
	})
}

func (x *posixStack) connected(pfd *PollableFD) *Future[Conn] {
	c, err := x.newConn(pfd)
	if err != nil {
		_ = pfd.Close()
		return MakeErrorFuture[Conn](x.r, err)
	}
	return MakeReadyFuture[Conn](x.r, c)
}

func (x *posixStack) newConn(pfd *PollableFD) (*posixConn, error) {
	local, err := unix.Getsockname(pfd.fd)
	if err != nil {
		return nil, fmt.Errorf("reactor: getsockname: %w", err)
	}
	remote, err := unix.Getpeername(pfd.fd)
	if err != nil {
		return nil, fmt.Errorf("reactor: getpeername: %w", err)
	}
	_ = unix.SetsockoptInt(pfd.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	return &posixConn{
		stack:  x,
		fd:     pfd,
		local:  sockaddrToAddrPort(local),
		remote: sockaddrToAddrPort(remote),
	}, nil
}

func newSocket(addr netip.AddrPort) (int, error) {
	domain := unix.AF_INET
	if addr.Addr().Is6() && !addr.Addr().Is4In6() {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("reactor: socket: %w", err)
	}
	return fd, nil
}

func addrPortToSockaddr(addr netip.AddrPort) unix.Sockaddr {
	ip := addr.Addr()
	if ip.Is4() || ip.Is4In6() {
		return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: ip.Unmap().As4()}
	}
	return &unix.SockaddrInet6{Port: int(addr.Port()), Addr: ip.As16()}
}

func sockaddrToAddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}

type posixListener struct {
	stack *posixStack
	fd    *PollableFD
	addr  netip.AddrPort
}

func (x *posixListener) Addr() netip.AddrPort { return x.addr }

func (x *posixListener) AbortAccept() { x.fd.AbortReader() }

func (x *posixListener) Close() error { return x.fd.Close() }

func (x *posixListener) Accept() *Future[Conn] {
	for {
		nfd, _, err := unix.Accept4(x.fd.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch err {
		case nil:
			return x.stack.connected(NewPollableFD(x.stack.r, nfd))
		case unix.EINTR, unix.ECONNABORTED:
			continue
		case unix.EAGAIN:
			return Then(x.fd.Readable(), func(struct{}) *Future[Conn] {
				return x.Accept()
			})
		default:
			return MakeErrorFuture[Conn](x.stack.r, fmt.Errorf("reactor: accept: %w", err))
		}
	}
}

// connFlushThreshold is the buffered size at which a write is sent without
// waiting for the flush poller.
const connFlushThreshold = 64 << 10

type posixConn struct {
	stack    *posixStack
	fd       *PollableFD
	out      []byte
	waiters  []*Promise[struct{}]
	err      error
	local    netip.AddrPort
	remote   netip.AddrPort
	queued   bool // in the flush poller's list
	flushing bool // waiting for writability
}

func (x *posixConn) LocalAddr() netip.AddrPort  { return x.local }
func (x *posixConn) RemoteAddr() netip.AddrPort { return x.remote }

func (x *posixConn) Read(buf []byte) *Future[int] {
	for {
		n, err := unix.Read(x.fd.fd, buf)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return Then(x.fd.Readable(), func(struct{}) *Future[int] {
				return x.Read(buf)
			})
		case err != nil:
			return MakeErrorFuture[int](x.stack.r, fmt.Errorf("reactor: read: %w", err))
		case n == 0 && len(buf) != 0:
			return MakeErrorFuture[int](x.stack.r, io.EOF)
		default:
			return MakeReadyFuture(x.stack.r, n)
		}
	}
}

func (x *posixConn) Write(buf []byte) *Future[struct{}] {
	r := x.stack.r
	if x.err != nil {
		return MakeErrorFuture[struct{}](r, x.err)
	}
	x.out = append(x.out, buf...)
	p := NewPromise[struct{}](r)
	f := p.Future()
	x.waiters = append(x.waiters, p)
	if len(x.out) >= connFlushThreshold {
		x.flush()
	} else if !x.queued {
		x.queued = true
		x.stack.flusher.conns = append(x.stack.flusher.conns, x)
	}
	return f
}

func (x *posixConn) Flush() *Future[struct{}] {
	return x.Write(nil)
}

// flush sends as much as the socket will take, waiting for writability to
// send the rest.
func (x *posixConn) flush() {
	if x.flushing || x.err != nil {
		return
	}
	for len(x.out) != 0 {
		n, err := unix.Write(x.fd.fd, x.out)
		switch err {
		case nil:
			x.out = x.out[n:]
			continue
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			x.flushing = true
			x.fd.Writable().onResolve(func(_ struct{}, err error) {
				x.flushing = false
				if err != nil {
					x.failWrites(err)
					return
				}
				x.flush()
			})
			return
		default:
			x.failWrites(fmt.Errorf("reactor: write: %w", err))
			return
		}
	}
	x.out = nil
	waiters := x.waiters
	x.waiters = nil
	for _, p := range waiters {
		_ = p.SetValue(struct{}{})
	}
}

func (x *posixConn) failWrites(err error) {
	x.err = err
	x.out = nil
	waiters := x.waiters
	x.waiters = nil
	for _, p := range waiters {
		_ = p.SetError(err)
	}
}

func (x *posixConn) ShutdownInput() error {
	x.fd.AbortReader()
	return unix.Shutdown(x.fd.fd, unix.SHUT_RD)
}

func (x *posixConn) ShutdownOutput() error {
	x.fd.AbortWriter()
	return unix.Shutdown(x.fd.fd, unix.SHUT_WR)
}

func (x *posixConn) Close() error {
	if x.fd.closed {
		return ErrFileClosed
	}
	err := x.fd.Close()
	x.failWrites(ErrConnectionClosed)
	return err
}

// flushPoller sends the buffered writes of every connection written to
// since the last poll.
type flushPoller struct {
	conns []*posixConn
}

func (x *flushPoller) Poll() bool {
	if len(x.conns) == 0 {
		return false
	}
	conns := x.conns
	x.conns = nil
	for _, c := range conns {
		c.queued = false
		c.flush()
	}
	return true
}

func (x *flushPoller) PurePoll() bool { return len(x.conns) != 0 }

// TryEnterInterruptMode vetoes sleeping if there was anything to send, as
// completed writes may have queued continuations.
func (x *flushPoller) TryEnterInterruptMode() bool {
	return !x.Poll()
}

func (x *flushPoller) ExitInterruptMode() {}
