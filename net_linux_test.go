//go:build linux

package reactor

import (
	"errors"
	"io"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPosixStack_echo(t *testing.T) {
	rt := newTestRuntime(t, WithSMP(2))
	var reply string
	runMain(t, rt, func(r *Reactor) *Future[int] {
		ln, err := Listen(r, `127.0.0.1:0`, ListenOptions{ReuseAddr: true})
		require.NoError(t, err)
		addr := ln.Addr()
		require.NotZero(t, addr.Port())

		server := Then(ln.Accept(), func(c Conn) *Future[struct{}] {
			assert.Equal(t, addr, c.LocalAddr())
			buf := make([]byte, 64)
			return Then(c.Read(buf), func(n int) *Future[struct{}] {
				return Finally(c.Write(append([]byte(`echo: `), buf[:n]...)), func() *Future[struct{}] {
					// the client reads until EOF
					return makeResolvedFuture(r, struct{}{}, c.Close())
				})
			})
		})

		// the client runs on the other core
		client := SubmitTo(r, 1, func() *Future[string] {
			o := rt.Reactor(1)
			return Then(Connect(o, addr.String()), func(c Conn) *Future[string] {
				assert.Equal(t, addr, c.RemoteAddr())
				return Then(c.Write([]byte(`ping`)), func(struct{}) *Future[string] {
					var out []byte
					buf := make([]byte, 4)
					return RepeatUntilValue(o, func() *Future[Optional[string]] {
						return Catch(Map(c.Read(buf), func(n int) (Optional[string], error) {
							out = append(out, buf[:n]...)
							return None[string](), nil
						}), func(err error) (Optional[string], error) {
							if errors.Is(err, io.EOF) {
								_ = c.Close()
								return Some(string(out)), nil
							}
							return Optional[string]{}, err
						})
					})
				})
			})
		})

		return Then(server, func(struct{}) *Future[int] {
			return Map(client, func(v string) (int, error) {
				reply = v
				return 0, ln.Close()
			})
		})
	})
	assert.Equal(t, `echo: ping`, reply)
}

func TestPosixStack_largeWrite(t *testing.T) {
	rt := newTestRuntime(t)
	const size = 1 << 20
	var received int
	runMain(t, rt, func(r *Reactor) *Future[int] {
		ln, err := Listen(r, `127.0.0.1:0`, ListenOptions{})
		require.NoError(t, err)
		accepted := ln.Accept()
		return Then(Connect(r, ln.Addr().String()), func(client Conn) *Future[int] {
			return Then(accepted, func(server Conn) *Future[int] {
				sent := client.Write(make([]byte, size))
				buf := make([]byte, 64<<10)
				read := DoUntil(r, func() bool { return received == size }, func() *Future[struct{}] {
					return Map(server.Read(buf), func(n int) (struct{}, error) {
						received += n
						return struct{}{}, nil
					})
				})
				return Map(WhenAll(r, sent, read), func([]struct{}) (int, error) {
					return 0, errors.Join(client.Close(), server.Close(), ln.Close())
				})
			})
		})
	})
	assert.Equal(t, size, received)
}

func TestPosixStack_abortAccept(t *testing.T) {
	rt := newTestRuntime(t)
	runMain(t, rt, func(r *Reactor) *Future[int] {
		ln, err := Listen(r, `127.0.0.1:0`, ListenOptions{})
		require.NoError(t, err)
		f := ln.Accept()
		ln.AbortAccept()
		return ThenWrapped(f, func(f *Future[Conn]) *Future[int] {
			_, err := f.Get()
			assert.ErrorIs(t, err, ErrAborted)
			_, err = ln.Accept().Get()
			assert.ErrorIs(t, err, ErrAborted)
			require.NoError(t, ln.Close())
			assert.ErrorIs(t, ln.Close(), ErrFileClosed)
			return nil
		})
	})
}

func TestPosixStack_connectRefused(t *testing.T) {
	rt := newTestRuntime(t)
	runMain(t, rt, func(r *Reactor) *Future[int] {
		// grab a free port, then release it
		ln, err := Listen(r, `127.0.0.1:0`, ListenOptions{})
		require.NoError(t, err)
		addr := ln.Addr()
		require.NoError(t, ln.Close())
		return ThenWrapped(Connect(r, addr.String()), func(f *Future[Conn]) *Future[int] {
			_, err := f.Get()
			assert.Error(t, err)
			return nil
		})
	})
}

func TestListen_invalidAddr(t *testing.T) {
	r := newTestRuntime(t).Reactor(0)
	_, err := Listen(r, `localhost`, ListenOptions{})
	assert.Error(t, err)
	_, err = Connect(r, `nope`).Get()
	assert.Error(t, err)
}

type fakeStack struct{ r *Reactor }

func (x *fakeStack) Listen(netip.AddrPort, ListenOptions) (Listener, error) {
	return nil, errors.ErrUnsupported
}

func (x *fakeStack) Connect(netip.AddrPort) *Future[Conn] {
	return MakeErrorFuture[Conn](x.r, errors.ErrUnsupported)
}

func TestRegisterNetworkStack(t *testing.T) {
	var created []int
	RegisterNetworkStack(`fake`, func(r *Reactor) (NetworkStack, error) {
		created = append(created, r.ID())
		return &fakeStack{r: r}, nil
	})
	rt := newTestRuntime(t, WithSMP(2), WithNetworkStack(`fake`))
	assert.Equal(t, []int{0, 1}, created)
	r := rt.Reactor(1)
	require.IsType(t, &fakeStack{}, r.Network())
	_, err := Listen(r, `127.0.0.1:1`, ListenOptions{})
	assert.ErrorIs(t, err, errors.ErrUnsupported)
}

func TestNewRuntime_networkStackFails(t *testing.T) {
	e := errors.New(`no nic`)
	RegisterNetworkStack(`broken`, func(r *Reactor) (NetworkStack, error) { return nil, e })
	_, err := NewRuntime(WithSMP(1), WithThreadAffinity(false), WithLogger(nil), WithNetworkStack(`broken`))
	assert.ErrorIs(t, err, e)
}
