//go:build linux

package reactor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newPipe(t *testing.T) (rfd, wfd int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	return fds[0], fds[1]
}

func TestPollableFD_readable(t *testing.T) {
	rt := newTestRuntime(t)
	rfd, wfd := newPipe(t)
	t.Cleanup(func() { _ = unix.Close(wfd) })
	var got string
	runMain(t, rt, func(r *Reactor) *Future[int] {
		pfd := NewPollableFD(r, rfd)
		assert.Equal(t, rfd, pfd.Fd())
		f := pfd.Readable()
		assert.False(t, f.Available())

		_, err := pfd.Readable().Get()
		assert.ErrorIs(t, err, ErrFDAlreadyRegistered)

		r.Schedule(func() {
			_, err := unix.Write(wfd, []byte(`data`))
			assert.NoError(t, err)
		})
		return Then(f, func(struct{}) *Future[int] {
			buf := make([]byte, 16)
			n, err := unix.Read(rfd, buf)
			require.NoError(t, err)
			got = string(buf[:n])
			// no waits pending, so no registration
			assert.False(t, pfd.registered)
			return makeResolvedFuture(r, 0, pfd.Close())
		})
	})
	assert.Equal(t, `data`, got)
}

func TestPollableFD_abort(t *testing.T) {
	rt := newTestRuntime(t)
	rfd, wfd := newPipe(t)
	t.Cleanup(func() { _ = unix.Close(wfd) })
	runMain(t, rt, func(r *Reactor) *Future[int] {
		pfd := NewPollableFD(r, rfd)
		f := pfd.Readable()
		assert.True(t, pfd.registered)
		pfd.AbortReader()
		assert.False(t, pfd.registered)
		return ThenWrapped(f, func(f *Future[struct{}]) *Future[int] {
			_, err := f.Get()
			assert.ErrorIs(t, err, ErrAborted)
			_, err = pfd.Readable().Get()
			assert.ErrorIs(t, err, ErrAborted)

			require.NoError(t, pfd.Close())
			assert.ErrorIs(t, pfd.Close(), ErrFileClosed)
			_, err = pfd.Writable().Get()
			assert.ErrorIs(t, err, ErrFileClosed)
			return nil
		})
	})
}

func TestPollableFD_hangup(t *testing.T) {
	rt := newTestRuntime(t)
	rfd, wfd := newPipe(t)
	runMain(t, rt, func(r *Reactor) *Future[int] {
		pfd := NewPollableFD(r, rfd)
		f := pfd.Readable()
		require.NoError(t, unix.Close(wfd))
		return Then(f, func(struct{}) *Future[int] {
			n, err := unix.Read(rfd, make([]byte, 1))
			assert.NoError(t, err)
			assert.Zero(t, n)
			return makeResolvedFuture(r, 0, pfd.Close())
		})
	})
}

func TestPollableFD_writable(t *testing.T) {
	rt := newTestRuntime(t)
	rfd, wfd := newPipe(t)
	t.Cleanup(func() { _ = unix.Close(rfd) })
	runMain(t, rt, func(r *Reactor) *Future[int] {
		pfd := NewPollableFD(r, wfd)
		return Then(pfd.Writable(), func(struct{}) *Future[int] {
			return makeResolvedFuture(r, 0, pfd.Close())
		})
	})
}
