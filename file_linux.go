//go:build linux

package reactor

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DMAAlignment is the buffer, offset and length alignment required by files
// opened for direct I/O.
const DMAAlignment = 4096

// FileOpenOptions configures [OpenFile].
type FileOpenOptions struct {
	// Class is the I/O priority class of reads and writes, defaulting to
	// [Runtime.DefaultPriorityClass].
	Class *PriorityClass

	// Flags are the open(2) flags, e.g. unix.O_RDWR|unix.O_CREAT.
	Flags int

	// Perm is the mode of a created file.
	Perm uint32

	// DMA opens the file with O_DIRECT, bypassing the page cache. If the
	// filesystem refuses, and relaxed DMA is enabled, the file is opened
	// for buffered I/O instead.
	DMA bool
}

// File is an open file, whose reads and writes are admitted through the I/O
// queue, and executed off the reactor thread. A File belongs to the reactor
// that opened it.
type File struct {
	r     *Reactor
	class *PriorityClass
	// resolved once inflight drops to zero, by a pending Close
	drained  *Promise[struct{}]
	name     string
	fd       int
	inflight int
	dma      bool
	closed   bool
}

// OpenFile opens the named file.
func OpenFile(r *Reactor, name string, opts FileOpenOptions) *Future[*File] {
	class := opts.Class
	if class == nil {
		class = r.rt.DefaultPriorityClass()
	}
	open := func(flags int, dma bool) *Future[*File] {
		return Map(r.openFD(name, flags, opts.Perm), func(fd int) (*File, error) {
			return &File{r: r, class: class, name: name, fd: fd, dma: dma}, nil
		})
	}
	if !opts.DMA {
		return open(opts.Flags, false)
	}
	f := open(opts.Flags|unix.O_DIRECT, true)
	if !r.rt.opts.RelaxedDMA {
		return f
	}
	return ThenWrapped(f, func(f *Future[*File]) *Future[*File] {
		file, err := f.Get()
		if !errors.Is(err, unix.EINVAL) {
			return makeResolvedFuture(r, file, err)
		}
		r.logger.Debug().
			Str(`file`, name).
			Log(`direct I/O refused, falling back to buffered I/O`)
		return open(opts.Flags, false)
	})
}

func (r *Reactor) openFD(name string, flags int, perm uint32) *Future[int] {
	p := NewPromise[int](r)
	f := p.Future()
	r.aio.submit(&aioRequest{
		op:    aioOpen,
		path:  name,
		flags: flags,
		perm:  perm,
		done: func(fd int, err error) {
			if err != nil {
				err = fmt.Errorf("reactor: open %s: %w", name, err)
			}
			_ = p.Set(fd, err)
		},
	})
	return f
}

// Name returns the name the file was opened with.
func (x *File) Name() string { return x.name }

// Fd returns the underlying file descriptor.
func (x *File) Fd() int { return x.fd }

// DMA reports whether the file bypasses the page cache.
func (x *File) DMA() bool { return x.dma }

// ReadAt reads up to len(buf) bytes at offset off, resolving with the number
// of bytes read. Zero means end of file.
func (x *File) ReadAt(buf []byte, off int64) *Future[int] {
	return x.rw(aioRead, buf, off)
}

// WriteAt writes buf at offset off, resolving with the number of bytes
// written.
func (x *File) WriteAt(buf []byte, off int64) *Future[int] {
	return x.rw(aioWrite, buf, off)
}

func (x *File) rw(op aioOp, buf []byte, off int64) *Future[int] {
	if x.closed {
		return MakeErrorFuture[int](x.r, ErrFileClosed)
	}
	return trackFileOp(x, x.r.submitIO(x.class, &aioRequest{op: op, fd: x.fd, buf: buf, off: off}))
}

// trackFileOp counts f as in flight on x, until it resolves.
func trackFileOp[T any](x *File, f *Future[T]) *Future[T] {
	x.inflight++
	return ThenWrapped(f, func(f *Future[T]) *Future[T] {
		v, err := f.Get()
		x.inflight--
		if x.inflight == 0 && x.drained != nil {
			p := x.drained
			x.drained = nil
			_ = p.SetValue(struct{}{})
		}
		return makeResolvedFuture(x.r, v, err)
	})
}

// Flush makes written data durable. It is a no-op if unsafe fsync bypass is
// enabled.
func (x *File) Flush() *Future[struct{}] {
	if x.closed {
		return MakeErrorFuture[struct{}](x.r, ErrFileClosed)
	}
	if x.r.rt.opts.UnsafeBypassFsync {
		return MakeReadyFuture(x.r, struct{}{})
	}
	return trackFileOp(x, x.simple(aioFsync))
}

// Close closes the file, once every read, write and flush still in flight
// has completed. Further operations fail with [ErrFileClosed].
func (x *File) Close() *Future[struct{}] {
	if x.closed {
		return MakeErrorFuture[struct{}](x.r, ErrFileClosed)
	}
	x.closed = true
	if x.inflight == 0 {
		return x.simple(aioClose)
	}
	x.drained = NewPromise[struct{}](x.r)
	return Then(x.drained.Future(), func(struct{}) *Future[struct{}] {
		return x.simple(aioClose)
	})
}

func (x *File) simple(op aioOp) *Future[struct{}] {
	p := NewPromise[struct{}](x.r)
	f := p.Future()
	x.r.aio.submit(&aioRequest{
		op: op,
		fd: x.fd,
		done: func(_ int, err error) {
			_ = p.Set(struct{}{}, err)
		},
	})
	return f
}

// AlignedBuffer returns a buffer of size bytes, starting on a [DMAAlignment]
// boundary.
func AlignedBuffer(size int) []byte {
	buf := make([]byte, size+DMAAlignment)
	offset := int(uintptr(unsafe.Pointer(unsafe.SliceData(buf))) & (DMAAlignment - 1))
	if offset != 0 {
		offset = DMAAlignment - offset
	}
	return buf[offset : offset+size : offset+size]
}
