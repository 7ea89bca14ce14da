// Package spsc implements a bounded, lock-free, single-producer
// single-consumer ring, used to hand values between exactly two goroutines.
package spsc

import (
	"sync/atomic"
)

const (
	// sizeOfCacheLine is the largest common cache line size (Apple Silicon,
	// other ARM64), so padding to it also satisfies x86-64.
	sizeOfCacheLine = 128

	sizeOfAtomicUint64 = 8
	sizeOfUint64       = 8
)

// Ring is a bounded FIFO with exactly one producer and one consumer.
//
// The producer owns tail (and its cached copy of head), the consumer owns
// head (and its cached copy of tail). Each index lives on its own cache line,
// so the two sides only contend when they actually observe each other.
//
// Ordering: the producer writes the slot, then publishes tail (release). The
// consumer acquires tail, reads the slot, clears it, then publishes head.
type Ring[T any] struct { // betteralign:ignore
	_          [sizeOfCacheLine]byte
	head       atomic.Uint64
	_          [sizeOfCacheLine - sizeOfAtomicUint64]byte
	tail       atomic.Uint64
	_          [sizeOfCacheLine - sizeOfAtomicUint64]byte
	cachedHead uint64 // producer-local
	_          [sizeOfCacheLine - sizeOfUint64]byte
	cachedTail uint64 // consumer-local
	_          [sizeOfCacheLine - sizeOfUint64]byte
	mask       uint64
	buf        []T
}

// New returns a ring able to hold at least capacity values. The capacity is
// rounded up to a power of two, and is at least 2.
func New[T any](capacity int) *Ring[T] {
	size := uint64(2)
	for size < uint64(capacity) {
		size <<= 1
	}
	return &Ring[T]{
		mask: size - 1,
		buf:  make([]T, size),
	}
}

// Cap returns the number of slots.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Len returns the number of values currently in the ring. It is exact only
// when called by one of the two owners, while the other is quiescent.
func (r *Ring[T]) Len() int {
	tail := r.tail.Load()
	head := r.head.Load()
	if tail <= head {
		return 0
	}
	return int(tail - head)
}

// Push appends v, returning false if the ring is full.
// Producer only.
func (r *Ring[T]) Push(v T) bool {
	tail := r.tail.Load()
	if tail-r.cachedHead >= uint64(len(r.buf)) {
		r.cachedHead = r.head.Load()
		if tail-r.cachedHead >= uint64(len(r.buf)) {
			return false
		}
	}
	r.buf[tail&r.mask] = v
	r.tail.Store(tail + 1)
	return true
}

// PushBatch appends as many values from vs as fit, in order, publishing them
// with a single store. It returns the number appended.
// Producer only.
func (r *Ring[T]) PushBatch(vs []T) int {
	if len(vs) == 0 {
		return 0
	}
	tail := r.tail.Load()
	free := uint64(len(r.buf)) - (tail - r.cachedHead)
	if free < uint64(len(vs)) {
		r.cachedHead = r.head.Load()
		free = uint64(len(r.buf)) - (tail - r.cachedHead)
	}
	n := min(uint64(len(vs)), free)
	for i := uint64(0); i < n; i++ {
		r.buf[(tail+i)&r.mask] = vs[i]
	}
	if n != 0 {
		r.tail.Store(tail + n)
	}
	return int(n)
}

// Pop removes the oldest value.
// Consumer only.
func (r *Ring[T]) Pop() (v T, ok bool) {
	head := r.head.Load()
	if head == r.cachedTail {
		r.cachedTail = r.tail.Load()
		if head == r.cachedTail {
			return v, false
		}
	}
	idx := head & r.mask
	v = r.buf[idx]
	var zero T
	r.buf[idx] = zero
	r.head.Store(head + 1)
	return v, true
}

// PopBatch moves up to len(dst) of the oldest values into dst, returning the
// number moved.
// Consumer only.
func (r *Ring[T]) PopBatch(dst []T) int {
	if len(dst) == 0 {
		return 0
	}
	head := r.head.Load()
	avail := r.cachedTail - head
	if avail < uint64(len(dst)) {
		r.cachedTail = r.tail.Load()
		avail = r.cachedTail - head
	}
	n := min(uint64(len(dst)), avail)
	var zero T
	for i := uint64(0); i < n; i++ {
		idx := (head + i) & r.mask
		dst[i] = r.buf[idx]
		r.buf[idx] = zero
	}
	if n != 0 {
		r.head.Store(head + n)
	}
	return int(n)
}
