package reactor

import (
	"sync/atomic"
)

// State is the lifecycle state of a [Reactor].
//
//	StateCreated  → StateRunning   [Runtime.Run]
//	StateRunning  ⇄ StateSleeping  [sleep, via CAS]
//	StateRunning  → StateStopping  [stop requested, exit hooks done]
//	StateStopping → StateStopped   [teardown complete]
//
// Only the temporary states (Running, Sleeping) use CAS. Producers read the
// state after publishing work, to decide whether a wakeup is required.
type State uint64

const (
	StateCreated State = iota
	StateRunning
	StateSleeping
	StateStopping
	StateStopped
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free state cell, padded to its own cache line, as it
// is polled by every other core's producers.
type fastState struct { // betteralign:ignore
	_ [sizeOfCacheLine]byte //nolint:unused
	v atomic.Uint64
	_ [sizeOfCacheLine - sizeOfAtomicUint64]byte //nolint:unused
}

func (s *fastState) Load() State {
	return State(s.v.Load())
}

func (s *fastState) Store(state State) {
	s.v.Store(uint64(state))
}

func (s *fastState) TryTransition(from, to State) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// Accepting reports whether work submitted now may still be run. A stopping
// reactor keeps polling until every core reached the exit barrier.
func (s *fastState) Accepting() bool {
	return s.Load() != StateStopped
}
