// Package reactor provides a thread-per-core cooperative execution runtime,
// multiplexing I/O readiness, timers, cross-core messages and computation
// through a future/promise continuation model.
//
// # Architecture
//
// A [Runtime] owns one [Reactor] per core. Each reactor runs on its own
// goroutine, locked to an OS thread (optionally pinned to a CPU), and owns
// everything it touches: its task queues, timers, pollers and I/O backend.
// Cores never share mutable state, except through the cross-core message
// rings used by [SubmitTo], and the thread-safe ingress used by
// [Reactor.Submit] and [Invoke].
//
// Work is expressed as run-to-completion tasks, grouped into scheduling
// groups. Every group has one task queue per core, with a share weight. The
// scheduler always runs the active queue with the least virtual runtime
// (wall time consumed, divided by shares), so groups receive CPU time in
// proportion to their shares. A timer requests preemption every task quota,
// which is honored at the next task boundary: tasks are never interrupted.
//
// # Futures
//
// [Future] and [Promise] form a single-assignment value-or-error cell.
// Continuations registered with [Then], [Map] and friends run as new tasks,
// in the scheduling group that was current when they were registered.
// Failures are values, propagated through the chain until observed. A future
// collected while still holding an unobserved error is logged as broken.
//
// # Pollers
//
// When no task is runnable, the reactor polls every registered [Poller]
// (epoll readiness, signals, cross-core queues, buffered network flushes,
// low-resolution timers, file I/O completions). If none of them finds work
// for long enough, the reactor asks each poller whether it may sleep, and
// blocks in epoll_wait only if all of them agree.
//
// # Platform Support
//
// The I/O backend uses epoll, eventfd and timerfd, and is available on Linux
// only.
package reactor
