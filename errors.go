// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package reactor

import (
	"errors"
	"fmt"
	"time"
)

// Standard errors.
var (
	// ErrReactorStopped is returned when work is submitted to a reactor that
	// has finished running.
	ErrReactorStopped = errors.New("reactor: reactor stopped")

	// ErrRuntimeStarted is returned by [Runtime.Run] if called more than once.
	ErrRuntimeStarted = errors.New("reactor: runtime already started")

	// ErrPromiseAlreadySatisfied is returned when setting a promise twice.
	ErrPromiseAlreadySatisfied = errors.New("reactor: promise already satisfied")

	// ErrFutureAlreadyRetrieved fails the future of a promise whose future was
	// already taken.
	ErrFutureAlreadyRetrieved = errors.New("reactor: future already retrieved")

	// ErrFutureNotReady is returned by [Future.Get] on a pending future.
	ErrFutureNotReady = errors.New("reactor: future not ready")

	// ErrFutureConsumed is returned by [Future.Get] when the value was already
	// taken, or handed to a continuation.
	ErrFutureConsumed = errors.New("reactor: future already consumed")

	// ErrTooManySchedulingGroups is returned when all scheduling group slots
	// are in use.
	ErrTooManySchedulingGroups = errors.New("reactor: too many scheduling groups")

	// ErrInvalidShard is returned for a shard id outside [0, smp).
	ErrInvalidShard = errors.New("reactor: invalid shard")

	ErrFDOutOfRange        = errors.New("reactor: fd out of range (max 100000000)")
	ErrFDAlreadyRegistered = errors.New("reactor: fd already registered")
	ErrFDNotRegistered     = errors.New("reactor: fd not registered")
	ErrBackendClosed       = errors.New("reactor: backend closed")

	// ErrUnknownNetworkStack is returned when the configured network stack
	// was never registered.
	ErrUnknownNetworkStack = errors.New("reactor: unknown network stack")

	// ErrInvalidOption is matched by every [OptionError].
	ErrInvalidOption = errors.New("reactor: invalid option")

	// ErrTimedOut is matched by every [TimeoutError].
	ErrTimedOut = errors.New("reactor: timed out")

	// ErrAborted is delivered to a pending read or write wait that was
	// aborted without an explicit error.
	ErrAborted = errors.New("reactor: aborted")

	// ErrFileClosed is returned by operations on a closed file, connection
	// or listener.
	ErrFileClosed = errors.New("reactor: file already closed")

	// ErrConnectionClosed fails writes still buffered when a connection is
	// closed.
	ErrConnectionClosed = errors.New("reactor: connection closed")
)

// PanicError wraps a value recovered from a panicking task or continuation.
type PanicError struct {
	Value any
	Stack []byte
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("reactor: panic: %v", e.Value)
}

// Unwrap returns the panic value if it is an error, allowing [errors.Is] and
// [errors.As] to match through it.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// TimeoutError is the failure delivered by [WithTimeout].
type TimeoutError struct {
	Timeout time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("reactor: timed out after %s", e.Timeout)
}

// Is matches [ErrTimedOut].
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimedOut
}

// OptionError reports an invalid option value, or combination of values.
// It is a fatal startup error.
type OptionError struct {
	Option string
	Reason string
}

// Error implements the error interface.
func (e *OptionError) Error() string {
	return fmt.Sprintf("reactor: invalid option %s: %s", e.Option, e.Reason)
}

// Is matches [ErrInvalidOption].
func (e *OptionError) Is(target error) bool {
	return target == ErrInvalidOption
}
