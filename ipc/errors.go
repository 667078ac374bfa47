// Package ipc implements a broker-mediated, cross-process message pipe
// multiplexer: a demultiplexer that routes many logical bidirectional pipes
// over a single underlying Transport between two processes.
package ipc

import (
	"errors"
	"fmt"
)

// Code classifies the outcome of a local-pipe or routing operation.
// Mirrors the small integer-status-block style used for wire-level
// status codes elsewhere in the stack (see wire.ControlOpcode).
type Code int

const (
	// OK indicates success.
	OK Code = iota
	// NotFound means there was nothing to read.
	NotFound
	// ResourceExhausted means the supplied buffer was too small, or a
	// requested size was implausibly large.
	ResourceExhausted
	// InvalidArgument means a nil buffer was paired with a nonzero size,
	// or similar malformed input.
	InvalidArgument
	// FailedPrecondition means the peer port is closed and not writable,
	// or the operation otherwise cannot proceed in the current state.
	FailedPrecondition
	// ReadShutdown is delivered to a bound dispatcher once its peer has
	// closed its end of the pipe.
	ReadShutdown
	// Cancelled means a waiter was cancelled by a Close call.
	Cancelled
	// DeadlineExceeded means a Wait call timed out.
	DeadlineExceeded
	// AlreadyExists means an AddWaiter call asked to wait on a flag that
	// is already satisfied; the waiter is rejected synchronously rather
	// than armed.
	AlreadyExists
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case NotFound:
		return "NOT_FOUND"
	case ResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	case InvalidArgument:
		return "INVALID_ARGUMENT"
	case FailedPrecondition:
		return "FAILED_PRECONDITION"
	case ReadShutdown:
		return "READ_SHUTDOWN"
	case Cancelled:
		return "CANCELLED"
	case DeadlineExceeded:
		return "DEADLINE_EXCEEDED"
	case AlreadyExists:
		return "ALREADY_EXISTS"
	default:
		return "UNKNOWN"
	}
}

// Error is a Code-carrying error returned by the local pipe API and by
// RoutedChannel's dispatcher callbacks.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ipc: %s: %s: %v", e.Code, e.Msg, e.Err)
	}
	if e.Msg != "" {
		return fmt.Sprintf("ipc: %s: %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("ipc: %s", e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target carries the same Code, so callers can write
// errors.Is(err, ipc.ErrNotFound) style checks against the sentinels below.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

func newErr(code Code, msg string) *Error { return &Error{Code: code, Msg: msg} }

func wrapErr(code Code, msg string, err error) *Error { return &Error{Code: code, Msg: msg, Err: err} }

// Sentinel errors for common Code values, usable with errors.Is.
var (
	ErrNotFound           = newErr(NotFound, "")
	ErrResourceExhausted  = newErr(ResourceExhausted, "")
	ErrInvalidArgument    = newErr(InvalidArgument, "")
	ErrFailedPrecondition = newErr(FailedPrecondition, "")
	ErrReadShutdown       = newErr(ReadShutdown, "")
	ErrCancelled          = newErr(Cancelled, "")
	ErrDeadlineExceeded   = newErr(DeadlineExceeded, "")
	ErrAlreadyExists      = newErr(AlreadyExists, "")
)

// ErrProtocolViolation is wrapped around any fatal control-route protocol
// error (wrong frame type, overlong payload, unknown opcode, duplicate
// ROUTE_CLOSED). It is always fatal to the owning RoutedChannel. An
// undersized control payload is not wrapped in it: that frame is discarded
// and the channel stays up.
var ErrProtocolViolation = errors.New("ipc: control protocol violation")
